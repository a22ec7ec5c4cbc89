// Package subchannel implements the per-address connection state machine
// (§4.7): one Subchannel owns at most one transport.ClientTransport to one
// address, cycles through IDLE/CONNECTING/READY/TRANSIENT_FAILURE/SHUTDOWN,
// and reconnects on a backoff.Strategy after a failure. It is the load
// balancer's unit of work; balancer implementations never talk to
// transport directly.
package subchannel

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fullstorydev/rpcweave/internal/backoff"
	"github.com/fullstorydev/rpcweave/resolver"
	"github.com/fullstorydev/rpcweave/transport"
)

// State is a connectivity state, per §4.7.
type State int

const (
	Idle State = iota
	Connecting
	Ready
	TransientFailure
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// StateListener is notified of every connectivity state transition, on the
// goroutine that made it: the connection goroutine started by Connect, or
// the caller of Close. Notifications from the two may overlap.
type StateListener func(State, error)

// Options configures a Subchannel.
type Options struct {
	TLSConfig *tls.Config
	UserAgent string
	Backoff   backoff.Config
	Clock     clockwork.Clock // nil means real time
}

// Subchannel manages the lifecycle of one transport connection to one
// address. Callers obtain calls via Pick (through a balancer's Picker, not
// directly) once the Subchannel reports Ready.
type Subchannel struct {
	addr resolver.Address
	opts Options

	mu        sync.Mutex
	state     State
	transport *transport.ClientTransport
	listeners []StateListener
	refs      int
	calls     int

	backoff    *backoff.Strategy
	connectNow chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// New creates a Subchannel in the IDLE state; it does not connect until
// Connect is called.
func New(addr resolver.Address, opts Options) *Subchannel {
	return &Subchannel{
		addr:       addr,
		opts:       opts,
		state:      Idle,
		backoff:    backoff.New(opts.Backoff, opts.Clock),
		connectNow: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Address returns the address this subchannel connects to.
func (sc *Subchannel) Address() resolver.Address { return sc.addr }

// Listen registers l to be called on every future state transition. It does
// not replay the current state; callers that need the current state should
// call State() first.
func (sc *Subchannel) Listen(l StateListener) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.listeners = append(sc.listeners, l)
}

// State returns the current connectivity state.
func (sc *Subchannel) State() State {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Connect starts (or, if already connecting/connected, is a no-op for) the
// background connection-management goroutine. Per §4.7, a balancer calls
// this from IDLE in response to a pick request or an explicit exitIdle.
func (sc *Subchannel) Connect() {
	sc.mu.Lock()
	if sc.state != Idle {
		sc.mu.Unlock()
		return
	}
	sc.mu.Unlock()
	go sc.run()
}

// run drives the connect/backoff/reconnect loop until Close is called.
func (sc *Subchannel) run() {
	for {
		sc.setState(Connecting, nil)

		ctx, cancel := context.WithCancel(context.Background())
		t, err := transport.Dial(ctx, sc.addr.Addr, transport.DialOptions{
			TLSConfig: sc.opts.TLSConfig,
			UserAgent: sc.opts.UserAgent,
		})
		if err != nil {
			cancel()
			sc.setState(TransientFailure, err)

			timer := sc.backoff.Timer()
			select {
			case <-sc.done:
				timer.Stop()
				return
			case <-sc.connectNow:
				timer.Stop()
			case <-timer.Chan():
			}
			continue
		}

		sc.backoff.Reset()
		sc.mu.Lock()
		sc.transport = t
		sc.mu.Unlock()
		sc.setState(Ready, nil)

		select {
		case <-sc.done:
			cancel()
			t.Close()
			return
		case <-sc.waitForFailure(t):
			cancel()
			t.Close()
		}
	}
}

// waitForFailure pings the transport periodically (a placeholder for a real
// keepalive/GOAWAY-driven signal) and closes the returned channel the
// moment a ping fails, which is this subchannel's only way of discovering a
// broken connection between calls.
func (sc *Subchannel) waitForFailure(t *transport.ClientTransport) <-chan struct{} {
	failed := make(chan struct{})
	go func() {
		defer close(failed)
		clock := sc.opts.Clock
		if clock == nil {
			clock = clockwork.NewRealClock()
		}
		ticker := clock.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sc.done:
				return
			case <-ticker.Chan():
				if err := t.Ping(context.Background()); err != nil {
					return
				}
			}
		}
	}()
	return failed
}

// ExitIdle nudges an IDLE subchannel to Connect, or a backed-off
// TRANSIENT_FAILURE subchannel to retry immediately instead of waiting out
// its timer.
func (sc *Subchannel) ExitIdle() {
	sc.mu.Lock()
	state := sc.state
	sc.mu.Unlock()
	if state == Idle {
		sc.Connect()
		return
	}
	select {
	case sc.connectNow <- struct{}{}:
	default:
	}
}

// Transport returns the live transport, or nil if not Ready. Balancers'
// Pickers call this only after observing a Ready state transition.
func (sc *Subchannel) Transport() *transport.ClientTransport {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != Ready {
		return nil
	}
	return sc.transport
}

// Ref increments the reference count kept by internal/subchannelpool; it is
// not used to gate calls, only shared-pool lifetime.
func (sc *Subchannel) Ref() {
	sc.mu.Lock()
	sc.refs++
	sc.mu.Unlock()
}

// Unref decrements the reference count and reports whether it reached zero.
func (sc *Subchannel) Unref() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.refs--
	return sc.refs <= 0
}

// CallRef marks one active call as using this subchannel's transport. It is
// purely a diagnostics counter (exposed via internal/metrics); it does not
// gate Close: the pool's Ref/Unref governs subchannel lifetime, and the
// transport's Close leaves a connection that still carries streams open
// until they end.
func (sc *Subchannel) CallRef() {
	sc.mu.Lock()
	sc.calls++
	sc.mu.Unlock()
}

// CallUnref decrements the active-call counter.
func (sc *Subchannel) CallUnref() {
	sc.mu.Lock()
	sc.calls--
	sc.mu.Unlock()
}

// ActiveCalls reports the current active-call count.
func (sc *Subchannel) ActiveCalls() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.calls
}

// Close tears the subchannel down permanently.
func (sc *Subchannel) Close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		sc.setState(Shutdown, nil)
		sc.mu.Lock()
		t := sc.transport
		sc.mu.Unlock()
		if t != nil {
			t.Close()
		}
	})
}

func (sc *Subchannel) setState(s State, err error) {
	sc.mu.Lock()
	sc.state = s
	listeners := append([]StateListener(nil), sc.listeners...)
	sc.mu.Unlock()
	for _, l := range listeners {
		l(s, err)
	}
}
