// Package channel implements the Channel (§4.9): it owns target resolution
// and the resolving load balancer, queues calls awaiting a pick, and drains
// that queue every time a new picker is published. Package call builds the
// actual Http2CallStream state machine on top of what Channel hands it.
package channel

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fullstorydev/rpcweave/balancer"
	"github.com/fullstorydev/rpcweave/credentials"
	"github.com/fullstorydev/rpcweave/internal/backoff"
	"github.com/fullstorydev/rpcweave/internal/resolvingbalancer"
	"github.com/fullstorydev/rpcweave/internal/subchannelpool"
	"github.com/fullstorydev/rpcweave/resolver"
	"github.com/fullstorydev/rpcweave/subchannel"
)

// Options configures a Channel.
type Options struct {
	DefaultResolverScheme string // default "passthrough"
	DefaultBalancerName   string // default pick_first's Name, set by caller to avoid an import cycle
	TLSConfig             *tls.Config
	PerRPC                credentials.PerRPCCredentials
	UserAgent             string
	Backoff               backoff.Config
	Clock                 clockwork.Clock
	Pool                  *subchannelpool.Pool
	Logger                *zap.Logger
}

// pendingPick is one queued call waiting on a picker (§4.9).
type pendingPick struct {
	info   balancer.PickInfo
	result chan pickOutcome
}

type pickOutcome struct {
	res balancer.PickResult
	err error
}

// Channel is the client-facing entry point: one per logical target. It is
// safe for concurrent use by many in-flight calls.
type Channel struct {
	target resolver.Target
	opts   Options
	logger *zap.Logger

	rb *resolvingbalancer.ResolvingBalancer

	mu      sync.Mutex
	current balancer.State
	queue   []*pendingPick
	closed  bool
}

// Dial parses target, resolves a Builder for its scheme, and starts the
// resolving load balancer. It does not block for the first resolution to
// complete; calls made before the first picker arrives simply queue.
func Dial(target string, opts Options) (*Channel, error) {
	scheme := opts.DefaultResolverScheme
	if scheme == "" {
		scheme = "passthrough"
	}
	defaultBalancer := opts.DefaultBalancerName
	if defaultBalancer == "" {
		defaultBalancer = "pick_first"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	t, err := resolver.ParseTarget(target, scheme)
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	builder := resolver.Get(t.Scheme)
	if builder == nil {
		return nil, fmt.Errorf("channel: no resolver registered for scheme %q", t.Scheme)
	}

	ch := &Channel{target: t, opts: opts, logger: logger}

	scOpts := subchannel.Options{
		TLSConfig: opts.TLSConfig,
		UserAgent: opts.UserAgent,
		Backoff:   opts.Backoff,
		Clock:     opts.Clock,
	}

	rb, err := resolvingbalancer.New(builder, t, resolvingbalancer.Options{
		DefaultPolicyName: defaultBalancer,
		SubchannelOptions: scOpts,
		Pool:              opts.Pool,
		Backoff:           opts.Backoff,
		Clock:             opts.Clock,
	}, ch.onUpdate)
	if err != nil {
		return nil, err
	}
	ch.rb = rb
	return ch, nil
}

// onUpdate is called by the resolving load balancer every time it has a new
// (state, picker) pair; it republishes the state and drains the pick queue.
func (ch *Channel) onUpdate(s balancer.State) {
	ch.mu.Lock()
	ch.current = s
	pending := ch.queue
	ch.queue = nil
	ch.mu.Unlock()

	ch.logger.Debug("channel state updated", zap.String("state", s.ConnectivityState.String()))

	for _, p := range pending {
		res, err := s.Picker.Pick(p.info)
		if err == balancer.ErrNoSubConnAvailable {
			ch.enqueue(p)
			continue
		}
		p.result <- pickOutcome{res: res, err: err}
	}
}

// Pick requests a subchannel for one call attempt. If the current picker
// has none ready, the call is queued and Pick blocks until a future picker
// update resolves it or info.Ctx is done.
func (ch *Channel) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return balancer.PickResult{}, fmt.Errorf("channel: closed")
	}
	picker := ch.current.Picker
	ch.mu.Unlock()

	if picker != nil {
		res, err := picker.Pick(info)
		if err != balancer.ErrNoSubConnAvailable {
			return res, err
		}
	}

	p := &pendingPick{info: info, result: make(chan pickOutcome, 1)}
	ch.enqueue(p)

	select {
	case out := <-p.result:
		return out.res, out.err
	case <-info.Ctx.Done():
		return balancer.PickResult{}, info.Ctx.Err()
	}
}

func (ch *Channel) enqueue(p *pendingPick) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.queue = append(ch.queue, p)
}

// ResolveNow asks the channel's resolver to try again soon.
func (ch *Channel) ResolveNow() {
	ch.rb.ResolveNow()
}

// Target returns the parsed dial target.
func (ch *Channel) Target() resolver.Target { return ch.target }

// ConnectivityState reports the channel's last-published aggregate
// connectivity state; the call layer consults this to implement
// waitForReady semantics (§4.4) for the TRANSIENT_FAILURE pick outcome.
func (ch *Channel) ConnectivityState() subchannel.State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.current.ConnectivityState
}

// Close tears down the resolving load balancer and fails every queued pick.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	pending := ch.queue
	ch.queue = nil
	ch.mu.Unlock()

	for _, p := range pending {
		p.result <- pickOutcome{err: fmt.Errorf("channel: closed")}
	}
	ch.rb.Close()
}
