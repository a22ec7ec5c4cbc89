// Package resolvingbalancer implements the Resolving Load Balancer (§4.8):
// it owns a resolver.Resolver and a child balancer.Balancer, applies the
// service-config error-handling table on every resolver event, selects the
// first supported policy from loadBalancingConfig, and republishes the
// child's (state, picker) upward — wrapping an IDLE picker so its first
// pick nudges the child out of idle, and running its own backoff sequence
// across resolution failures.
package resolvingbalancer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/fullstorydev/rpcweave/balancer"
	"github.com/fullstorydev/rpcweave/internal/backoff"
	"github.com/fullstorydev/rpcweave/internal/subchannelpool"
	"github.com/fullstorydev/rpcweave/resolver"
	"github.com/fullstorydev/rpcweave/serviceconfig"
	"github.com/fullstorydev/rpcweave/status"
	"github.com/fullstorydev/rpcweave/subchannel"
	"github.com/fullstorydev/rpcweave/transport"
)

// Options configures a ResolvingBalancer.
type Options struct {
	DefaultPolicyName string // used when no resolver-supplied policy is supported
	SubchannelOptions subchannel.Options
	Pool              *subchannelpool.Pool // nil means subchannelpool.Global
	Backoff           backoff.Config
	Clock             clockwork.Clock
	ResolverBuildOpts resolver.BuildOptions
}

// UpdateListener is notified every time the ResolvingBalancer has a new
// (state, picker) pair to publish, mirroring balancer.ClientConn.UpdateState
// but scoped to the single consumer a Channel is.
type UpdateListener func(balancer.State)

// ResolvingBalancer is built once per Channel and lives for the channel's
// whole lifetime.
type ResolvingBalancer struct {
	opts     Options
	listener UpdateListener
	pool     *subchannelpool.Pool

	mu                sync.Mutex
	res               resolver.Resolver
	child             balancer.Balancer
	childPolicyName   string
	lastServiceConfig *serviceconfig.Config
	hasPreviousSC     bool

	backoff       *backoff.Strategy
	backoffActive bool
	continueNext  bool
	resolveFn     func()

	subconns map[*subConn]struct{}

	resolveGroup singleflight.Group
}

// New builds and starts resolving target using builder (already looked up
// by the caller from resolver.Get(target.Scheme)).
func New(builder resolver.Builder, target resolver.Target, opts Options, listener UpdateListener) (*ResolvingBalancer, error) {
	pool := opts.Pool
	if pool == nil {
		pool = subchannelpool.Global
	}
	rb := &ResolvingBalancer{
		opts:     opts,
		listener: listener,
		pool:     pool,
		backoff:  backoff.New(opts.Backoff, opts.Clock),
		subconns: make(map[*subConn]struct{}),
	}

	res, err := builder.Build(target, rb, opts.ResolverBuildOpts)
	if err != nil {
		return nil, fmt.Errorf("resolvingbalancer: building resolver for %q: %w", target.URI, err)
	}
	rb.mu.Lock()
	rb.res = res
	rb.mu.Unlock()
	return rb, nil
}

// ResolveNow asks the resolver to try again soon. Concurrent callers (e.g. a
// pick failure and an app-triggered Channel.ResolveNow racing each other)
// collapse into the single underlying resolver.Resolver.ResolveNow call via
// singleflight, since the resolver has no use for redundant re-resolution
// requests arriving in the same instant.
func (rb *ResolvingBalancer) ResolveNow() {
	rb.mu.Lock()
	res := rb.res
	rb.mu.Unlock()
	if res == nil {
		return
	}
	rb.resolveGroup.Do("resolve-now", func() (interface{}, error) {
		res.ResolveNow()
		return nil, nil
	})
}

// ExitIdle forwards to the child balancer, if any.
func (rb *ResolvingBalancer) ExitIdle() {
	rb.mu.Lock()
	child := rb.child
	rb.mu.Unlock()
	if child != nil {
		child.ExitIdle()
	}
}

// Close tears down the resolver, the child balancer, and every subchannel
// it created.
func (rb *ResolvingBalancer) Close() {
	rb.mu.Lock()
	res, child := rb.res, rb.child
	subs := make([]*subConn, 0, len(rb.subconns))
	for sc := range rb.subconns {
		subs = append(subs, sc)
	}
	rb.subconns = nil
	rb.mu.Unlock()

	if res != nil {
		res.Close()
	}
	if child != nil {
		child.Close()
	}
	for _, sc := range subs {
		rb.pool.Release(sc.real)
	}
}

// UpdateState implements resolver.ClientConn: one resolver event.
func (rb *ResolvingBalancer) UpdateState(s resolver.State) error {
	rb.mu.Lock()

	var effectiveSC *serviceconfig.Config
	switch {
	case s.ServiceConfig != nil:
		effectiveSC = s.ServiceConfig
		rb.lastServiceConfig = s.ServiceConfig
		rb.hasPreviousSC = true
	case s.ServiceConfigErr == nil:
		effectiveSC = &serviceconfig.Config{}
		rb.lastServiceConfig = nil
		rb.hasPreviousSC = false
	case rb.hasPreviousSC:
		effectiveSC = rb.lastServiceConfig
	default:
		rb.mu.Unlock()
		rb.reportResolutionFailure(s.ServiceConfigErr)
		return nil
	}

	policyName, lbCfg, err := selectPolicy(effectiveSC, rb.opts.DefaultPolicyName)
	if err != nil {
		rb.mu.Unlock()
		rb.reportResolutionFailure(err)
		return err
	}

	if policyName != rb.childPolicyName {
		if rb.child != nil {
			rb.child.Close()
		}
		b, ok := balancer.Get(policyName)
		if !ok {
			rb.mu.Unlock()
			err := fmt.Errorf("resolvingbalancer: policy %q is not registered", policyName)
			rb.reportResolutionFailure(err)
			return err
		}
		rb.child = b.Build(childConn{rb})
		rb.childPolicyName = policyName
	}
	child := rb.child
	rb.backoffActive = false
	rb.backoff.Reset()
	rb.mu.Unlock()

	return child.UpdateClientConnState(balancer.ClientConnState{
		Endpoints:      s.Endpoints,
		BalancerConfig: lbCfg,
	})
}

// ReportError implements resolver.ClientConn: the resolver itself failed
// (as opposed to successfully resolving but failing to parse a service
// config, which arrives via UpdateState's ServiceConfigErr).
func (rb *ResolvingBalancer) ReportError(err error) {
	rb.reportResolutionFailure(err)
}

func (rb *ResolvingBalancer) reportResolutionFailure(err error) {
	rb.mu.Lock()
	child := rb.child
	rb.mu.Unlock()

	if child != nil {
		child.ResolverError(err)
		return
	}

	rb.publish(balancer.State{
		ConnectivityState: subchannel.TransientFailure,
		Picker:            errPicker{err: status.New(status.Unavailable, fmt.Sprintf("name resolution failed: %v", err), nil).Err()},
	})
	rb.armBackoff()
}

func (rb *ResolvingBalancer) armBackoff() {
	rb.mu.Lock()
	if rb.backoffActive {
		rb.continueNext = true
		rb.mu.Unlock()
		return
	}
	rb.backoffActive = true
	timer := rb.backoff.Timer()
	rb.mu.Unlock()

	go func() {
		<-timer.Chan()
		rb.mu.Lock()
		again := rb.continueNext
		rb.continueNext = false
		rb.backoffActive = false
		res := rb.res
		rb.mu.Unlock()
		if again && res != nil {
			res.ResolveNow()
		}
	}()
}

// selectPolicy picks the first entry in sc.LoadBalancingConfig whose policy
// name is registered, falling back to sc.LoadBalancingPolicy, then to
// defaultPolicy, per §4.8/§4.6.
func selectPolicy(sc *serviceconfig.Config, defaultPolicy string) (string, interface{}, error) {
	for _, lbCfg := range sc.LoadBalancingConfig {
		if b, ok := balancer.Get(lbCfg.PolicyName); ok {
			var cfg interface{}
			if parser, ok := b.(balancer.ConfigParser); ok {
				raw, _ := marshalRawConfig(lbCfg.RawConfig)
				parsed, err := parser.ParseConfig(raw)
				if err != nil {
					return "", nil, fmt.Errorf("resolvingbalancer: config for policy %q: %w", lbCfg.PolicyName, err)
				}
				cfg = parsed
			}
			return lbCfg.PolicyName, cfg, nil
		}
	}
	if len(sc.LoadBalancingConfig) > 0 {
		return "", nil, fmt.Errorf("resolvingbalancer: all load balancer options in service config are not compatible")
	}
	if sc.LoadBalancingPolicy != "" {
		if _, ok := balancer.Get(sc.LoadBalancingPolicy); ok {
			return sc.LoadBalancingPolicy, nil, nil
		}
	}
	return defaultPolicy, nil, nil
}

func marshalRawConfig(m map[string]interface{}) ([]byte, error) {
	return json.Marshal(m)
}

// ---- balancer.ClientConn, implemented on behalf of the child policy ----

func (rb *ResolvingBalancer) NewSubConn(addr resolver.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	real := rb.pool.Acquire(addr, rb.opts.SubchannelOptions)
	sc := &subConn{real: real}
	if opts.StateListener != nil {
		real.Listen(opts.StateListener)
	}
	rb.mu.Lock()
	rb.subconns[sc] = struct{}{}
	rb.mu.Unlock()
	return sc, nil
}

func (rb *ResolvingBalancer) RemoveSubConn(s balancer.SubConn) {
	sc, ok := s.(*subConn)
	if !ok {
		return
	}
	rb.mu.Lock()
	delete(rb.subconns, sc)
	rb.mu.Unlock()
	rb.pool.Release(sc.real)
}

// childConn is the balancer.ClientConn handed to the child policy. It
// inherits NewSubConn, RemoveSubConn and ResolveNow from the embedded
// ResolvingBalancer and supplies the balancer-side UpdateState, since the
// ResolvingBalancer's own UpdateState is the resolver.ClientConn method.
type childConn struct{ *ResolvingBalancer }

func (c childConn) UpdateState(s balancer.State) { c.updateChildState(s) }

func (rb *ResolvingBalancer) updateChildState(s balancer.State) {
	if s.ConnectivityState == subchannel.Idle {
		s.Picker = &idleNudgePicker{rb: rb, inner: s.Picker}
	}
	rb.publish(s)
}

func (rb *ResolvingBalancer) publish(s balancer.State) {
	if rb.listener != nil {
		rb.listener(s)
	}
}

// subConn adapts *subchannel.Subchannel to balancer.SubConn.
type subConn struct {
	real *subchannel.Subchannel
}

func (s *subConn) Connect()                              { s.real.Connect() }
func (s *subConn) ExitIdle()                              { s.real.ExitIdle() }
func (s *subConn) State() subchannel.State                { return s.real.State() }
func (s *subConn) Transport() *transport.ClientTransport { return s.real.Transport() }
func (s *subConn) CallRef()                              { s.real.CallRef() }
func (s *subConn) CallUnref()                            { s.real.CallUnref() }

// idleNudgePicker wraps a child's IDLE-state picker so the first pick
// request also asks the ResolvingBalancer to exit idle (§4.8).
type idleNudgePicker struct {
	rb    *ResolvingBalancer
	inner balancer.Picker

	once sync.Once
}

func (p *idleNudgePicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	p.once.Do(func() { p.rb.ExitIdle() })
	if p.inner != nil {
		return p.inner.Pick(info)
	}
	return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
}

type errPicker struct{ err error }

func (p errPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, p.err
}
