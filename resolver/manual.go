package resolver

import "sync"

// ManualResolver is a test/demo resolver whose state is pushed explicitly by
// calling UpdateState, rather than discovered from any naming system. It is
// the resolver analogue of balancer/pickfirst and balancer/roundrobin's role
// as built-ins: the channel tests drive the channel through one of these
// instead of standing up real DNS or xDS.
type ManualResolver struct {
	scheme string

	mu          sync.Mutex
	cc          ClientConn
	lastState   State
	resolveNows int
}

// NewManualResolver creates a resolver registered under scheme (callers
// typically use a unique scheme per test to avoid cross-test interference
// through the global registry).
func NewManualResolver(scheme string) *ManualResolver {
	r := &ManualResolver{scheme: scheme}
	Register(r)
	return r
}

func (r *ManualResolver) Scheme() string { return r.scheme }

func (r *ManualResolver) Build(_ Target, cc ClientConn, _ BuildOptions) (Resolver, error) {
	r.mu.Lock()
	r.cc = cc
	state := r.lastState
	r.mu.Unlock()
	if len(state.Endpoints) > 0 || state.ServiceConfig != nil {
		if err := cc.UpdateState(state); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// UpdateState pushes a new State to the built channel, if one has been
// built; otherwise it is remembered and delivered as the initial state on
// the next Build.
func (r *ManualResolver) UpdateState(s State) {
	r.mu.Lock()
	r.lastState = s
	cc := r.cc
	r.mu.Unlock()
	if cc != nil {
		cc.UpdateState(s)
	}
}

// ReportError reports a resolution failure to the built channel.
func (r *ManualResolver) ReportError(err error) {
	r.mu.Lock()
	cc := r.cc
	r.mu.Unlock()
	if cc != nil {
		cc.ReportError(err)
	}
}

func (r *ManualResolver) ResolveNow() {
	r.mu.Lock()
	r.resolveNows++
	r.mu.Unlock()
}

func (r *ManualResolver) Close() {}

// ResolveNowCount returns how many times ResolveNow has been called, for
// assertions in resolving-load-balancer tests.
func (r *ManualResolver) ResolveNowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveNows
}
