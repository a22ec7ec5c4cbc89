// Package childhandler implements the generic "wrap one child policy and
// swap it out when its type changes" shape that backs every thin xDS
// policy shim in balancer/xds (§4.6's "policy swaps child on type change"
// rule). A childhandler.Handler is not itself registered as a policy; it
// is embedded by a named wrapper that supplies the xDS-specific config
// parsing.
package childhandler

import (
	"fmt"
	"sync"

	"github.com/fullstorydev/rpcweave/balancer"
	"github.com/fullstorydev/rpcweave/subchannel"
)

// Config is the generic shape every child-handler policy's parsed config
// reduces to: which named child policy to run, and that child's own
// opaque config blob.
type Config struct {
	ChildPolicyName string
	ChildConfig     interface{}
}

// Handler owns a child Balancer, replacing it whenever the configured
// ChildPolicyName changes and otherwise forwarding every call straight
// through.
type Handler struct {
	cc balancer.ClientConn

	mu        sync.Mutex
	childName string
	child     balancer.Balancer
}

// New constructs a Handler bound to cc. Callers (the named wrapper's
// Build) typically return this directly as their balancer.Balancer.
func New(cc balancer.ClientConn) *Handler {
	return &Handler{cc: cc}
}

// UpdateClientConnState expects s.BalancerConfig to be a Config (built by
// the wrapper's ParseConfig); it swaps the child policy in if the name
// changed, then forwards the endpoints and the child's own config down.
func (h *Handler) UpdateClientConnState(s balancer.ClientConnState) error {
	cfg, ok := s.BalancerConfig.(Config)
	if !ok {
		return fmt.Errorf("childhandler: expected childhandler.Config, got %T", s.BalancerConfig)
	}

	h.mu.Lock()
	if cfg.ChildPolicyName != h.childName {
		if h.child != nil {
			h.child.Close()
		}
		b, ok := balancer.Get(cfg.ChildPolicyName)
		if !ok {
			h.mu.Unlock()
			return fmt.Errorf("childhandler: unknown child policy %q", cfg.ChildPolicyName)
		}
		h.child = b.Build(h.cc)
		h.childName = cfg.ChildPolicyName
	}
	child := h.child
	h.mu.Unlock()

	return child.UpdateClientConnState(balancer.ClientConnState{
		Endpoints:      s.Endpoints,
		BalancerConfig: cfg.ChildConfig,
	})
}

func (h *Handler) UpdateSubConnState(sc balancer.SubConn, s subchannel.State, err error) {
	h.mu.Lock()
	child := h.child
	h.mu.Unlock()
	if child != nil {
		child.UpdateSubConnState(sc, s, err)
	}
}

func (h *Handler) ResolverError(err error) {
	h.mu.Lock()
	child := h.child
	h.mu.Unlock()
	if child != nil {
		child.ResolverError(err)
	}
}

func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.child != nil {
		h.child.Close()
		h.child = nil
	}
}

func (h *Handler) ExitIdle() {
	h.mu.Lock()
	child := h.child
	h.mu.Unlock()
	if child != nil {
		child.ExitIdle()
	}
}
