package resolvingbalancer

import (
	"fmt"
	"testing"

	"github.com/fullstorydev/rpcweave/balancer"
	_ "github.com/fullstorydev/rpcweave/balancer/pickfirst"
	_ "github.com/fullstorydev/rpcweave/balancer/roundrobin"
	"github.com/fullstorydev/rpcweave/internal/subchannelpool"
	"github.com/fullstorydev/rpcweave/resolver"
	"github.com/fullstorydev/rpcweave/serviceconfig"
)

// fakeResolver is a manually driven resolver.Resolver/Builder pair so tests
// control exactly when updates and errors are delivered.
type fakeResolver struct {
	cc resolver.ClientConn
}

func (f *fakeResolver) ResolveNow() {}
func (f *fakeResolver) Close()      {}

type fakeBuilder struct {
	built chan *fakeResolver
}

func (b *fakeBuilder) Scheme() string { return "fake" }
func (b *fakeBuilder) Build(_ resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	r := &fakeResolver{cc: cc}
	if b.built != nil {
		b.built <- r
	}
	return r, nil
}

func newTestRB(t *testing.T) (*ResolvingBalancer, *fakeResolver, chan balancer.State) {
	t.Helper()
	builder := &fakeBuilder{built: make(chan *fakeResolver, 1)}
	updates := make(chan balancer.State, 16)

	rb, err := New(builder, resolver.Target{URI: "fake:///test"}, Options{
		DefaultPolicyName: "pick_first",
		Pool:              &subchannelpool.Pool{},
	}, func(s balancer.State) { updates <- s })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := <-builder.built
	return rb, r, updates
}

func TestNilServiceConfigNoErrorUsesDefaultPolicy(t *testing.T) {
	rb, r, updates := newTestRB(t)
	defer rb.Close()

	if err := r.cc.UpdateState(resolver.State{
		Endpoints: []resolver.Endpoint{{Addresses: []resolver.Address{{Addr: "1.1.1.1:1"}}}},
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	select {
	case <-updates:
	default:
		t.Fatalf("expected at least one published state")
	}
	if rb.childPolicyName != "pick_first" {
		t.Fatalf("childPolicyName = %q, want pick_first", rb.childPolicyName)
	}
}

func TestResolverErrorWithNoPreviousServiceConfigSurfacesFailure(t *testing.T) {
	rb, r, updates := newTestRB(t)
	defer rb.Close()

	r.cc.ReportError(fmt.Errorf("boom"))

	select {
	case s := <-updates:
		if _, err := s.Picker.Pick(balancer.PickInfo{}); err == nil {
			t.Fatalf("expected picker to report the resolution failure")
		}
	default:
		t.Fatalf("expected a published TRANSIENT_FAILURE state")
	}
}

func TestServiceConfigErrorWithPreviousConfigKeepsIt(t *testing.T) {
	rb, r, updates := newTestRB(t)
	defer rb.Close()

	sc := &serviceconfig.Config{}
	if err := r.cc.UpdateState(resolver.State{
		Endpoints:     []resolver.Endpoint{{Addresses: []resolver.Address{{Addr: "1.1.1.1:1"}}}},
		ServiceConfig: sc,
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	<-updates

	if err := r.cc.UpdateState(resolver.State{
		Endpoints:        []resolver.Endpoint{{Addresses: []resolver.Address{{Addr: "2.2.2.2:2"}}}},
		ServiceConfigErr: fmt.Errorf("txt parse failed"),
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	if rb.lastServiceConfig != sc {
		t.Fatalf("expected the previous service config to be retained")
	}
}

func TestUnsupportedLoadBalancingConfigReportsFailure(t *testing.T) {
	rb, r, _ := newTestRB(t)
	defer rb.Close()

	sc := &serviceconfig.Config{
		LoadBalancingConfig: []serviceconfig.LoadBalancingConfig{{PolicyName: "no_such_policy"}},
	}
	err := r.cc.UpdateState(resolver.State{ServiceConfig: sc})
	if err == nil {
		t.Fatalf("expected an error for an unsupported load balancing config")
	}
}
