package resolver_test

import (
	"testing"

	"github.com/fullstorydev/rpcweave/resolver"
)

func TestParseTargetWithAuthorityAndPath(t *testing.T) {
	got, err := resolver.ParseTarget("dns://8.8.8.8/example.com:443", "passthrough")
	if err != nil {
		t.Fatalf("ParseTarget failed: %v", err)
	}
	if got.Scheme != "dns" || got.Authority != "8.8.8.8" || got.Endpoint != "example.com:443" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseTargetNoAuthority(t *testing.T) {
	got, err := resolver.ParseTarget("unix:/tmp/sock", "passthrough")
	if err != nil {
		t.Fatalf("ParseTarget failed: %v", err)
	}
	if got.Scheme != "unix" || got.Authority != "" || got.Endpoint != "/tmp/sock" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseTargetBareHostPort(t *testing.T) {
	got, err := resolver.ParseTarget("localhost:50051", "passthrough")
	if err != nil {
		t.Fatalf("ParseTarget failed: %v", err)
	}
	// "localhost" is a syntactically valid scheme token, but it is not a
	// registered scheme and is not followed by "//", so the whole string
	// parses as the passthrough endpoint.
	if got.Scheme != "passthrough" || got.Endpoint != "localhost:50051" {
		t.Fatalf("got %+v", got)
	}
}

type fakeCC struct {
	states []resolver.State
	errs   []error
}

func (f *fakeCC) UpdateState(s resolver.State) error {
	f.states = append(f.states, s)
	return nil
}
func (f *fakeCC) ReportError(err error) { f.errs = append(f.errs, err) }

func TestManualResolverDeliversInitialState(t *testing.T) {
	r := resolver.NewManualResolver("manual-test-1")
	r.UpdateState(resolver.State{Endpoints: []resolver.Endpoint{{Addresses: []resolver.Address{{Addr: "1.2.3.4:1"}}}}})

	cc := &fakeCC{}
	built, err := r.Build(resolver.Target{}, cc, resolver.BuildOptions{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer built.Close()

	if len(cc.states) != 1 || len(cc.states[0].Endpoints) != 1 {
		t.Fatalf("expected initial state delivered, got %+v", cc.states)
	}
}

func TestPassthroughResolver(t *testing.T) {
	b := resolver.Get("passthrough")
	if b == nil {
		t.Fatalf("passthrough resolver not registered")
	}
	cc := &fakeCC{}
	_, err := b.Build(resolver.Target{Endpoint: "10.0.0.1:443"}, cc, resolver.BuildOptions{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(cc.states) != 1 || cc.states[0].Endpoints[0].Addresses[0].Addr != "10.0.0.1:443" {
		t.Fatalf("unexpected state: %+v", cc.states)
	}
}
