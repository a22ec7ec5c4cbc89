package resolver

// passthroughResolver treats the target's Endpoint verbatim as a single
// address with no name resolution performed, matching the "ipv4"/"ipv6"
// schemes named in §6 as well as grpc's conventional "passthrough" default.
type passthroughResolver struct {
	cc ClientConn
}

func (r *passthroughResolver) ResolveNow() {}
func (r *passthroughResolver) Close()      {}

type passthroughBuilder struct{ scheme string }

func (b *passthroughBuilder) Scheme() string { return b.scheme }

func (b *passthroughBuilder) Build(target Target, cc ClientConn, _ BuildOptions) (Resolver, error) {
	addr := target.Endpoint
	if addr == "" {
		addr = target.Authority
	}
	err := cc.UpdateState(State{
		Endpoints: []Endpoint{{Addresses: []Address{{Addr: addr}}}},
	})
	if err != nil {
		return nil, err
	}
	return &passthroughResolver{cc: cc}, nil
}

func init() {
	Register(&passthroughBuilder{scheme: "ipv4"})
	Register(&passthroughBuilder{scheme: "ipv6"})
	Register(&passthroughBuilder{scheme: "passthrough"})
}

// unixBuilder resolves the "unix" scheme to a single address carrying the
// socket path verbatim.
type unixBuilder struct{}

func (unixBuilder) Scheme() string { return "unix" }

func (unixBuilder) Build(target Target, cc ClientConn, _ BuildOptions) (Resolver, error) {
	path := target.Endpoint
	if path == "" {
		path = target.Authority
	}
	err := cc.UpdateState(State{
		Endpoints: []Endpoint{{Addresses: []Address{{Addr: "unix:" + path}}}},
	})
	if err != nil {
		return nil, err
	}
	return &passthroughResolver{cc: cc}, nil
}

func init() {
	Register(unixBuilder{})
}
