// Package balancer defines the load-balancer policy plane (§4.8): the
// Balancer interface a policy implements, the Picker it produces, and a
// global name-keyed registry so a channel can instantiate whatever policy
// service config (or the resolver) names, mirroring the resolver
// registry's shape in package resolver.
package balancer

import (
	"context"

	"github.com/fullstorydev/rpcweave/resolver"
	"github.com/fullstorydev/rpcweave/subchannel"
	"github.com/fullstorydev/rpcweave/transport"
)

// SubConn is the balancer-facing handle to one subchannel; balancers never
// see the concrete *subchannel.Subchannel type directly so that
// internal/subchannelpool remains the only owner of real connections. The
// call layer uses Transport once a Picker has chosen a READY SubConn.
type SubConn interface {
	Connect()
	ExitIdle()
	State() subchannel.State
	Transport() *transport.ClientTransport

	// CallRef/CallUnref track calls currently attached to this SubConn's
	// transport, for internal/metrics; they do not gate anything.
	CallRef()
	CallUnref()
}

// ClientConn is the channel-facing callback surface a Balancer.Build call
// receives, used to create subchannels and publish a new Picker.
type ClientConn interface {
	NewSubConn(resolver.Address, NewSubConnOptions) (SubConn, error)
	RemoveSubConn(SubConn)
	UpdateState(State)
	ResolveNow()
}

// NewSubConnOptions configures a requested subchannel.
type NewSubConnOptions struct {
	// StateListener, if set, is invoked on every connectivity transition
	// for the returned SubConn.
	StateListener func(subchannel.State, error)
}

// State is what a balancer publishes back to its ClientConn: the aggregate
// connectivity state plus the Picker that should now serve calls.
type State struct {
	ConnectivityState subchannel.State
	Picker            Picker
}

// PickInfo is what the call layer gives a Picker when requesting a
// subchannel for one RPC.
type PickInfo struct {
	FullMethod string
	Ctx        context.Context
}

// ErrNoSubConnAvailable is returned by a Picker when the call should block
// and retry once the balancer publishes a new Picker (§4.4's pick-queue
// wait), as opposed to failing outright.
var ErrNoSubConnAvailable = errNoSubConnAvailable{}

type errNoSubConnAvailable struct{}

func (errNoSubConnAvailable) Error() string { return "balancer: no subchannel is currently available" }

// PickResult is what a successful Pick returns.
type PickResult struct {
	SubConn SubConn
	// Done is a slot for a callback that reports the RPC's outcome back
	// to the balancer. None of the policies in this module set it, and
	// package call never invokes it.
	Done func(DoneInfo)
}

// DoneInfo carries the outcome of one RPC back to the Picker that issued
// it, for policies that react to call results (outlier detection,
// weighted-round-robin's load feedback).
type DoneInfo struct {
	Err           error
	BytesSent     bool
	BytesReceived bool
}

// Picker chooses a SubConn for each RPC attempt. Implementations must be
// safe for concurrent use; Pick is called from every in-flight call's own
// goroutine simultaneously.
type Picker interface {
	Pick(PickInfo) (PickResult, error)
}

// Balancer implements one load-balancing policy. UpdateClientConnState is
// called whenever the resolver produces a new address list or service
// config; UpdateSubConnState is called whenever a SubConn's connectivity
// state changes.
type Balancer interface {
	UpdateClientConnState(ClientConnState) error
	UpdateSubConnState(SubConn, subchannel.State, error)
	ResolverError(error)
	Close()
	ExitIdle()
}

// ClientConnState is what the resolving load balancer feeds a child
// Balancer: the latest address/endpoint list plus the policy's own parsed
// config (opaque to everyone but that policy).
type ClientConnState struct {
	Endpoints     []resolver.Endpoint
	BalancerConfig interface{}
}

// Builder constructs a Balancer bound to one ClientConn.
type Builder interface {
	Name() string
	Build(ClientConn) Balancer
}

// ConfigParser is implemented optionally by a Builder whose policy accepts
// a raw JSON config blob from service config (§4.6); policies with no
// config (pick_first, round_robin) need not implement it.
type ConfigParser interface {
	ParseConfig(json []byte) (interface{}, error)
}
