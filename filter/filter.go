// Package filter implements the per-call filter stack (§4.3): an ordered
// composition of filters with asynchronous transform points for outgoing
// metadata, outgoing messages, incoming messages, and incoming trailers.
//
// The source material for this concern threads promises through an
// event-emitter-shaped pipeline; per the design notes (§9) we instead
// represent each transform as a plain function returning a Continue/Fail sum
// type, invoked synchronously on whichever goroutine drives that direction
// of the call: on the client, send transforms run on the goroutine calling
// call.Call's Start/SendMessage and receive transforms on the call's own
// reader goroutine; on the server, all of them run on the stream's handler
// goroutine. No explicit future type is used.
package filter

import (
	"context"

	"github.com/fullstorydev/rpcweave/metadata"
	"github.com/fullstorydev/rpcweave/status"
)

// Filter is one per-call interceptor instance. A Factory creates a fresh
// Filter for every call so a filter implementation may safely hold per-call
// state (request counters, timers, auth tokens) in its own fields.
//
// Each method either returns the (possibly transformed) value to pass to
// the next stage, or a non-nil *status.Status to fail the chain.
type Filter interface {
	SendMetadata(ctx context.Context, md metadata.MD) (metadata.MD, *status.Status)
	ReceiveMetadata(ctx context.Context, md metadata.MD) (metadata.MD, *status.Status)
	SendMessage(ctx context.Context, msg []byte) ([]byte, *status.Status)
	ReceiveMessage(ctx context.Context, msg []byte) ([]byte, *status.Status)
	ReceiveTrailers(ctx context.Context, md metadata.MD) (metadata.MD, *status.Status)
}

// Factory constructs one Filter instance, to be called once per call.
type Factory func() Filter

// NoOp is embeddable by filters that only care about a subset of the five
// transforms; the unimplemented methods pass their input through unchanged.
type NoOp struct{}

func (NoOp) SendMetadata(_ context.Context, md metadata.MD) (metadata.MD, *status.Status) {
	return md, nil
}
func (NoOp) ReceiveMetadata(_ context.Context, md metadata.MD) (metadata.MD, *status.Status) {
	return md, nil
}
func (NoOp) SendMessage(_ context.Context, msg []byte) ([]byte, *status.Status) {
	return msg, nil
}
func (NoOp) ReceiveMessage(_ context.Context, msg []byte) ([]byte, *status.Status) {
	return msg, nil
}
func (NoOp) ReceiveTrailers(_ context.Context, md metadata.MD) (metadata.MD, *status.Status) {
	return md, nil
}

// Stack composes the filters instantiated for one call. Send-direction
// transforms run in registration order; receive-direction transforms run in
// reverse, mirroring how each filter "wraps" the one after it.
type Stack struct {
	filters []Filter
}

// NewStack instantiates one Filter per factory, in registration order.
func NewStack(factories []Factory) *Stack {
	filters := make([]Filter, len(factories))
	for i, f := range factories {
		filters[i] = f()
	}
	return &Stack{filters: filters}
}

// SendMetadata runs md through every filter in registration order. A failure
// anywhere cancels the call locally (§4.3, §7): the returned status is the
// failing filter's status, unmodified.
func (s *Stack) SendMetadata(ctx context.Context, md metadata.MD) (metadata.MD, *status.Status) {
	var st *status.Status
	for _, f := range s.filters {
		md, st = f.SendMetadata(ctx, md)
		if st != nil {
			return nil, st
		}
	}
	return md, nil
}

// SendMessage runs msg through every filter in registration order.
func (s *Stack) SendMessage(ctx context.Context, msg []byte) ([]byte, *status.Status) {
	var st *status.Status
	for _, f := range s.filters {
		msg, st = f.SendMessage(ctx, msg)
		if st != nil {
			return nil, st
		}
	}
	return msg, nil
}

// ReceiveMetadata runs md through every filter in reverse registration
// order. A failure is reclassified to INTERNAL per §4.3/§7: receive-chain
// failures are never surfaced to the peer verbatim, only as a local
// INTERNAL status carrying the original filter's message as detail.
func (s *Stack) ReceiveMetadata(ctx context.Context, md metadata.MD) (metadata.MD, *status.Status) {
	for i := len(s.filters) - 1; i >= 0; i-- {
		var st *status.Status
		md, st = s.filters[i].ReceiveMetadata(ctx, md)
		if st != nil {
			return nil, reclassify(st)
		}
	}
	return md, nil
}

// ReceiveMessage runs msg through every filter in reverse registration
// order, reclassifying any failure to INTERNAL.
func (s *Stack) ReceiveMessage(ctx context.Context, msg []byte) ([]byte, *status.Status) {
	for i := len(s.filters) - 1; i >= 0; i-- {
		var st *status.Status
		msg, st = s.filters[i].ReceiveMessage(ctx, msg)
		if st != nil {
			return nil, reclassify(st)
		}
	}
	return msg, nil
}

// ReceiveTrailers runs md through every filter in reverse registration
// order, reclassifying any failure to INTERNAL.
func (s *Stack) ReceiveTrailers(ctx context.Context, md metadata.MD) (metadata.MD, *status.Status) {
	for i := len(s.filters) - 1; i >= 0; i-- {
		var st *status.Status
		md, st = s.filters[i].ReceiveTrailers(ctx, md)
		if st != nil {
			return nil, reclassify(st)
		}
	}
	return md, nil
}

func reclassify(st *status.Status) *status.Status {
	return status.New(status.Internal, st.Message(), st.Metadata())
}
