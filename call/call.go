// Package call implements the Client Call State Machine (§4.4): one Call
// drives a single RPC attempt from metadata send through the pick-retry
// loop, stream attach, message exchange, and a single-latch final status.
package call

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fullstorydev/rpcweave/balancer"
	"github.com/fullstorydev/rpcweave/channel"
	"github.com/fullstorydev/rpcweave/codec"
	"github.com/fullstorydev/rpcweave/credentials"
	"github.com/fullstorydev/rpcweave/filter"
	"github.com/fullstorydev/rpcweave/internal/metrics"
	"github.com/fullstorydev/rpcweave/metadata"
	"github.com/fullstorydev/rpcweave/status"
	"github.com/fullstorydev/rpcweave/subchannel"
	"github.com/fullstorydev/rpcweave/transport"
)

// State is one of the Call State Machine's states (§4.4).
type State int32

const (
	NotStarted State = iota
	PickPending
	Attached
	HalfClosedLocal
	HalfClosedRemote
	Ended
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case PickPending:
		return "PICK_PENDING"
	case Attached:
		return "ATTACHED"
	case HalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case HalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case Ended:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Options configures one Call.
type Options struct {
	// Method is the full "/service/method" path.
	Method string
	// Filters builds this call's filter.Stack; nil means an empty stack.
	Filters []filter.Factory
	// PerRPC, if set, is consulted once per attempt for call credentials.
	PerRPC credentials.PerRPCCredentials
	// Deadline is the absolute time the call must complete by; the zero
	// value means no deadline and no grpc-timeout header is sent.
	Deadline time.Time
	// WaitForReady governs the TRANSIENT_FAILURE pick outcome (§4.4): when
	// false (the default, "fail fast"), a call arriving while the channel
	// is in TRANSIENT_FAILURE ends immediately instead of queueing for the
	// next READY picker.
	WaitForReady bool
}

// inboundMsg is one item delivered to RecvMessage: either a decoded message
// or, with end set, the terminal status that closed the call.
type inboundMsg struct {
	data []byte
	end  bool
	st   *status.Status
}

// Call drives one RPC attempt over a channel.Channel. It is not safe for
// concurrent SendMessage calls (the transport stream is a single-writer
// stream, per §4.4); RecvMessage may be called concurrently with
// SendMessage/CloseSend from a separate reader goroutine.
type Call struct {
	ch      *channel.Channel
	method  string
	opts    Options
	codec   codec.Codec
	filters *filter.Stack

	mu      sync.Mutex
	state   State
	stream  *transport.Stream
	subConn balancer.SubConn

	inbox      chan inboundMsg
	statusOnce sync.Once
	final      *status.Status
	trailer    metadata.MD
}

// New builds a Call bound to ch. c.codec defaults to codec.ProtoCodec{} if
// codec is nil; callers that only need raw bytes (as every method here
// already deals in pre-marshalled frames) can pass nil.
func New(ch *channel.Channel, opts Options, c codec.Codec) *Call {
	if c == nil {
		c = codec.ProtoCodec{}
	}
	return &Call{
		ch:      ch,
		method:  opts.Method,
		opts:    opts,
		codec:   c,
		filters: filter.NewStack(opts.Filters),
		inbox:   make(chan inboundMsg, 8),
	}
}

// State reports the call's current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start runs md through the sendMetadata filters, then the pick-retry loop,
// attaching call credentials and opening the transport stream once a READY
// subchannel is chosen. A non-nil return means the call already ended
// (metadata rejected by a filter, no compatible subchannel, or the context
// ran out while picking); Start never blocks past ctx's own deadline.
func (c *Call) Start(ctx context.Context, md metadata.MD) *status.Status {
	c.mu.Lock()
	if c.state != NotStarted {
		c.mu.Unlock()
		return status.New(status.Internal, "call: Start called more than once", nil)
	}
	c.state = PickPending
	c.mu.Unlock()

	md, st := c.filters.SendMetadata(ctx, md)
	if st != nil {
		return c.endLocally(st)
	}

	for {
		if !c.opts.WaitForReady && c.ch.ConnectivityState() == subchannel.TransientFailure {
			return c.endLocally(status.New(status.Unavailable, "call: channel is TRANSIENT_FAILURE and waitForReady is not set", nil))
		}

		res, err := c.ch.Pick(balancer.PickInfo{FullMethod: c.method, Ctx: ctx})
		if err != nil {
			return c.endLocally(classifyPickErr(err))
		}
		if res.SubConn == nil || res.SubConn.State() != subchannel.Ready {
			continue // retry loop (§4.4): no subchannel stickiness
		}
		tr := res.SubConn.Transport()
		if tr == nil {
			continue
		}

		outMD, st := c.attachCallCredentials(ctx, md)
		if st != nil {
			return c.endLocally(st)
		}
		if !c.opts.Deadline.IsZero() {
			if err := outMD.Set("grpc-timeout", codec.FormatTimeout(time.Until(c.opts.Deadline))); err != nil {
				return c.endLocally(status.New(status.Internal, err.Error(), nil))
			}
		}

		stream, err := tr.NewStream(ctx, c.method, outMD)
		if err != nil {
			return c.endLocally(status.New(status.Unavailable, fmt.Sprintf("call: opening stream: %v", err), nil))
		}

		res.SubConn.CallRef()

		c.mu.Lock()
		c.stream = stream
		c.subConn = res.SubConn
		c.state = Attached
		c.mu.Unlock()

		go c.readLoop()
		return nil
	}
}

// attachCallCredentials computes the service URL, asks PerRPC for metadata
// (if configured), and merges it into md, enforcing the at-most-one
// "authorization" value rule (§4.4).
func (c *Call) attachCallCredentials(ctx context.Context, md metadata.MD) (metadata.MD, *status.Status) {
	out := md.Clone()
	if out == nil {
		out = metadata.New(nil)
	}
	if c.opts.PerRPC != nil {
		credMD, err := c.opts.PerRPC.GetMetadata(ctx, c.serviceURL())
		if err != nil {
			return nil, status.New(status.Unauthenticated, fmt.Sprintf("call: call credentials: %v", err), nil)
		}
		out.Merge(credMD)
	}
	if len(out.Get("authorization")) > 1 {
		return nil, status.New(status.Internal, "call: authorization metadata set more than once", nil)
	}
	return out, nil
}

// serviceURL computes "https://<authority-host>/<service>" per §4.4, using
// the channel's dial-time authority and the method path with its trailing
// "/<method>" segment stripped.
func (c *Call) serviceURL() string {
	authority := c.ch.Target().Authority
	if authority == "" {
		authority = c.ch.Target().Endpoint
	}
	service := c.method
	if i := strings.LastIndex(service, "/"); i > 0 {
		service = service[:i]
	}
	return fmt.Sprintf("https://%s%s", authority, service)
}

// SendMessage pushes msg through the sendMessage filters and writes the
// resulting frame to the attached stream.
func (c *Call) SendMessage(ctx context.Context, msg []byte) *status.Status {
	out, st := c.filters.SendMessage(ctx, msg)
	if st != nil {
		return c.endLocally(st)
	}

	c.mu.Lock()
	state := c.state
	stream := c.stream
	c.mu.Unlock()

	switch state {
	case Attached, HalfClosedRemote:
	default:
		return status.New(status.Internal, fmt.Sprintf("call: SendMessage called in state %s", state), nil)
	}
	if stream == nil {
		return status.New(status.Internal, "call: SendMessage called with no attached stream", nil)
	}
	if err := stream.WriteFrame(codec.EncodeFrame(out)); err != nil {
		return c.endLocally(status.New(status.Unavailable, fmt.Sprintf("call: write failed: %v", err), nil))
	}
	return nil
}

// CloseSend half-closes the local side of the stream (§4.4's half-close).
func (c *Call) CloseSend() *status.Status {
	c.mu.Lock()
	stream := c.stream
	switch c.state {
	case HalfClosedLocal, Ended:
		c.mu.Unlock()
		return nil
	case Attached:
		c.state = HalfClosedLocal
	case HalfClosedRemote:
		c.state = Ended
	default:
		c.mu.Unlock()
		return status.New(status.Internal, "call: CloseSend called before the stream attached", nil)
	}
	c.mu.Unlock()

	if stream == nil {
		return status.New(status.Internal, "call: CloseSend called before the stream attached", nil)
	}
	if err := stream.CloseSend(); err != nil {
		return status.New(status.Unavailable, fmt.Sprintf("call: close send failed: %v", err), nil)
	}
	return nil
}

// RecvMessage blocks for the next decoded message, or the terminal status
// once the call has ended (a nil []byte with a non-nil status, which is
// status.OKStatus() on a clean end). Ordering guarantee (§4.4): messages
// are delivered in receive order and the status is delivered only after the
// last message.
func (c *Call) RecvMessage(ctx context.Context) ([]byte, *status.Status) {
	select {
	case m := <-c.inbox:
		if m.end {
			return nil, m.st
		}
		return m.data, nil
	case <-ctx.Done():
		return nil, status.New(status.Cancelled, "call: context done while waiting for a message", nil)
	}
}

// Trailer returns the trailing metadata delivered with the final status, or
// nil before the call has ended.
func (c *Call) Trailer() metadata.MD {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trailer
}

// Cancel ends the call locally with CANCELLED and, if a stream is attached,
// resets it so the peer observes an RST_STREAM.
func (c *Call) Cancel(reason string) {
	c.mu.Lock()
	stream := c.stream
	alreadyEnded := c.state == Ended
	c.mu.Unlock()
	if alreadyEnded {
		return
	}
	if stream != nil {
		stream.RST(status.RSTCancel)
	}
	if reason == "" {
		reason = "call: cancelled by caller"
	}
	c.deliverEnd(status.New(status.Cancelled, reason, nil), nil)
}

// readLoop receives headers, then messages, then trailers, latching the
// final status exactly once (§4.4).
func (c *Call) readLoop() {
	md, st := c.stream.Header()
	if st != nil {
		c.deliverEnd(st, nil)
		return
	}
	if _, st := c.filters.ReceiveMetadata(context.Background(), md); st != nil {
		c.deliverEnd(st, nil)
		return
	}

	decoder := codec.NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := c.stream.Read(buf)
		if n > 0 {
			msgs, derr := decoder.Write(buf[:n])
			if derr != nil {
				c.deliverEnd(status.New(status.Internal, derr.Error(), nil), nil)
				return
			}
			for _, m := range msgs {
				out, fst := c.filters.ReceiveMessage(context.Background(), m.Data)
				if fst != nil {
					c.deliverEnd(fst, nil)
					return
				}
				c.inbox <- inboundMsg{data: out}
			}
		}
		if readErr != nil {
			c.finishStream(readErr)
			return
		}
	}
}

func (c *Call) finishStream(readErr error) {
	raw := c.stream.Trailer()
	trailer, fst := c.filters.ReceiveTrailers(context.Background(), raw)
	if fst != nil {
		c.deliverEnd(fst, trailer)
		return
	}

	var final *status.Status
	switch {
	case len(trailer.Get("grpc-status")) > 0:
		final = statusFromTrailer(trailer)
	case isCleanEOF(readErr):
		final = status.OKStatus()
	default:
		final = classifyReadErr(readErr)
	}
	c.deliverEnd(final, trailer)
}

func (c *Call) deliverEnd(st *status.Status, trailer metadata.MD) {
	c.statusOnce.Do(func() {
		c.mu.Lock()
		c.final = st
		c.trailer = trailer
		c.state = Ended
		subConn := c.subConn
		c.mu.Unlock()
		if subConn != nil {
			subConn.CallUnref()
		}
		metrics.RecordCallCompletion(c.method, st.Code())
		c.inbox <- inboundMsg{end: true, st: st}
	})
}

// endLocally latches a status reached before any stream attached (metadata
// filter failure, pick failure, credential failure); there is no reader
// goroutine racing with these call sites so the once-guarded deliverEnd path
// is unnecessary, but routing through it keeps a single source of truth for
// "has this call already ended".
func (c *Call) endLocally(st *status.Status) *status.Status {
	c.deliverEnd(st, nil)
	return st
}

func statusFromTrailer(md metadata.MD) *status.Status {
	code := status.Unknown
	if v := md.Get("grpc-status"); len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil {
			code = status.Code(n)
		}
	}
	msg := ""
	if v := md.Get("grpc-message"); len(v) > 0 {
		if decoded, err := url.QueryUnescape(v[0]); err == nil {
			msg = decoded
		} else {
			msg = v[0]
		}
	}
	user := md.Clone()
	user.Remove("grpc-status")
	user.Remove("grpc-message")
	return status.New(code, msg, user)
}

func isCleanEOF(err error) bool {
	return err == io.EOF
}

func classifyPickErr(err error) *status.Status {
	switch err {
	case context.Canceled:
		return status.New(status.Cancelled, "call: context canceled while picking a subchannel", nil)
	case context.DeadlineExceeded:
		return status.New(status.DeadlineExceeded, "call: context deadline exceeded while picking a subchannel", nil)
	default:
		return status.New(status.Unavailable, fmt.Sprintf("call: pick failed: %v", err), nil)
	}
}

func classifyReadErr(err error) *status.Status {
	switch err {
	case context.Canceled:
		return status.New(status.Cancelled, "call: stream canceled", nil)
	case context.DeadlineExceeded:
		return status.New(status.DeadlineExceeded, "call: stream deadline exceeded", nil)
	default:
		return status.New(status.Unavailable, fmt.Sprintf("call: stream read failed: %v", err), nil)
	}
}
