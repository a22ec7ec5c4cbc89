// Package server implements the Server Call State Machine (§4.5): header
// parsing and deadline arming, method dispatch by wire path, and response
// header/trailer emission. It is the mirror image of package call, built on
// the same transport.ServerTransport/ServerStream primitives.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fullstorydev/rpcweave/codec"
	"github.com/fullstorydev/rpcweave/filter"
	"github.com/fullstorydev/rpcweave/internal/framing"
	"github.com/fullstorydev/rpcweave/metadata"
	"github.com/fullstorydev/rpcweave/status"
	"github.com/fullstorydev/rpcweave/transport"
)

// MethodType distinguishes the four RPC shapes; it determines how a Server
// reads the inbound stream before invoking a handler.
type MethodType int

const (
	Unary MethodType = iota
	ClientStreaming
	ServerStreaming
	Bidi
)

// UnaryHandler serves a Unary or ClientStreaming method: the server has
// already collected and deserialized the one expected request message by the
// time this runs. The returned trailer and status are merged per the
// error-metadata-wins rule in buildTrailer.
type UnaryHandler func(ctx context.Context, md metadata.MD, req []byte) (resp []byte, trailer metadata.MD, st *status.Status)

// StreamHandler serves a ServerStreaming or Bidi method: it owns call for as
// long as it runs and must arrange for call.End to be invoked (directly or
// via Server's own cleanup, which defaults to an OK end if the handler
// returns without calling it).
type StreamHandler func(call *ServerCall, md metadata.MD)

// MethodDesc registers one RPC method against its wire path.
type MethodDesc struct {
	Path   string
	Type   MethodType
	Unary  UnaryHandler
	Stream StreamHandler
}

// Options configures a Server.
type Options struct {
	Filters []filter.Factory
	Logger  *zap.Logger
}

// Server dispatches inbound streams from one or more transport.ServerTransport
// listeners to registered MethodDescs by :path.
type Server struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	methods map[string]MethodDesc
	tr      *transport.ServerTransport
}

// New creates a Server with no methods registered.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{opts: opts, logger: logger, methods: make(map[string]MethodDesc)}
}

// RegisterMethod adds or replaces the handler for desc.Path.
func (s *Server) RegisterMethod(desc MethodDesc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[desc.Path] = desc
}

func (s *Server) lookup(path string) (MethodDesc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.methods[path]
	return d, ok
}

// Serve starts accepting connections on addr and dispatching streams to
// registered methods. It returns once the listener is bound; serving itself
// continues in the background.
func (s *Server) Serve(addr string) error {
	tr, err := transport.Listen(addr, nil, s.handleStream)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()
	return nil
}

// Addr returns the bound local address, or nil if Serve has not been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return nil
	}
	return s.tr.Addr()
}

// Close tears the listener down immediately, aborting in-flight streams.
func (s *Server) Close() error {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.Close()
}

// Shutdown stops accepting new connections and waits for in-flight streams to
// finish, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.Shutdown(ctx)
}

// handleStream is the transport.StreamHandler for every inbound RPC. Every
// stream is assigned a call ID purely for log correlation across the
// handful of log lines one call produces; it never reaches the wire.
func (s *Server) handleStream(ss *transport.ServerStream) {
	callID := uuid.NewString()
	logger := s.logger.With(zap.String("call_id", callID), zap.String("method", ss.Method()))

	reqMD, decodeErrs := ss.RequestMetadata()
	for _, e := range decodeErrs {
		logger.Warn("server: metadata decode error", zap.Error(e))
	}

	ctx := ss.Context()
	if tv := reqMD.Get("grpc-timeout"); len(tv) > 0 {
		d, err := codec.ParseTimeout(tv[0])
		if err != nil {
			ss.WriteTrailers(buildTrailer(status.New(status.OutOfRange, fmt.Sprintf("server: invalid grpc-timeout: %v", err), nil), nil))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
		reqMD.Remove("grpc-timeout")
	}

	desc, ok := s.lookup(ss.Method())
	if !ok {
		ss.WriteTrailers(buildTrailer(status.New(status.Unimplemented, "The server does not implement this method", nil), nil))
		return
	}

	fstack := filter.NewStack(s.opts.Filters)
	reqMD, st := fstack.ReceiveMetadata(ctx, reqMD)
	if st != nil {
		ss.WriteTrailers(buildTrailer(st, nil))
		return
	}

	switch desc.Type {
	case Unary, ClientStreaming:
		s.dispatchUnary(ctx, ss, desc, fstack, reqMD, logger)
	case ServerStreaming, Bidi:
		s.dispatchStream(ctx, ss, desc, fstack, reqMD)
	default:
		ss.WriteTrailers(buildTrailer(status.New(status.Internal, "server: method registered with an unknown type", nil), nil))
	}
}

// dispatchUnary collects inbound DATA until end-of-stream, deframes, runs the
// single expected message through the receive filter chain, invokes the
// handler, and emits the response message (if any) followed by trailers.
func (s *Server) dispatchUnary(ctx context.Context, ss *transport.ServerStream, desc MethodDesc, fstack *filter.Stack, reqMD metadata.MD, logger *zap.Logger) {
	dec := codec.NewDecoder()
	buf := make([]byte, 32*1024)
	var req []byte
	var haveReq bool
	for {
		n, err := ss.ReadFrame(buf)
		if n > 0 {
			msgs, derr := dec.Write(buf[:n])
			if derr != nil {
				ss.WriteTrailers(buildTrailer(status.New(status.Internal, derr.Error(), nil), nil))
				return
			}
			for _, m := range msgs {
				if !haveReq {
					req = m.Data
					haveReq = true
				}
			}
		}
		if err != nil {
			break
		}
	}
	if !haveReq {
		ss.WriteTrailers(buildTrailer(status.New(status.Internal, "server: no request message received", nil), nil))
		return
	}

	req, st := fstack.ReceiveMessage(ctx, req)
	if st != nil {
		ss.WriteTrailers(buildTrailer(st, nil))
		return
	}

	resp, trailer, st := desc.Unary(ctx, reqMD, req)
	if st == nil || st.Code() == status.OK {
		out, fst := fstack.SendMessage(ctx, resp)
		if fst != nil {
			ss.WriteTrailers(buildTrailer(fst, nil))
			return
		}
		if err := ss.WriteFrame(codec.EncodeFrame(out)); err != nil {
			logger.Debug("server: write response frame failed", zap.Error(err))
			return
		}
	}
	ss.WriteTrailers(buildTrailer(st, trailer))
}

// dispatchStream hands a ServerCall to a ServerStreaming or Bidi handler and
// ensures the call ends even if the handler forgets to.
func (s *Server) dispatchStream(ctx context.Context, ss *transport.ServerStream, desc MethodDesc, fstack *filter.Stack, reqMD metadata.MD) {
	call := &ServerCall{ctx: ctx, ss: ss, filters: fstack, decoder: codec.NewDecoder()}
	desc.Stream(call, reqMD)
	call.endIfNotAlready()
}

// ServerCall is the handle a ServerStreaming or Bidi handler uses to read and
// write messages and finally end the call.
type ServerCall struct {
	ctx     context.Context
	ss      *transport.ServerStream
	filters *filter.Stack
	decoder *framing.Decoder

	mu      sync.Mutex
	pending [][]byte
	ended   bool
}

// Context returns the call's context, which carries the armed deadline (if
// any) and is canceled when the peer resets the stream.
func (c *ServerCall) Context() context.Context { return c.ctx }

// SendMessage runs msg through the send filter chain and writes it as one
// message frame. It fails if the call has already ended.
func (c *ServerCall) SendMessage(msg []byte) *status.Status {
	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return status.New(status.Internal, "server: SendMessage called after the call ended", nil)
	}
	if err := c.ctx.Err(); err != nil {
		return classifyCtxErr(err)
	}

	out, st := c.filters.SendMessage(c.ctx, msg)
	if st != nil {
		return st
	}
	if err := c.ss.WriteFrame(codec.EncodeFrame(out)); err != nil {
		return status.New(status.Unavailable, err.Error(), nil)
	}
	return nil
}

// RecvMessage reads the next inbound message. It returns io.EOF once the
// client has half-closed its send direction, matching the idiom used
// elsewhere for stream reads.
func (c *ServerCall) RecvMessage() ([]byte, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		m := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		return c.filterInbound(m)
	}
	c.mu.Unlock()

	buf := make([]byte, 32*1024)
	for {
		n, err := c.ss.ReadFrame(buf)
		if n > 0 {
			msgs, derr := c.decoder.Write(buf[:n])
			if derr != nil {
				return nil, status.New(status.Internal, derr.Error(), nil).Err()
			}
			if len(msgs) > 0 {
				c.mu.Lock()
				for _, m := range msgs {
					c.pending = append(c.pending, m.Data)
				}
				first := c.pending[0]
				c.pending = c.pending[1:]
				c.mu.Unlock()
				return c.filterInbound(first)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, status.New(status.Unavailable, err.Error(), nil).Err()
		}
	}
}

func (c *ServerCall) filterInbound(data []byte) ([]byte, error) {
	out, st := c.filters.ReceiveMessage(c.ctx, data)
	if st != nil {
		return nil, st.Err()
	}
	return out, nil
}

// End closes the call, writing trailers built from st and trailer. A second
// call is a no-op, so a handler may call End and simply return afterward.
func (c *ServerCall) End(trailer metadata.MD, st *status.Status) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()
	c.ss.WriteTrailers(buildTrailer(st, trailer))
}

func (c *ServerCall) endIfNotAlready() {
	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if !ended {
		c.End(nil, status.OKStatus())
	}
}

// buildTrailer assembles the wire trailer block for a call outcome: the
// caller-supplied trailer metadata with the status's own metadata merged in
// last (error metadata wins, §D.2), plus grpc-status and, if non-empty,
// grpc-message.
func buildTrailer(st *status.Status, userTrailer metadata.MD) metadata.MD {
	if st == nil {
		st = status.OKStatus()
	}
	out := userTrailer.Clone()
	if out == nil {
		out = metadata.New(nil)
	}
	out.Merge(st.Metadata())
	out.Set("grpc-status", strconv.Itoa(int(st.Code())))
	if st.Message() != "" {
		out.Set("grpc-message", url.QueryEscape(st.Message()))
	}
	return out
}

func classifyCtxErr(err error) *status.Status {
	if err == context.DeadlineExceeded {
		return status.New(status.DeadlineExceeded, "server: deadline exceeded", nil)
	}
	return status.New(status.Cancelled, "server: call canceled", nil)
}
