package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/fullstorydev/rpcweave/metadata"
)

// ServerTransport listens for HTTP/2 connections and dispatches each stream
// to a StreamHandler. With a nil tls.Config it serves cleartext h2c
// (golang.org/x/net/http2/h2c), matching how a local/test server in this
// pack is usually brought up without a certificate.
type ServerTransport struct {
	ln  net.Listener
	srv *http.Server
}

// StreamHandler is invoked once per inbound HTTP/2 stream (i.e. once per
// RPC); it owns the full request/response lifecycle for that stream.
type StreamHandler func(*ServerStream)

// Listen binds addr and starts accepting HTTP/2 connections in the
// background, dispatching every stream to handler. Serving errors after a
// clean Close() are swallowed, matching net/http.Server's own convention.
func Listen(addr string, tlsConfig *tls.Config, handler StreamHandler) (*ServerTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	h2s := &http2.Server{}
	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		handler(&ServerStream{w: w, r: r, flusher: flusher})
	})

	var h http.Handler = mux
	srv := &http.Server{Handler: nil}

	if tlsConfig != nil {
		cfg := tlsConfig.Clone()
		cfg.NextProtos = []string{http2.NextProtoTLS}
		srv.Handler = mux
		srv.TLSConfig = cfg
		if err := http2.ConfigureServer(srv, h2s); err != nil {
			ln.Close()
			return nil, err
		}
		go srv.ServeTLS(ln, "", "")
	} else {
		srv.Handler = h2c.NewHandler(h, h2s)
		go srv.Serve(ln)
	}

	return &ServerTransport{ln: ln, srv: srv}, nil
}

// Close shuts the listener and any live connections down immediately;
// in-flight streams observe a transport error.
func (st *ServerTransport) Close() error {
	return st.srv.Close()
}

// Shutdown stops accepting new connections and waits for in-flight streams
// to finish, honoring ctx's deadline (§4.5's graceful-close path).
func (st *ServerTransport) Shutdown(ctx context.Context) error {
	return st.srv.Shutdown(ctx)
}

// Addr returns the bound local address.
func (st *ServerTransport) Addr() net.Addr { return st.ln.Addr() }

// ServerStream is the server's side of one HTTP/2 stream.
type ServerStream struct {
	w       http.ResponseWriter
	r       *http.Request
	flusher http.Flusher

	headersSent bool
}

func (s *ServerStream) Context() context.Context { return s.r.Context() }
func (s *ServerStream) Method() string           { return s.r.URL.Path }

// RequestMetadata decodes the inbound request headers.
func (s *ServerStream) RequestMetadata() (metadata.MD, []error) {
	raw := headersToRawMap(s.r.Header)
	return metadata.FromWireHeaders(raw)
}

// WriteHeader emits the response headers (:status 200 implicitly, since
// http.ResponseWriter always succeeds with 200 unless told otherwise) the
// first time it is called; subsequent calls are no-ops, matching §4.5's
// "first outbound write emits response headers" rule.
func (s *ServerStream) WriteHeader(md metadata.MD) {
	if s.headersSent {
		return
	}
	s.headersSent = true
	h := s.w.Header()
	h.Set("content-type", ContentType)
	mdToHeader(h, md)
	s.w.WriteHeader(http.StatusOK)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// WriteFrame writes one already-length-prefixed message frame as a DATA
// chunk, flushing immediately so server-streaming calls make progress
// without waiting for the handler to finish.
func (s *ServerStream) WriteFrame(frame []byte) error {
	s.WriteHeader(nil)
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WriteTrailers emits the grpc-status/grpc-message/user-trailer metadata
// trailer block (§4.2, §4.5). net/http lets a handler set arbitrary
// trailers after the body has been written by prefixing the header name
// with http.TrailerPrefix, without having pre-declared them.
func (s *ServerStream) WriteTrailers(md metadata.MD) {
	s.WriteHeader(nil)
	for _, pair := range metadata.ToWireHeaders(md) {
		s.w.Header().Set(http.TrailerPrefix+pair.Name, pair.Value)
	}
}

// ReadFrame reads up to len(p) raw request-body bytes for the caller's
// framing.Decoder.
func (s *ServerStream) ReadFrame(p []byte) (int, error) {
	return s.r.Body.Read(p)
}
