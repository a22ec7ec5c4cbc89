package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"

	"github.com/fullstorydev/rpcweave/metadata"
	"github.com/fullstorydev/rpcweave/status"
)

// ClientTransport owns one HTTP/2 connection to one address (§4.7: "A
// subchannel owns one transport connection to one address"); the subchannel
// package is the only caller that constructs one.
type ClientTransport struct {
	target     string // "https://host:port" or "http://host:port" for h2c
	httpClient *http.Client
	h2         *http2.Transport
	userAgent  string
}

// DialOptions configures transport construction.
type DialOptions struct {
	TLSConfig *tls.Config // nil means cleartext h2c
	UserAgent string
}

// Dial establishes the underlying HTTP/2 connection eagerly (http2.Transport
// dials lazily per request by default, but subchannel's CONNECTING state
// expects an explicit attempt it can observe the outcome of, so we force one
// with a throwaway HEAD request via Ping).
func Dial(ctx context.Context, addr string, opts DialOptions) (*ClientTransport, error) {
	var h2 *http2.Transport
	var scheme string
	if opts.TLSConfig != nil {
		scheme = "https"
		h2 = &http2.Transport{TLSClientConfig: opts.TLSConfig}
	} else {
		scheme = "http"
		// h2c: dial a plain TCP connection and speak HTTP/2 directly,
		// without ever attempting TLS or HTTP/1.1 upgrade negotiation.
		h2 = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, a string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, a)
			},
		}
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "rpcweave/1.0"
	}
	t := &ClientTransport{
		target:     scheme + "://" + addr,
		httpClient: &http.Client{Transport: h2},
		h2:         h2,
		userAgent:  userAgent,
	}

	if err := t.Ping(ctx); err != nil {
		return nil, fmt.Errorf("transport: initial connection to %q failed: %w", addr, err)
	}
	return t, nil
}

// Ping sends a HEAD request for "/" over the connection as a liveness check
// (an ordinary request, not an HTTP/2 PING frame); a failure here is what
// drives the subchannel from CONNECTING into TRANSIENT_FAILURE.
func (t *ClientTransport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.target+"/", nil)
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close closes the transport's idle HTTP/2 connections. A connection that
// still carries in-flight streams is not closed; those streams run on until
// they end.
func (t *ClientTransport) Close() error {
	t.h2.CloseIdleConnections()
	return nil
}

// Stream is one HTTP/2 stream multiplexed over a ClientTransport.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc

	pw *io.PipeWriter

	respCh chan *http.Response
	errCh  chan error

	headerOnce sync.Once
	headerMD   metadata.MD
	headerErr  *status.Status

	resp *http.Response
}

// NewStream opens a new stream for fullMethod, sending md as request
// headers. It takes no deadline of its own: ctx bounds the stream, and any
// grpc-timeout header must already be present in md (the call layer
// computes it, since only it knows the remaining budget at send time).
func (t *ClientTransport) NewStream(ctx context.Context, fullMethod string, md metadata.MD) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.target+fullMethod, pr)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("content-type", ContentType)
	req.Header.Set("te", "trailers")
	req.Header.Set("user-agent", t.userAgent)
	mdToHeader(req.Header, md)
	req.ContentLength = -1

	s := &Stream{
		ctx:    ctx,
		cancel: cancel,
		pw:     pw,
		respCh: make(chan *http.Response, 1),
		errCh:  make(chan error, 1),
	}

	go func() {
		resp, err := t.httpClient.Do(req)
		if err != nil {
			s.errCh <- err
			return
		}
		s.respCh <- resp
	}()

	return s, nil
}

// Header blocks until response headers arrive (or the stream ends without
// ever producing any), returning the decoded metadata.
func (s *Stream) Header() (metadata.MD, *status.Status) {
	s.headerOnce.Do(func() {
		select {
		case resp := <-s.respCh:
			s.resp = resp
			if resp.StatusCode != http.StatusOK {
				s.headerErr = status.FromHTTPStatus(resp.StatusCode)
				return
			}
			raw := headersToRawMap(resp.Header)
			md, _ := metadata.FromWireHeaders(raw)
			s.headerMD = md
		case err := <-s.errCh:
			s.headerErr = classifyTransportErr(err)
		case <-s.ctx.Done():
			s.headerErr = status.New(status.Cancelled, "Call cancelled", nil)
		}
	})
	return s.headerMD, s.headerErr
}

// WriteFrame writes one already-length-prefixed message frame to the
// stream's request body.
func (s *Stream) WriteFrame(frame []byte) error {
	_, err := s.pw.Write(frame)
	return err
}

// CloseSend half-closes the local side (§ "Half-close").
func (s *Stream) CloseSend() error {
	return s.pw.Close()
}

// Read pulls raw response-body bytes (DATA frame payloads, already
// reassembled by net/http) for the framing.Decoder to chew on. It blocks
// until headers have arrived.
func (s *Stream) Read(p []byte) (int, error) {
	if _, st := s.Header(); st != nil {
		return 0, st.Err()
	}
	return s.resp.Body.Read(p)
}

// Trailer returns the trailers delivered after the response body is fully
// drained; callers must have read Read() to io.EOF first.
func (s *Stream) Trailer() metadata.MD {
	if s.resp == nil {
		return nil
	}
	raw := headersToRawMap(s.resp.Trailer)
	md, _ := metadata.FromWireHeaders(raw)
	return md
}

// RST aborts the stream locally; the HTTP/2 library maps this onto an
// actual RST_STREAM frame to the peer.
func (s *Stream) RST(_ status.RSTCode) {
	s.cancel()
	s.pw.CloseWithError(context.Canceled)
}

func classifyTransportErr(err error) *status.Status {
	if err == context.DeadlineExceeded {
		return status.New(status.DeadlineExceeded, err.Error(), nil)
	}
	if err == context.Canceled {
		return status.New(status.Cancelled, "Call cancelled", nil)
	}
	return status.New(status.Unavailable, fmt.Sprintf("connection error: %v", err), nil)
}
