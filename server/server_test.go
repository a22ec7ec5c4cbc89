package server

import (
	"context"
	"testing"
	"time"

	"github.com/fullstorydev/rpcweave/call"
	"github.com/fullstorydev/rpcweave/channel"
	"github.com/fullstorydev/rpcweave/metadata"
	"github.com/fullstorydev/rpcweave/status"

	_ "github.com/fullstorydev/rpcweave/balancer/pickfirst"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	s := New(Options{})
	if err := s.Serve("127.0.0.1:0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dialClient(t *testing.T, s *Server) *channel.Channel {
	t.Helper()
	ch, err := channel.Dial("passthrough:///"+s.Addr().String(), channel.Options{
		DefaultBalancerName: "pick_first",
	})
	if err != nil {
		t.Fatalf("channel.Dial: %v", err)
	}
	t.Cleanup(ch.Close)
	return ch
}

// unaryRoundTrip drives one full unary call against ch through package call,
// returning the echoed payload and the terminal status.
func unaryRoundTrip(t *testing.T, ch *channel.Channel, method string, payload []byte) ([]byte, *status.Status) {
	t.Helper()
	c := call.New(ch, call.Options{Method: method}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if st := c.Start(ctx, metadata.New(nil)); st != nil {
		t.Fatalf("Start: %v", st.Err())
	}
	if st := c.SendMessage(ctx, payload); st != nil {
		t.Fatalf("SendMessage: %v", st.Err())
	}
	if st := c.CloseSend(); st != nil {
		t.Fatalf("CloseSend: %v", st.Err())
	}

	msg, st := c.RecvMessage(ctx)
	if st != nil {
		// The call ended before any message arrived, which is the expected
		// shape for an error response (e.g. UNIMPLEMENTED).
		return nil, st
	}
	_, final := c.RecvMessage(ctx)
	return msg, final
}

func TestUnaryHandlerEchoesRequest(t *testing.T) {
	s := startServer(t)
	s.RegisterMethod(MethodDesc{
		Path: "/echo.Service/Echo",
		Type: Unary,
		Unary: func(ctx context.Context, md metadata.MD, req []byte) ([]byte, metadata.MD, *status.Status) {
			return req, nil, nil
		},
	})

	ch := dialClient(t, s)
	got, final := unaryRoundTrip(t, ch, "/echo.Service/Echo", []byte("ping-payload"))
	if final != nil && final.Code() != status.OK {
		t.Fatalf("final status = %v, want OK", final.Code())
	}
	if string(got) != "ping-payload" {
		t.Fatalf("echoed payload = %q, want %q", got, "ping-payload")
	}
}

func TestUnaryHandlerErrorCarriesCodeAndMetadata(t *testing.T) {
	s := startServer(t)
	s.RegisterMethod(MethodDesc{
		Path: "/echo.Service/Echo",
		Type: Unary,
		Unary: func(ctx context.Context, md metadata.MD, req []byte) ([]byte, metadata.MD, *status.Status) {
			return nil, nil, status.New(status.FailedPrecondition, "precondition failed", metadata.New(map[string][]string{"x-app": {"error-value"}}))
		},
	})

	ch := dialClient(t, s)
	_, st := unaryRoundTrip(t, ch, "/echo.Service/Echo", []byte("ping-payload"))
	if st == nil {
		t.Fatalf("expected a terminal error status")
	}
	if st.Code() != status.FailedPrecondition {
		t.Fatalf("code = %v, want FAILED_PRECONDITION", st.Code())
	}
	if got := st.Metadata().Get("x-app"); len(got) != 1 || got[0] != "error-value" {
		t.Fatalf("x-app metadata = %v, want [error-value]", got)
	}
}

func TestUnregisteredMethodEndsUnimplemented(t *testing.T) {
	s := startServer(t)
	ch := dialClient(t, s)

	_, st := unaryRoundTrip(t, ch, "/echo.Service/NoSuchMethod", []byte("ping"))
	if st == nil {
		t.Fatalf("expected a terminal error status")
	}
	if st.Code() != status.Unimplemented {
		t.Fatalf("code = %v, want UNIMPLEMENTED", st.Code())
	}
}

func TestBuildTrailerMergesErrorMetadataLast(t *testing.T) {
	userTrailer := metadata.New(map[string][]string{"x-app": {"user-value"}})
	errSt := status.New(status.FailedPrecondition, "precondition failed", metadata.New(map[string][]string{"x-app": {"error-value"}}))

	out := buildTrailer(errSt, userTrailer)

	got := out.Get("x-app")
	if len(got) != 2 {
		t.Fatalf("x-app values = %v, want 2 entries (user then error, merged last)", got)
	}
	if got[len(got)-1] != "error-value" {
		t.Fatalf("last x-app value = %q, want %q (error metadata wins)", got[len(got)-1], "error-value")
	}
	if code := out.Get("grpc-status"); len(code) != 1 || code[0] != "9" {
		t.Fatalf("grpc-status = %v, want [9] (FAILED_PRECONDITION)", code)
	}
}

func TestBuildTrailerOKHasNoMessage(t *testing.T) {
	out := buildTrailer(nil, nil)
	if code := out.Get("grpc-status"); len(code) != 1 || code[0] != "0" {
		t.Fatalf("grpc-status = %v, want [0]", code)
	}
	if msg := out.Get("grpc-message"); len(msg) != 0 {
		t.Fatalf("grpc-message = %v, want none for an OK status", msg)
	}
}

func TestServerCallEndIsIdempotent(t *testing.T) {
	sc := &ServerCall{}
	sc.ended = true
	sc.endIfNotAlready()
	if !sc.ended {
		t.Fatalf("ended flag cleared unexpectedly")
	}
}

func TestClassifyCtxErrMapsDeadlineExceeded(t *testing.T) {
	st := classifyCtxErr(context.DeadlineExceeded)
	if st.Code() != status.DeadlineExceeded {
		t.Fatalf("code = %v, want DEADLINE_EXCEEDED", st.Code())
	}
}

func TestClassifyCtxErrMapsCancellation(t *testing.T) {
	st := classifyCtxErr(context.Canceled)
	if st.Code() != status.Cancelled {
		t.Fatalf("code = %v, want CANCELLED", st.Code())
	}
}
