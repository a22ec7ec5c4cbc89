package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/fullstorydev/rpcweave/metadata"
)

func TestClientServerRoundTrip(t *testing.T) {
	st, err := Listen("127.0.0.1:0", nil, func(ss *ServerStream) {
		md, errs := ss.RequestMetadata()
		if len(errs) != 0 {
			t.Errorf("server: RequestMetadata errors: %v", errs)
		}
		if got := md.Get("x-req"); len(got) != 1 || got[0] != "hello" {
			t.Errorf("server: x-req = %v, want [hello]", got)
		}

		buf := make([]byte, 1024)
		n, _ := ss.ReadFrame(buf)
		if err := ss.WriteFrame(buf[:n]); err != nil {
			t.Errorf("server: WriteFrame: %v", err)
		}
		ss.WriteTrailers(metadata.New(map[string][]string{"grpc-status": {"0"}}))
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer st.Close()

	ct, err := Dial(context.Background(), st.Addr().String(), DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ct.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := ct.NewStream(ctx, "/test.Service/Echo", metadata.New(map[string][]string{"x-req": {"hello"}}))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}

	payload := []byte("ping-payload")
	if err := stream.WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}

	if _, st := stream.Header(); st != nil {
		t.Fatalf("Header: unexpected status %v", st)
	}

	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("echoed payload = %q, want %q", got, payload)
	}

	trailer := stream.Trailer()
	if got := trailer.Get("grpc-status"); len(got) != 1 || got[0] != "0" {
		t.Errorf("trailer grpc-status = %v, want [0]", got)
	}
}
