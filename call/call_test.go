package call

import (
	"context"
	"testing"
	"time"

	"github.com/fullstorydev/rpcweave/channel"
	"github.com/fullstorydev/rpcweave/codec"
	"github.com/fullstorydev/rpcweave/internal/framing"
	"github.com/fullstorydev/rpcweave/metadata"
	"github.com/fullstorydev/rpcweave/status"
	"github.com/fullstorydev/rpcweave/transport"

	_ "github.com/fullstorydev/rpcweave/balancer/pickfirst"
)

// echoServer starts a transport.ServerTransport that decodes exactly one
// inbound message, frames and echoes it back, then ends with OK.
func echoServer(t *testing.T) *transport.ServerTransport {
	t.Helper()
	st, err := transport.Listen("127.0.0.1:0", nil, func(ss *transport.ServerStream) {
		dec := &framing.Decoder{}
		buf := make([]byte, 4096)
		var payload []byte
		for {
			n, err := ss.ReadFrame(buf)
			if n > 0 {
				msgs, derr := dec.Write(buf[:n])
				if derr == nil {
					for _, m := range msgs {
						payload = m.Data
					}
				}
			}
			if err != nil {
				break
			}
		}
		ss.WriteFrame(codec.EncodeFrame(payload))
		ss.WriteTrailers(metadata.New(map[string][]string{"grpc-status": {"0"}}))
	})
	if err != nil {
		t.Fatalf("transport.Listen: %v", err)
	}
	return st
}

func dialChannel(t *testing.T, addr string) *channel.Channel {
	t.Helper()
	ch, err := channel.Dial("passthrough:///"+addr, channel.Options{
		DefaultBalancerName: "pick_first",
	})
	if err != nil {
		t.Fatalf("channel.Dial: %v", err)
	}
	return ch
}

func TestCallRoundTripEchoesOneMessage(t *testing.T) {
	st := echoServer(t)
	defer st.Close()

	ch := dialChannel(t, st.Addr().String())
	defer ch.Close()

	c := New(ch, Options{Method: "/test.Service/Echo"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if st := c.Start(ctx, metadata.New(nil)); st != nil {
		t.Fatalf("Start: %v", st.Err())
	}

	payload := []byte("ping-payload")
	if st := c.SendMessage(ctx, payload); st != nil {
		t.Fatalf("SendMessage: %v", st.Err())
	}
	if st := c.CloseSend(); st != nil {
		t.Fatalf("CloseSend: %v", st.Err())
	}

	got, st := c.RecvMessage(ctx)
	if st != nil {
		t.Fatalf("RecvMessage (message): %v", st.Err())
	}
	if string(got) != string(payload) {
		t.Fatalf("echoed payload = %q, want %q", got, payload)
	}

	_, st = c.RecvMessage(ctx)
	if st == nil {
		t.Fatalf("RecvMessage (final): expected a terminal status")
	}
	if st.Code() != status.OK {
		t.Fatalf("final status = %v, want OK", st.Code())
	}
}

func TestCallRecvMessageWithExpiredContextReturnsCancelled(t *testing.T) {
	st := echoServer(t)
	defer st.Close()

	ch := dialChannel(t, st.Addr().String())
	defer ch.Close()

	c := New(ch, Options{Method: "/test.Service/Echo"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if st := c.Start(ctx, metadata.New(nil)); st != nil {
		t.Fatalf("Start: %v", st.Err())
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer recvCancel()
	time.Sleep(2 * time.Millisecond)

	_, st2 := c.RecvMessage(recvCtx)
	if st2 == nil || st2.Code() != status.Cancelled {
		t.Fatalf("RecvMessage with an expired context = %v, want CANCELLED", st2)
	}
}

func TestCallCancelEndsTheCall(t *testing.T) {
	st := echoServer(t)
	defer st.Close()

	ch := dialChannel(t, st.Addr().String())
	defer ch.Close()

	c := New(ch, Options{Method: "/test.Service/Echo"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if st := c.Start(ctx, metadata.New(nil)); st != nil {
		t.Fatalf("Start: %v", st.Err())
	}

	c.Cancel("test requested cancel")

	if c.State() != Ended {
		t.Fatalf("State() = %v, want Ended", c.State())
	}
}

func TestCallFailsFastOnUnknownTarget(t *testing.T) {
	ch, err := channel.Dial("passthrough:///127.0.0.1:0", channel.Options{
		DefaultBalancerName: "pick_first",
	})
	if err != nil {
		t.Fatalf("channel.Dial: %v", err)
	}
	defer ch.Close()

	c := New(ch, Options{Method: "/test.Service/Echo"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	st := c.Start(ctx, metadata.New(nil))
	if st == nil {
		t.Fatalf("Start: expected an error connecting to a closed port")
	}
}
