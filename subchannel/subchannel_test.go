package subchannel

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fullstorydev/rpcweave/internal/backoff"
	"github.com/fullstorydev/rpcweave/resolver"
)

func TestNewSubchannelStartsIdle(t *testing.T) {
	sc := New(resolver.Address{Addr: "127.0.0.1:0"}, Options{})
	if got := sc.State(); got != Idle {
		t.Fatalf("initial state = %v, want IDLE", got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Idle:             "IDLE",
		Connecting:       "CONNECTING",
		Ready:            "READY",
		TransientFailure: "TRANSIENT_FAILURE",
		Shutdown:         "SHUTDOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestConnectToUnreachableAddressGoesTransientFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sc := New(resolver.Address{Addr: "127.0.0.1:1"}, Options{
		Backoff: backoff.Config{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1},
		Clock:   clock,
	})

	seen := make(chan State, 8)
	sc.Listen(func(s State, _ error) { seen <- s })
	sc.Connect()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-seen:
			if s == TransientFailure {
				sc.Close()
				return
			}
		case <-deadline:
			t.Fatalf("subchannel never reported TRANSIENT_FAILURE")
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sc := New(resolver.Address{Addr: "127.0.0.1:0"}, Options{})
	sc.Close()
	sc.Close()
}

func TestTransportNilWhenNotReady(t *testing.T) {
	sc := New(resolver.Address{Addr: "127.0.0.1:0"}, Options{})
	if tr := sc.Transport(); tr != nil {
		t.Fatalf("Transport() = %v, want nil before connecting", tr)
	}
}

func TestCallRefUnrefTracksActiveCalls(t *testing.T) {
	sc := New(resolver.Address{Addr: "127.0.0.1:0"}, Options{})
	if got := sc.ActiveCalls(); got != 0 {
		t.Fatalf("ActiveCalls() = %d, want 0", got)
	}
	sc.CallRef()
	sc.CallRef()
	if got := sc.ActiveCalls(); got != 2 {
		t.Fatalf("ActiveCalls() = %d, want 2", got)
	}
	sc.CallUnref()
	if got := sc.ActiveCalls(); got != 1 {
		t.Fatalf("ActiveCalls() = %d, want 1", got)
	}
}
