package metadata_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fullstorydev/rpcweave/metadata"
)

func TestSetAddRemove(t *testing.T) {
	var md metadata.MD
	if err := md.Set("Content-Type", "application/grpc+proto"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := md.Get("content-type"); len(got) != 1 || got[0] != "application/grpc+proto" {
		t.Fatalf("Get returned %v", got)
	}
	if err := md.Add("content-type", "application/grpc+proto2"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if got := md.Get("content-type"); len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
	if err := md.Remove("content-type"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := md.Get("content-type"); len(got) != 0 {
		t.Fatalf("expected no values after remove, got %v", got)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	var md metadata.MD
	if err := md.Set("Has Space", "x"); err == nil {
		t.Fatalf("expected error for key with space")
	}
	if err := md.Set(":path", "x"); err == nil {
		t.Fatalf("expected error for pseudo-header key")
	}
}

func TestInvalidASCIIValueRejected(t *testing.T) {
	var md metadata.MD
	if err := md.Set("x-custom", "bad\x01value"); err == nil {
		t.Fatalf("expected error for non-printable value")
	}
}

func TestWireRoundTrip(t *testing.T) {
	var md metadata.MD
	md.Add("x-custom-trace", "abc")
	md.Add("x-custom-trace", "def")
	md.Add("trailer-bin", string([]byte{0x00, 0x01, 0xFF, 0xFE}))
	md.Add("trailer-bin", string([]byte{0x10, 0x20}))

	headers := metadata.ToWireHeaders(md)
	raw := make(map[string]string)
	for _, h := range headers {
		if existing, ok := raw[h.Name]; ok {
			if metadata.IsBinaryKey(h.Name) {
				raw[h.Name] = existing + "," + h.Value
			} else {
				raw[h.Name] = existing + "," + h.Value
			}
		} else {
			raw[h.Name] = h.Value
		}
	}

	decoded, errs := metadata.FromWireHeaders(raw)
	if len(errs) != 0 {
		t.Fatalf("unexpected decode errors: %v", errs)
	}
	if diff := cmp.Diff(map[string][]string(md), map[string][]string(decoded)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFromWireHeadersStripsPseudoHeaders(t *testing.T) {
	raw := map[string]string{
		":status":      "200",
		"content-type": "application/grpc+proto",
	}
	md, errs := metadata.FromWireHeaders(raw)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(md.Get(":status")) != 0 {
		t.Fatalf("pseudo header leaked into metadata: %v", md)
	}
	if got := md.Get("content-type"); len(got) != 1 || got[0] != "application/grpc+proto" {
		t.Fatalf("content-type missing: %v", md)
	}
}

func TestFromWireHeadersSkipsBadEntryOnly(t *testing.T) {
	raw := map[string]string{
		"x-good": "fine",
		"x-bad":  "not\x01printable",
	}
	md, errs := metadata.FromWireHeaders(raw)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one decode error, got %v", errs)
	}
	if got := md.Get("x-good"); len(got) != 1 || got[0] != "fine" {
		t.Fatalf("good entry was dropped: %v", md)
	}
	if len(md.Get("x-bad")) != 0 {
		t.Fatalf("bad entry should have been skipped: %v", md)
	}
}

func TestClone(t *testing.T) {
	var md metadata.MD
	md.Add("x-a", "1")
	clone := md.Clone()
	clone.Add("x-a", "2")
	if got := md.Get("x-a"); len(got) != 1 {
		t.Fatalf("mutating clone affected original: %v", got)
	}
}
