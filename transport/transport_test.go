package transport

import (
	"net/http"
	"testing"

	"github.com/fullstorydev/rpcweave/metadata"
)

func TestHeadersToRawMapLowercasesAndJoins(t *testing.T) {
	h := http.Header{}
	h.Add("Grpc-Timeout", "10S")
	h.Add("X-Custom-Bin", "AAA")
	h.Add("X-Custom-Bin", "BBB")

	raw := headersToRawMap(h)

	if got := raw["grpc-timeout"]; got != "10S" {
		t.Errorf("grpc-timeout = %q, want %q", got, "10S")
	}
	if got := raw["x-custom-bin"]; got != "AAA,BBB" {
		t.Errorf("x-custom-bin = %q, want %q", got, "AAA,BBB")
	}
}

func TestMdToHeaderRoundTrip(t *testing.T) {
	h := http.Header{}
	md := metadata.New(nil)
	pairs := []struct{ name, value string }{
		{"authorization", "Bearer xyz"},
	}
	for _, p := range pairs {
		md.Add(p.name, p.value)
	}
	mdToHeader(h, md)
	if got := h.Get("authorization"); got != "Bearer xyz" {
		t.Errorf("authorization = %q, want %q", got, "Bearer xyz")
	}
}
