// Package transport is the HTTP/2 library boundary (§9): it adapts the call
// state machines' need for "stream open with headers, stream write/read,
// trailers receive, stream reset, connection-level ping/keepalive" onto
// golang.org/x/net/http2 by way of the standard net/http client and server,
// exactly as connect-go's duplex HTTP call does (see other_examples'
// anuraaga-connect-go/client.go for the Doer-wrapping shape this mirrors).
// Flow control is delegated entirely to net/http's http2 implementation;
// nothing in this package reimplements HTTP/2 windowing.
package transport

import (
	"net/http"
	"strings"

	"github.com/fullstorydev/rpcweave/metadata"
)

// ContentType is the fixed content-type this runtime ever sends or expects
// (§6): there is no negotiation, and grpc-encoding is always "identity"
// (§1 Non-goals: compression is a reserved hook, never active).
const ContentType = "application/grpc+proto"

// headersToRawMap flattens an http.Header into the map[string]string shape
// metadata.FromWireHeaders expects, joining repeated values for one key with
// commas (binary ("-bin") keys are required by §4.1 to arrive this way;
// joining ASCII keys the same way is harmless since comma is itself a legal
// printable-ASCII metadata character).
func headersToRawMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ",")
	}
	return out
}

// mdToHeader writes md's wire pairs onto an http.Header, used for both
// request headers (client) and response headers/trailers (server).
func mdToHeader(h http.Header, md metadata.MD) {
	for _, pair := range metadata.ToWireHeaders(md) {
		h.Add(pair.Name, pair.Value)
	}
}
