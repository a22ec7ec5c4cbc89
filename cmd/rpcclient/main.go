// Command rpcclient makes ad hoc RPCs against an rpcweave server, the way
// grpcurl makes ad hoc RPCs against a grpc-go server, but with JSON frames
// instead of descriptor-driven protobuf (there is no reflection or protoset
// loading in this runtime; see SPEC_FULL.md §E Non-goals). It dials a
// target, sends every JSON value found in -d as one message each, half
// closes, and prints every message the server sends back until the call
// ends.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	_ "github.com/fullstorydev/rpcweave/balancer/pickfirst"
	_ "github.com/fullstorydev/rpcweave/balancer/roundrobin"
	"github.com/fullstorydev/rpcweave/call"
	"github.com/fullstorydev/rpcweave/channel"
	"github.com/fullstorydev/rpcweave/codec"
	"github.com/fullstorydev/rpcweave/credentials"
	"github.com/fullstorydev/rpcweave/metadata"
	_ "github.com/fullstorydev/rpcweave/resolver/dns"
	"github.com/fullstorydev/rpcweave/status"
)

var (
	exit = os.Exit

	plaintext = flag.Bool("plaintext", false,
		`Use plain-text HTTP/2 when connecting to the server (no TLS).`)
	insecure = flag.Bool("insecure", false,
		`Skip server certificate and domain verification. (NOT SECURE!). Not
    	valid with -plaintext.`)
	cacert = flag.String("cacert", "",
		`File containing trusted root certificates for verifying the server.
    	Ignored if -insecure is specified.`)
	cert = flag.String("cert", "",
		`File containing client certificate (public key), to present to the
    	server. Must also provide -key.`)
	key = flag.String("key", "",
		`File containing client private key, to present to the server. Must
    	also provide -cert.`)
	data = flag.String("d", "",
		`JSON request contents, one value per message. For calls that accept a
    	stream of requests, concatenate every message's JSON value together
    	(whitespace-separated). If the value is '@' the contents are read from
    	stdin instead.`)
	connectTimeout = flag.Duration("connect-timeout", 10*time.Second,
		`The maximum time to wait for the connection to be established.`)
	maxTime = flag.Duration("max-time", 0,
		`The maximum total time the call is allowed to run. Zero means no
    	deadline.`)
	waitForReady = flag.Bool("wait-for-ready", false,
		`Queue the call instead of failing fast when the channel is in
    	TRANSIENT_FAILURE.`)
	verbose     = flag.Bool("v", false, `Enable verbose (debug) logging.`)
	addlHeaders multiString
)

func init() {
	flag.Var(&addlHeaders, "H",
		`Additional request metadata in 'name: value' format. May be repeated.`)
}

// multiString accumulates repeated flag occurrences, same shape the
// teacher's own CLI used for -H and -protoset.
type multiString []string

func (s *multiString) String() string { return strings.Join(*s, ",") }
func (s *multiString) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n  %s [flags] address /package.Service/Method\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
}

func fail(err error, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	fmt.Fprintln(os.Stderr, color.RedString(msg))
	exit(1)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		usage()
		exit(1)
		return
	}
	addr, method := args[0], args[1]

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			logger = l
		}
	}
	defer logger.Sync()

	md := metadata.New(nil)
	for _, h := range addlHeaders {
		idx := strings.Index(h, ":")
		if idx < 0 {
			fail(nil, "-H %q: expected 'name: value'", h)
		}
		if err := md.Add(strings.TrimSpace(h[:idx]), strings.TrimSpace(h[idx+1:])); err != nil {
			fail(err, "-H %q", h)
		}
	}

	var tlsCreds *credentials.TransportCredentials
	if !*plaintext {
		c, err := credentials.ClientTransportCredentials(*insecure, *cacert, *cert, *key)
		if err != nil {
			fail(err, "failed to build TLS credentials")
		}
		tlsCreds = c
	}

	opts := channel.Options{
		DefaultBalancerName: "pick_first",
		UserAgent:           "rpcclient/1.0",
		Logger:              logger,
	}
	if tlsCreds != nil {
		opts.TLSConfig = tlsCreds.Config
	}

	ch, err := channel.Dial(addr, opts)
	if err != nil {
		fail(err, "dial %s", addr)
	}
	defer ch.Close()
	ch.ResolveNow()

	ctx := context.Background()
	if *maxTime > 0 {
		var callCancel context.CancelFunc
		ctx, callCancel = context.WithTimeout(ctx, *maxTime)
		defer callCancel()
	}

	c := call.New(ch, call.Options{
		Method:       method,
		Deadline:     deadlineFrom(*maxTime),
		WaitForReady: *waitForReady,
	}, codec.JSONCodec{})

	// connect-timeout bounds only the pick-retry loop Start runs (§4.4); once
	// attached, the call is governed by ctx/-max-time instead.
	startCtx, startCancel := context.WithTimeout(ctx, *connectTimeout)
	st := c.Start(startCtx, md)
	startCancel()
	if st != nil {
		printStatus(st)
		exit(statusExitCode(st))
		return
	}

	for _, msg := range readRequestValues(*data) {
		if st := c.SendMessage(ctx, msg); st != nil {
			printStatus(st)
			exit(statusExitCode(st))
			return
		}
	}
	c.CloseSend()

	for {
		payload, st := c.RecvMessage(ctx)
		if st != nil {
			if st.Code() != status.OK {
				printStatus(st)
				exit(statusExitCode(st))
				return
			}
			break
		}
		printMessage(payload)
	}
}

func deadlineFrom(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// readRequestValues splits -d's contents into one []byte per whitespace
// separated JSON value, matching the teacher's documented -d concatenation
// rule for streaming requests.
func readRequestValues(raw string) [][]byte {
	var r io.Reader
	if raw == "@" {
		r = os.Stdin
	} else if raw == "" {
		return nil
	} else {
		r = strings.NewReader(raw)
	}
	dec := json.NewDecoder(bufio.NewReader(r))
	var out [][]byte
	for {
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			if err == io.EOF {
				break
			}
			fail(err, "invalid -d JSON content")
		}
		out = append(out, append([]byte(nil), v...))
	}
	return out
}

func printMessage(payload []byte) {
	var pretty interface{}
	if err := json.Unmarshal(payload, &pretty); err != nil {
		fmt.Println(string(payload))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

func printStatus(st *status.Status) {
	if st.Code() == status.OK {
		return
	}
	fmt.Fprintln(os.Stderr, color.RedString("ERROR:"))
	fmt.Fprintf(os.Stderr, "  Code: %s\n", st.Code())
	fmt.Fprintf(os.Stderr, "  Message: %s\n", st.Message())
}

func statusExitCode(st *status.Status) int {
	if st.Code() == status.OK {
		return 0
	}
	return int(st.Code())
}
