// Package dns implements the "dns" resolver scheme (§6) on top of
// github.com/miekg/dns. It resolves a target's host to an endpoint list
// from its A records; per SPEC_FULL.md §D.4 it does not fetch service
// config from TXT records (that remains out of scope — only the parser and
// canary selector in package serviceconfig are), it only performs address
// resolution.
package dns

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/fullstorydev/rpcweave/resolver"
)

// DefaultPort is used when the target carries no explicit port.
const DefaultPort = "443"

// ResolveInterval is how often the background goroutine re-resolves absent
// an explicit ResolveNow call.
const ResolveInterval = 30 * time.Second

// Builder resolves the "dns" scheme using a configurable upstream
// nameserver (falling back to the system's configured resolvers via
// dns.ClientConfigFromFile when Nameserver is empty).
type Builder struct {
	// Nameserver, if set, is used instead of /etc/resolv.conf; host:port.
	Nameserver string
}

func (b *Builder) Scheme() string { return "dns" }

func (b *Builder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	host, port, err := splitHostPort(target.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dns: invalid target %q: %w", target.Endpoint, err)
	}

	ns := b.Nameserver
	if ns == "" {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err == nil && len(cfg.Servers) > 0 {
			ns = net.JoinHostPort(cfg.Servers[0], cfg.Port)
		} else {
			ns = "8.8.8.8:53"
		}
	}

	r := &watcher{
		host:   host,
		port:   port,
		ns:     ns,
		cc:     cc,
		client: &dns.Client{Timeout: 5 * time.Second},
		done:   make(chan struct{}),
		now:    make(chan struct{}, 1),
	}
	go r.run()
	r.now <- struct{}{}
	return r, nil
}

func splitHostPort(endpoint string) (host, port string, err error) {
	if endpoint == "" {
		return "", "", fmt.Errorf("empty endpoint")
	}
	h, p, splitErr := net.SplitHostPort(endpoint)
	if splitErr != nil {
		return endpoint, DefaultPort, nil
	}
	return h, p, nil
}

type watcher struct {
	host, port string
	ns         string
	cc         resolver.ClientConn
	client     *dns.Client

	done chan struct{}
	now  chan struct{}
}

func (w *watcher) run() {
	ticker := time.NewTicker(ResolveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-w.now:
			w.resolveOnce()
		case <-ticker.C:
			w.resolveOnce()
		}
	}
}

func (w *watcher) resolveOnce() {
	addrs, err := w.lookup()
	if err != nil {
		w.cc.ReportError(fmt.Errorf("dns: lookup of %q failed: %w", w.host, err))
		return
	}
	endpoints := make([]resolver.Endpoint, len(addrs))
	for i, a := range addrs {
		endpoints[i] = resolver.Endpoint{Addresses: []resolver.Address{{Addr: a}}}
	}
	w.cc.UpdateState(resolver.State{Endpoints: endpoints})
}

func (w *watcher) lookup() ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(w.host), dns.TypeA)
	in, _, err := w.client.Exchange(m, w.ns)
	if err != nil {
		return nil, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns: query failed with rcode %d", in.Rcode)
	}
	var out []string
	for _, ans := range in.Answer {
		if a, ok := ans.(*dns.A); ok {
			out = append(out, net.JoinHostPort(a.A.String(), w.port))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("dns: no A records found for %q", w.host)
	}
	return out, nil
}

func (w *watcher) ResolveNow() {
	select {
	case w.now <- struct{}{}:
	default:
	}
}

func (w *watcher) Close() {
	close(w.done)
}
