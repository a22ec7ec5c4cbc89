// Package subchannelpool implements the process-wide shared subchannel
// pool (§4.7's "subchannels may be shared across channels dialing the same
// address with identical channel args"): multiple Channels connecting to
// the same (address, server name, TLS config) tuple reuse one underlying
// Subchannel and its transport connection, ref-counted, instead of each
// opening its own.
package subchannelpool

import (
	"crypto/tls"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/fullstorydev/rpcweave/internal/metrics"
	"github.com/fullstorydev/rpcweave/resolver"
	"github.com/fullstorydev/rpcweave/subchannel"
)

// Pool is the shared subchannel registry. The zero value is ready to use;
// Global is the process-wide instance balancers should use by default, but
// tests construct their own Pool to avoid cross-test interference.
type Pool struct {
	mu    sync.Mutex
	byKey map[uint64][]*entry
}

type entry struct {
	key uint64
	sc  *subchannel.Subchannel
	tls *tls.Config
}

// Global is the default pool shared by every Channel in the process.
var Global = &Pool{}

// Key derives the cache key for an (address, TLS config) pair. Two
// requests with different *tls.Config pointers but equal effective config
// are treated as distinct, which only means a missed sharing opportunity,
// never incorrect sharing (no false merge of distinct trust stores).
func Key(addr resolver.Address, tlsConfig *tls.Config) uint64 {
	h := xxhash.New()
	h.WriteString(addr.Addr)
	h.WriteString("\x00")
	h.WriteString(addr.ServerName)
	if tlsConfig != nil {
		h.WriteString("\x00tls")
	}
	return h.Sum64()
}

// Acquire returns an existing Subchannel for (addr, opts) if one is live in
// the pool, incrementing its ref count; otherwise it builds a new one,
// inserts it, and returns it with a ref count of one. Callers must call
// Release exactly once per successful Acquire.
func (p *Pool) Acquire(addr resolver.Address, opts subchannel.Options) *subchannel.Subchannel {
	key := Key(addr, opts.TLSConfig)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byKey == nil {
		p.byKey = make(map[uint64][]*entry)
	}

	for _, e := range p.byKey[key] {
		existing := e.sc.Address()
		if existing.Addr == addr.Addr && existing.ServerName == addr.ServerName && e.tls == opts.TLSConfig {
			e.sc.Ref()
			return e.sc
		}
	}

	sc := subchannel.New(addr, opts)
	sc.Ref()
	metrics.ObserveSubchannel(sc)
	p.byKey[key] = append(p.byKey[key], &entry{key: key, sc: sc, tls: opts.TLSConfig})
	return sc
}

// Release decrements sc's ref count and, once it reaches zero, removes it
// from the pool and closes it.
func (p *Pool) Release(sc *subchannel.Subchannel) {
	if !sc.Unref() {
		return
	}

	p.mu.Lock()
	for key, entries := range p.byKey {
		for i, e := range entries {
			if e.sc != sc {
				continue
			}
			p.byKey[key] = append(entries[:i], entries[i+1:]...)
			if len(p.byKey[key]) == 0 {
				delete(p.byKey, key)
			}
			break
		}
	}
	p.mu.Unlock()

	sc.Close()
}
