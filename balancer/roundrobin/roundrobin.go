// Package roundrobin implements the round_robin balancer policy (§4.8):
// connect to every resolved address concurrently and distribute picks
// evenly across whichever subset is currently READY.
package roundrobin

import (
	"sync"
	"sync/atomic"

	"github.com/fullstorydev/rpcweave/balancer"
	"github.com/fullstorydev/rpcweave/resolver"
	"github.com/fullstorydev/rpcweave/subchannel"
)

const Name = "round_robin"

func init() {
	balancer.Register(builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(cc balancer.ClientConn) balancer.Balancer {
	return &roundRobinBalancer{cc: cc}
}

type roundRobinBalancer struct {
	mu   sync.Mutex
	cc   balancer.ClientConn
	subs []balancer.SubConn
}

func (b *roundRobinBalancer) UpdateClientConnState(s balancer.ClientConnState) error {
	var addrs []resolver.Address
	for _, ep := range s.Endpoints {
		addrs = append(addrs, ep.Addresses...)
	}

	b.mu.Lock()
	for _, old := range b.subs {
		b.cc.RemoveSubConn(old)
	}
	b.subs = make([]balancer.SubConn, 0, len(addrs))
	for _, a := range addrs {
		sc, err := b.cc.NewSubConn(a, balancer.NewSubConnOptions{
			StateListener: func(subchannel.State, error) { b.publish() },
		})
		if err != nil {
			continue
		}
		sc.Connect()
		b.subs = append(b.subs, sc)
	}
	b.mu.Unlock()

	b.publish()
	return nil
}

func (b *roundRobinBalancer) publish() {
	b.mu.Lock()
	var ready []balancer.SubConn
	for _, sc := range b.subs {
		if sc.State() == subchannel.Ready {
			ready = append(ready, sc)
		}
	}
	b.mu.Unlock()

	if len(ready) == 0 {
		b.cc.UpdateState(balancer.State{
			ConnectivityState: subchannel.TransientFailure,
			Picker:            &errPicker{err: balancer.ErrNoSubConnAvailable},
		})
		return
	}

	b.cc.UpdateState(balancer.State{
		ConnectivityState: subchannel.Ready,
		Picker:            &roundRobinPicker{subs: ready},
	})
}

func (b *roundRobinBalancer) UpdateSubConnState(_ balancer.SubConn, _ subchannel.State, _ error) {
	b.publish()
}

func (b *roundRobinBalancer) ResolverError(error) {}

func (b *roundRobinBalancer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sc := range b.subs {
		b.cc.RemoveSubConn(sc)
	}
	b.subs = nil
}

func (b *roundRobinBalancer) ExitIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sc := range b.subs {
		sc.ExitIdle()
	}
}

// roundRobinPicker cycles through a fixed, already-READY subset; it is
// rebuilt (not mutated) on every connectivity change, so Pick itself needs
// no locking beyond the atomic cursor.
type roundRobinPicker struct {
	subs []balancer.SubConn
	next uint32
}

func (p *roundRobinPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	i := atomic.AddUint32(&p.next, 1)
	sc := p.subs[i%uint32(len(p.subs))]
	return balancer.PickResult{SubConn: sc}, nil
}

type errPicker struct{ err error }

func (p *errPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, p.err
}
