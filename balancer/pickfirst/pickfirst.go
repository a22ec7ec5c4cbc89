// Package pickfirst implements the simplest balancer policy (§4.8): try
// each resolved address in order, stick with the first one that connects,
// and only move to the next address if that one fails.
package pickfirst

import (
	"sync"

	"github.com/fullstorydev/rpcweave/balancer"
	"github.com/fullstorydev/rpcweave/resolver"
	"github.com/fullstorydev/rpcweave/subchannel"
)

const Name = "pick_first"

func init() {
	balancer.Register(builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(cc balancer.ClientConn) balancer.Balancer {
	return &pickFirstBalancer{cc: cc}
}

type pickFirstBalancer struct {
	mu   sync.Mutex
	cc   balancer.ClientConn
	subs []balancer.SubConn
	idx  int
}

func (b *pickFirstBalancer) UpdateClientConnState(s balancer.ClientConnState) error {
	var addrs []resolver.Address
	for _, ep := range s.Endpoints {
		addrs = append(addrs, ep.Addresses...)
	}
	if len(addrs) == 0 {
		b.cc.UpdateState(balancer.State{
			ConnectivityState: subchannel.TransientFailure,
			Picker:            &errPicker{err: balancer.ErrNoSubConnAvailable},
		})
		return nil
	}

	b.mu.Lock()
	for _, old := range b.subs {
		b.cc.RemoveSubConn(old)
	}
	b.subs = b.subs[:0]
	for _, a := range addrs {
		sc, err := b.cc.NewSubConn(a, balancer.NewSubConnOptions{
			StateListener: func(s subchannel.State, err error) { b.onSubConnState(err) },
		})
		if err != nil {
			continue
		}
		b.subs = append(b.subs, sc)
	}
	b.idx = 0
	b.mu.Unlock()

	if len(b.subs) == 0 {
		b.cc.UpdateState(balancer.State{
			ConnectivityState: subchannel.TransientFailure,
			Picker:            &errPicker{err: balancer.ErrNoSubConnAvailable},
		})
		return nil
	}

	b.subs[0].Connect()
	b.publishConnecting()
	return nil
}

func (b *pickFirstBalancer) onSubConnState(_ error) {
	b.publishFromCurrent()
}

func (b *pickFirstBalancer) publishConnecting() {
	b.cc.UpdateState(balancer.State{
		ConnectivityState: subchannel.Connecting,
		Picker:            &errPicker{err: balancer.ErrNoSubConnAvailable},
	})
}

func (b *pickFirstBalancer) publishFromCurrent() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sc := range b.subs {
		switch sc.State() {
		case subchannel.Ready:
			b.idx = i
			b.cc.UpdateState(balancer.State{
				ConnectivityState: subchannel.Ready,
				Picker:            &pickFirstPicker{sc: sc},
			})
			return
		}
	}

	// None ready: stay on the current address until it reports
	// TRANSIENT_FAILURE, then advance to the next address in list order,
	// wrapping around, per §4.8's "fall through the list on failure" rule.
	if b.subs[b.idx].State() != subchannel.TransientFailure {
		b.publishConnecting()
		return
	}
	next := (b.idx + 1) % len(b.subs)
	b.idx = next
	b.subs[next].Connect()
	b.cc.UpdateState(balancer.State{
		ConnectivityState: subchannel.TransientFailure,
		Picker:            &errPicker{err: balancer.ErrNoSubConnAvailable},
	})
}

func (b *pickFirstBalancer) UpdateSubConnState(_ balancer.SubConn, _ subchannel.State, _ error) {
	b.publishFromCurrent()
}

func (b *pickFirstBalancer) ResolverError(error) {}

func (b *pickFirstBalancer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sc := range b.subs {
		b.cc.RemoveSubConn(sc)
	}
	b.subs = nil
}

func (b *pickFirstBalancer) ExitIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) > 0 {
		b.subs[b.idx].ExitIdle()
	}
}

type pickFirstPicker struct {
	sc balancer.SubConn
}

func (p *pickFirstPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{SubConn: p.sc}, nil
}

type errPicker struct{ err error }

func (p *errPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, p.err
}
