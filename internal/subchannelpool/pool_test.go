package subchannelpool

import (
	"testing"

	"github.com/fullstorydev/rpcweave/resolver"
	"github.com/fullstorydev/rpcweave/subchannel"
)

func TestAcquireSharesSameAddress(t *testing.T) {
	p := &Pool{}
	addr := resolver.Address{Addr: "127.0.0.1:9"}

	sc1 := p.Acquire(addr, subchannel.Options{})
	sc2 := p.Acquire(addr, subchannel.Options{})
	if sc1 != sc2 {
		t.Fatalf("Acquire returned distinct subchannels for the same address")
	}

	p.Release(sc1)
	if sc1.State() == subchannel.Shutdown {
		t.Fatalf("subchannel closed after releasing only one of two refs")
	}
	p.Release(sc2)
}

func TestAcquireDistinctAddressesDoNotShare(t *testing.T) {
	p := &Pool{}
	sc1 := p.Acquire(resolver.Address{Addr: "127.0.0.1:9"}, subchannel.Options{})
	sc2 := p.Acquire(resolver.Address{Addr: "127.0.0.1:10"}, subchannel.Options{})
	if sc1 == sc2 {
		t.Fatalf("Acquire shared a subchannel across distinct addresses")
	}
	p.Release(sc1)
	p.Release(sc2)
}

func TestReleaseRemovesFromPoolAtZeroRefs(t *testing.T) {
	p := &Pool{}
	addr := resolver.Address{Addr: "127.0.0.1:9"}
	sc := p.Acquire(addr, subchannel.Options{})
	p.Release(sc)

	key := Key(addr, nil)
	if len(p.byKey[key]) != 0 {
		t.Fatalf("pool still holds entry after ref count reached zero")
	}
}
