package core_test

import (
	"testing"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
)

// ============================================================================
// Test: hash chain links
// ============================================================================

func TestLinkHash_BindsEveryField(t *testing.T) {
	base := core.ChainLink{Sequence: 7, Op: event.OpSwap, Payload: []byte(`{"a":1}`), Digest: []byte{1, 2, 3}}
	want := core.LinkHash(core.GenesisHash(), base)

	if again := core.LinkHash(core.GenesisHash(), base); again != want {
		t.Fatal("link hash is not deterministic")
	}

	variants := map[string]core.ChainLink{
		"sequence": {Sequence: 8, Op: base.Op, Payload: base.Payload, Digest: base.Digest},
		"op":       {Sequence: 7, Op: event.OpDeposit, Payload: base.Payload, Digest: base.Digest},
		"payload":  {Sequence: 7, Op: base.Op, Payload: []byte(`{"a":2}`), Digest: base.Digest},
		"digest":   {Sequence: 7, Op: base.Op, Payload: base.Payload, Digest: []byte{1, 2, 4}},
	}
	for name, link := range variants {
		if core.LinkHash(core.GenesisHash(), link) == want {
			t.Errorf("changing %s kept the same hash", name)
		}
	}

	var other [32]byte
	if core.LinkHash(other, base) == want {
		t.Error("changing prev hash kept the same hash")
	}
}

func TestStateHasher_AppendAdvancesTip(t *testing.T) {
	h := core.NewStateHasher()
	link := core.ChainLink{Sequence: 0, Op: event.OpInit, Payload: []byte("{}")}

	tip := h.Append(link)
	if tip != core.LinkHash(core.GenesisHash(), link) {
		t.Fatal("append does not match link hash from genesis")
	}
	if h.GetPrevHash() != tip {
		t.Fatal("tip not stored")
	}

	h.SetPrevHash(core.GenesisHash())
	if h.Append(link) != tip {
		t.Error("resuming from a stored tip diverged")
	}
}
