package state_test

import (
	"errors"
	"testing"

	"PerpPool/internal/state"
)

func newCortex() *state.Cortex {
	return state.NewCortex([4]uint64{1_000_000_000, 2_000_000_000, 500_000_000, 300_000_000}, 0)
}

func TestCortex_MintRespectsAllocation(t *testing.T) {
	c := newCortex()
	if err := c.Mint(state.BucketPOL, 500_000_000); err != nil {
		t.Fatalf("mint up to cap: %v", err)
	}
	err := c.Mint(state.BucketPOL, 1)
	if !errors.Is(err, state.ErrBucketMintLimit) {
		t.Fatalf("expected ErrBucketMintLimit, got %v", err)
	}
	if c.Buckets[state.BucketPOL].MintedAmount != 500_000_000 {
		t.Errorf("minted changed on failure: %d", c.Buckets[state.BucketPOL].MintedAmount)
	}
}

func TestCortex_LMRewardsDecay(t *testing.T) {
	c := newCortex()
	// 1000 USD of fees -> 1 LM in the first epochs
	lm, err := c.GetLMRewardsAmount(1_000_000_000, 3_600)
	if err != nil || lm != 1_000_000 {
		t.Fatalf("epoch 0: got %d, %v", lm, err)
	}
	lm, _ = c.GetLMRewardsAmount(1_000_000_000, 20*state.EpochDurationSeconds)
	if lm != 500_000 {
		t.Errorf("epoch 20: got %d, want 500_000", lm)
	}
}

func TestCortex_LMRewardsClippedToHeadroom(t *testing.T) {
	c := newCortex()
	if err := c.Mint(state.BucketEcosystem, 299_999_900); err != nil {
		t.Fatalf("mint: %v", err)
	}
	lm, _ := c.GetLMRewardsAmount(1_000_000_000, 3_600)
	if lm != 100 {
		t.Errorf("got %d, want remaining headroom 100", lm)
	}
}

func TestBucketName_Parse(t *testing.T) {
	b, err := state.ParseBucketName("dao_treasury")
	if err != nil || b != state.BucketDAOTreasury {
		t.Fatalf("got %v, %v", b, err)
	}
	if _, err := state.ParseBucketName("marketing"); !errors.Is(err, state.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

// ============================================================================
// Test: vesting
// ============================================================================

func TestVest_MinimumWindow(t *testing.T) {
	_, err := state.NewVest("alice", 1_000, 100, 100+6*86_400, 50)
	if !errors.Is(err, state.ErrInvalidVestingUnlockTime) {
		t.Fatalf("expected ErrInvalidVestingUnlockTime, got %v", err)
	}
	_, err = state.NewVest("alice", 1_000, 40, 40+7*86_400, 50)
	if !errors.Is(err, state.ErrInvalidVestingUnlockTime) {
		t.Fatalf("start in the past: expected ErrInvalidVestingUnlockTime, got %v", err)
	}
}

func TestVest_LinearRelease(t *testing.T) {
	start := int64(1_000)
	end := start + 10*86_400
	v, err := state.NewVest("alice", 10_000_000, start, end, start)
	if err != nil {
		t.Fatalf("new vest: %v", err)
	}
	if got, _ := v.Claimable(start); got != 0 {
		t.Errorf("at start: got %d", got)
	}
	half, _ := v.Claim(start + 5*86_400)
	if half != 5_000_000 {
		t.Errorf("halfway: got %d, want 5_000_000", half)
	}
	again, _ := v.Claim(start + 5*86_400)
	if again != 0 {
		t.Errorf("repeat claim: got %d", again)
	}
	rest, _ := v.Claim(end + 1)
	if rest != 5_000_000 || !v.Done() {
		t.Errorf("end: got %d done=%v", rest, v.Done())
	}
}

// ============================================================================
// Test: state clone
// ============================================================================

func TestState_CloneIsDeep(t *testing.T) {
	st := state.New()
	st.Cortex = newCortex()
	eth := ethCustody()
	st.Custodies[eth.ID] = eth
	s := newLMStaking()
	st.Stakings[s.ID] = s
	s.ResolvedRounds = append(s.ResolvedRounds, state.StakingRound{StartTime: 1})

	cp := st.Clone()
	eth.Assets.Owned = 1
	s.ResolvedRounds[0].Rate = 99
	st.Cortex.Buckets[0].MintedAmount = 7

	if cp.Custodies[eth.ID].Assets.Owned == 1 {
		t.Error("custody shared with clone")
	}
	if cp.Stakings[s.ID].ResolvedRounds[0].Rate == 99 {
		t.Error("resolved rounds shared with clone")
	}
	if cp.Cortex.Buckets[0].MintedAmount == 7 {
		t.Error("cortex shared with clone")
	}
}
