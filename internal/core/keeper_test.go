package core_test

import (
	"testing"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
	"PerpPool/internal/state"
)

func countOps(cmds []event.Command) map[event.OpType]int {
	out := make(map[event.OpType]int)
	for _, c := range cmds {
		out[c.OpType()]++
	}
	return out
}

// ============================================================================
// Test: DueCommands
// ============================================================================

func TestDueCommands_BeforeInit(t *testing.T) {
	h := newTestEngine(t)
	if cmds := h.e.DueCommands(t0 + 365*day); len(cmds) != 0 {
		t.Fatalf("due before init: %d", len(cmds))
	}
}

func TestDueCommands_ResolvesRounds(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	if cmds := h.e.DueCommands(h.now + core.DefaultRoundMinDuration - 1); len(cmds) != 0 {
		t.Fatalf("due too early: %d", len(cmds))
	}

	h.advance(core.DefaultRoundMinDuration)
	cmds := h.e.DueCommands(h.now)
	// the LM staking and the pool's LP staking
	if got := countOps(cmds)[event.OpResolveStakingRound]; got != 2 {
		t.Fatalf("resolve commands = %d", got)
	}
	for _, c := range cmds {
		if c.Caller() != keeper {
			t.Errorf("%s signed by %s", c.OpType(), c.Caller())
		}
		h.mustApply(c)
	}

	// resubmitting the same triggers is deduplicated
	for _, c := range cmds {
		if out := h.exec(c); !out.Duplicate {
			t.Errorf("%s re-applied", c.OpType())
		}
	}
	if cmds := h.e.DueCommands(h.now); len(cmds) != 0 {
		t.Errorf("still due after resolving: %d", len(cmds))
	}
}

func TestDueCommands_AutoClaim(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.mintLM(alice, 1_000_000)
	h.mustApply(&event.AddLiquidStake{Header: h.header(alice), Owner: alice, Staking: state.LMStakingID, Amount: 1_000_000})
	taskID := h.userStaking(alice, state.LMStakingID).ClaimCronTaskID

	h.advance(core.AutoClaimInterval)
	var claim *event.ClaimStakes
	for _, c := range h.e.DueCommands(h.now) {
		if cs, ok := c.(*event.ClaimStakes); ok {
			claim = cs
		}
	}
	if claim == nil {
		t.Fatal("auto-claim not due")
	}
	if claim.Owner != alice || claim.Staking != state.LMStakingID {
		t.Fatalf("claim = %+v", claim)
	}
	h.mustApply(claim)

	h.view(func(v *core.View) {
		for _, task := range v.Tasks {
			if task.ID != taskID {
				continue
			}
			if task.NextRun != h.now+core.AutoClaimInterval {
				t.Errorf("next run = %d", task.NextRun)
			}
			if task.RemainingCalls != core.AutoClaimCalls-1 {
				t.Errorf("remaining calls = %d", task.RemainingCalls)
			}
			return
		}
		t.Error("auto-claim task missing")
	})
}

func TestDueCommands_FinalizesLockedStake(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.mintLM(alice, 1_000_000)
	h.mustApply(&event.AddLockedStake{Header: h.header(alice), Owner: alice, Staking: state.LMStakingID, Amount: 1_000_000, LockedDays: 30})
	task := h.userStaking(alice, state.LMStakingID).LockedStakes[0].ResolutionTaskID

	h.advance(30 * day)
	var fin *event.FinalizeLockedStake
	for _, c := range h.e.DueCommands(h.now) {
		if f, ok := c.(*event.FinalizeLockedStake); ok {
			fin = f
		}
	}
	if fin == nil {
		t.Fatal("finalization not due")
	}
	if fin.ResolutionTaskID != task {
		t.Fatalf("task = %s, want %s", fin.ResolutionTaskID, task)
	}
	h.mustApply(fin)

	us := h.userStaking(alice, state.LMStakingID)
	if !us.LockedStakes[0].Resolved {
		t.Error("stake not resolved")
	}
	for _, c := range h.e.DueCommands(h.now) {
		if _, ok := c.(*event.FinalizeLockedStake); ok {
			t.Error("finalization still due")
		}
	}
}
