package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/math"
	"PerpPool/internal/scheduler"
	"PerpPool/internal/state"
)

const (
	// AutoClaimInterval spaces the keeper's claims for a staker.
	AutoClaimInterval int64 = 7 * 86_400
	// AutoClaimCalls is how many auto-claims a new staker's cron covers.
	AutoClaimCalls uint64 = 530
	// ClaimCallerBountyBPS is the keeper's cut of rewards it claims for
	// someone else.
	ClaimCallerBountyBPS uint64 = 100
)

var taskNamespace = uuid.MustParse("3d5e8a71-2c4b-4f0e-9b1a-7e6c5d4f3a21")

// claimCronID derives the id of a staker's auto-claim task.
func claimCronID(owner, stakingID string) string {
	return uuid.NewSHA1(taskNamespace, []byte("claim|"+owner+"|"+stakingID)).String()
}

// resolutionTaskID derives the finalization task of a locked stake when the
// command does not name one.
func resolutionTaskID(owner, stakingID, idempotencyKey string) string {
	return uuid.NewSHA1(taskNamespace, []byte(strings.Join([]string{"finalize", owner, stakingID, idempotencyKey}, "|"))).String()
}

// userStaking returns owner's record in s, creating it and its auto-claim
// cron on first stake. A cron paused when the record emptied is resumed.
func (e *Engine) userStaking(owner string, s *state.Staking) (*state.UserStaking, error) {
	if us := e.st.UserStaking(owner, s.ID); us != nil {
		if us.ClaimCronPaused {
			if err := e.sched.Resume(us.ClaimCronTaskID); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
				return nil, err
			}
			us.ClaimCronPaused = false
		}
		return us, nil
	}
	us := state.NewUserStaking(owner, s.ID, e.now)
	us.ClaimCronTaskID = claimCronID(owner, s.ID)
	rule := scheduler.CronRule{Start: e.now, Every: AutoClaimInterval, Calls: AutoClaimCalls}
	intent := scheduler.Intent{Kind: scheduler.KindClaimStakes, Owner: owner, Staking: s.ID}
	if err := e.sched.ScheduleCron(us.ClaimCronTaskID, rule, intent); err != nil {
		return nil, err
	}
	e.st.UserStakings[state.UserStakingKey(owner, s.ID)] = us
	return us, nil
}

func (e *Engine) existingUserStaking(owner string, s *state.Staking) (*state.UserStaking, error) {
	us := e.st.UserStaking(owner, s.ID)
	if us == nil {
		return nil, fmt.Errorf("%w: %s has no stake in %s", state.ErrCannotFoundStake, owner, s.ID)
	}
	return us, nil
}

// pauseIfEmpty stops auto-claims for a record with no stakes left. The
// cron keeps its remaining calls for when the owner stakes again.
func (e *Engine) pauseIfEmpty(us *state.UserStaking) error {
	if us.HasStakes() || us.ClaimCronPaused {
		return nil
	}
	err := e.sched.Pause(us.ClaimCronTaskID)
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		// every covered call was spent
		return nil
	case err != nil:
		return err
	}
	us.ClaimCronPaused = true
	e.log.Debug().Str("owner", us.Owner).Str("staking", us.Staking).Msg("auto-claim paused")
	return nil
}

// claim pays everything owed to us's owner. A bounty, in BPS of the reward
// tokens, goes to the caller instead.
func (e *Engine) claim(us *state.UserStaking, s *state.Staking, bountyBPS uint64) (*event.StakesClaimed, error) {
	res, err := us.ClaimRewards(s)
	if err != nil {
		return nil, err
	}
	bounty, err := math.MulDiv(res.Reward, bountyBPS, math.BPSPower, math.RoundDown)
	if err != nil {
		return nil, err
	}
	if err := e.journals.Transfer(rewardVault(s), wallet(us.Owner, s.RewardTokenMint), res.Reward-bounty, ledger.JournalTypeRewardClaim); err != nil {
		return nil, err
	}
	if err := e.journals.Transfer(rewardVault(s), wallet(e.caller, s.RewardTokenMint), bounty, ledger.JournalTypeCallerBounty); err != nil {
		return nil, err
	}
	if err := e.journals.Transfer(lmRewardVault(s), wallet(us.Owner, state.LMMint), res.LM, ledger.JournalTypeRewardClaim); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.StakingRewardsClaimed.WithLabelValues(s.ID, "reward").Add(float64(res.Reward))
		e.metrics.StakingRewardsClaimed.WithLabelValues(s.ID, "lm").Add(float64(res.LM))
	}
	return &event.StakesClaimed{Reward: res.Reward - bounty, LM: res.LM, Bounty: bounty}, nil
}

// ============================================================================
// Stake
// ============================================================================

func (e *Engine) handleAddLiquidStake(cmd *event.AddLiquidStake) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	s, err := e.st.Staking(cmd.Staking)
	if err != nil {
		return nil, err
	}
	us, err := e.userStaking(cmd.Owner, s)
	if err != nil {
		return nil, err
	}
	// a top-up overlap may only cover the round in progress
	if us.LiquidStake.Amount > 0 {
		if _, err := e.claim(us, s, 0); err != nil {
			return nil, err
		}
	}
	if err := e.journals.Transfer(wallet(cmd.Owner, s.StakedTokenMint), stakingVault(s), cmd.Amount, ledger.JournalTypeStake); err != nil {
		return nil, err
	}
	if err := us.AddLiquidStake(s, cmd.Amount, e.now); err != nil {
		return nil, err
	}
	if s.Type == state.StakingTypeLM {
		realm, err := e.realm()
		if err != nil {
			return nil, err
		}
		if err := realm.AddGoverningPower(cmd.Owner, cmd.Amount); err != nil {
			return nil, err
		}
	}

	e.log.Debug().Str("owner", cmd.Owner).Str("staking", s.ID).Uint64("amount", cmd.Amount).Msg("liquid stake added")
	return nil, nil
}

func (e *Engine) handleAddLockedStake(cmd *event.AddLockedStake) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	s, err := e.st.Staking(cmd.Staking)
	if err != nil {
		return nil, err
	}
	us, err := e.userStaking(cmd.Owner, s)
	if err != nil {
		return nil, err
	}
	taskID := cmd.ResolutionTaskID
	if taskID == "" {
		taskID = resolutionTaskID(cmd.Owner, s.ID, cmd.IdempotencyKey())
	}
	if _, err := us.LockedStakeByTask(taskID); err == nil {
		return nil, fmt.Errorf("%w: task %s already used", state.ErrInvalidStakeState, taskID)
	}

	if err := e.journals.Transfer(wallet(cmd.Owner, s.StakedTokenMint), stakingVault(s), cmd.Amount, ledger.JournalTypeStake); err != nil {
		return nil, err
	}
	ls, err := us.AddLockedStake(s, cmd.Amount, cmd.LockedDays, e.now, taskID)
	if err != nil {
		return nil, err
	}
	intent := scheduler.Intent{Kind: scheduler.KindFinalizeLockedStake, Owner: cmd.Owner, Staking: s.ID}
	if err := e.sched.ScheduleOneShot(taskID, ls.UnlockTime(), intent); err != nil {
		return nil, err
	}
	if s.Type == state.StakingTypeLM {
		votes, err := ls.VotingPower()
		if err != nil {
			return nil, err
		}
		realm, err := e.realm()
		if err != nil {
			return nil, err
		}
		if err := realm.AddGoverningPower(cmd.Owner, votes); err != nil {
			return nil, err
		}
	}

	e.log.Debug().
		Str("owner", cmd.Owner).
		Str("staking", s.ID).
		Uint64("amount", cmd.Amount).
		Uint32("days", cmd.LockedDays).
		Str("task", taskID).
		Msg("locked stake added")
	return nil, nil
}

// ============================================================================
// Unstake
// ============================================================================

func (e *Engine) handleRemoveLiquidStake(cmd *event.RemoveLiquidStake) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	s, err := e.st.Staking(cmd.Staking)
	if err != nil {
		return nil, err
	}
	us, err := e.existingUserStaking(cmd.Owner, s)
	if err != nil {
		return nil, err
	}
	if _, err := e.claim(us, s, 0); err != nil {
		return nil, err
	}
	if err := us.RemoveLiquidStake(s, cmd.Amount); err != nil {
		return nil, err
	}
	if s.Type == state.StakingTypeLM {
		realm, err := e.realm()
		if err != nil {
			return nil, err
		}
		if _, err := realm.RemoveGoverningPower(cmd.Owner, cmd.Amount); err != nil {
			return nil, err
		}
	}
	if err := e.journals.Transfer(stakingVault(s), wallet(cmd.Owner, s.StakedTokenMint), cmd.Amount, ledger.JournalTypeUnstake); err != nil {
		return nil, err
	}
	if err := e.pauseIfEmpty(us); err != nil {
		return nil, err
	}
	return &event.Unstaked{Amount: cmd.Amount}, nil
}

func (e *Engine) handleRemoveLockedStake(cmd *event.RemoveLockedStake) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	s, err := e.st.Staking(cmd.Staking)
	if err != nil {
		return nil, err
	}
	us, err := e.existingUserStaking(cmd.Owner, s)
	if err != nil {
		return nil, err
	}
	ls, err := us.RemoveLockedStake(cmd.Index)
	if err != nil {
		return nil, err
	}
	if err := e.journals.Transfer(stakingVault(s), wallet(cmd.Owner, s.StakedTokenMint), ls.Amount, ledger.JournalTypeUnstake); err != nil {
		return nil, err
	}
	if err := e.pauseIfEmpty(us); err != nil {
		return nil, err
	}
	return &event.Unstaked{Amount: ls.Amount}, nil
}

// ============================================================================
// Claim / resolve / finalize
// ============================================================================

func (e *Engine) handleClaimStakes(cmd *event.ClaimStakes) (any, error) {
	s, err := e.st.Staking(cmd.Staking)
	if err != nil {
		return nil, err
	}
	var bountyBPS uint64
	switch {
	case e.caller == cmd.Owner:
	case e.isKeeper():
		bountyBPS = ClaimCallerBountyBPS
	default:
		return nil, fmt.Errorf("%w: %s cannot claim for %s", state.ErrInstructionNotAllowed, e.caller, cmd.Owner)
	}
	us, err := e.existingUserStaking(cmd.Owner, s)
	if err != nil {
		return nil, err
	}
	out, err := e.claim(us, s, bountyBPS)
	if err != nil {
		return nil, err
	}

	if e.isKeeper() {
		if t, ok := e.sched.Task(us.ClaimCronTaskID); ok && t.NextRun <= e.now {
			if err := e.sched.Fire(t.ID, e.now); err != nil {
				return nil, err
			}
		}
	}

	e.log.Debug().
		Str("owner", cmd.Owner).
		Str("staking", s.ID).
		Uint64("reward", out.Reward).
		Uint64("lm", out.LM).
		Uint64("bounty", out.Bounty).
		Msg("stakes claimed")
	return out, nil
}

func (e *Engine) handleResolveStakingRound(cmd *event.ResolveStakingRound) (any, error) {
	s, err := e.st.Staking(cmd.Staking)
	if err != nil {
		return nil, err
	}
	emission, err := e.st.Cortex.GetRoundEmission(s.LMEmissionPerRound, e.now)
	if err != nil {
		return nil, err
	}
	if err := e.mintFromBucket(state.BucketEcosystem, lmRewardVault(s), emission); err != nil {
		return nil, err
	}

	before := len(s.ResolvedRounds)
	var lastStart int64
	if before > 0 {
		lastStart = s.ResolvedRounds[before-1].StartTime
	}
	rewards := e.journals.Available(rewardVault(s))
	lm := e.journals.Available(lmRewardVault(s))
	if err := s.ResolveRound(e.now, rewards, lm, e.opts.RoundMinDuration, e.opts.MaxResolvedRounds); err != nil {
		return nil, err
	}

	var resolved state.StakingRound
	n := len(s.ResolvedRounds)
	appended := n > 0 && (before == 0 || s.ResolvedRounds[n-1].StartTime != lastStart)
	if appended {
		resolved = s.ResolvedRounds[n-1]
	}
	if e.metrics != nil {
		e.metrics.StakingResolvedRounds.WithLabelValues(s.ID).Set(float64(n))
		if appended && n == before {
			e.metrics.StakingRoundsEvicted.WithLabelValues(s.ID).Inc()
		}
	}

	e.log.Info().
		Str("staking", s.ID).
		Uint64("emission", emission).
		Uint64("rate", resolved.Rate).
		Uint64("lm_rate", resolved.LMRate).
		Int("resolved_rounds", len(s.ResolvedRounds)).
		Msg("staking round resolved")
	return &event.RoundResolved{
		Staking:        s.ID,
		Emission:       emission,
		Rate:           resolved.Rate,
		LMRate:         resolved.LMRate,
		ResolvedRounds: len(s.ResolvedRounds),
	}, nil
}

func (e *Engine) handleFinalizeLockedStake(cmd *event.FinalizeLockedStake) (any, error) {
	if e.caller != cmd.Owner && !e.isKeeper() {
		return nil, fmt.Errorf("%w: %s cannot finalize for %s", state.ErrInstructionNotAllowed, e.caller, cmd.Owner)
	}
	s, err := e.st.Staking(cmd.Staking)
	if err != nil {
		return nil, err
	}
	us, err := e.existingUserStaking(cmd.Owner, s)
	if err != nil {
		return nil, err
	}
	if _, err := e.claim(us, s, 0); err != nil {
		return nil, err
	}
	ls, err := us.FinalizeLockedStake(s, cmd.ResolutionTaskID, e.now)
	if err != nil {
		return nil, err
	}

	var revoked uint64
	if s.Type == state.StakingTypeLM {
		votes, err := ls.VotingPower()
		if err != nil {
			return nil, err
		}
		realm, err := e.realm()
		if err != nil {
			return nil, err
		}
		if revoked, err = realm.RemoveGoverningPower(cmd.Owner, votes); err != nil {
			return nil, err
		}
	}
	if err := e.sched.Fire(cmd.ResolutionTaskID, e.now); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
		return nil, err
	}

	e.log.Debug().
		Str("owner", cmd.Owner).
		Str("staking", s.ID).
		Str("task", cmd.ResolutionTaskID).
		Uint64("amount", ls.Amount).
		Msg("locked stake finalized")
	return &event.StakeFinalized{Amount: ls.Amount, RevokedVotes: revoked, ResolutionTask: cmd.ResolutionTaskID}, nil
}
