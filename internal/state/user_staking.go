package state

import (
	"fmt"

	"PerpPool/internal/math"
)

type LiquidStake struct {
	Amount        uint64 `json:"amount"`
	StakeTime     int64  `json:"stake_time"`
	ClaimTime     int64  `json:"claim_time"`
	OverlapTime   int64  `json:"overlap_time"`
	OverlapAmount uint64 `json:"overlap_amount"`
}

type LockedStake struct {
	Amount                       uint64 `json:"amount"`
	StakeTime                    int64  `json:"stake_time"`
	ClaimTime                    int64  `json:"claim_time"`
	LockDuration                 int64  `json:"lock_duration"`
	RewardMultiplier             uint32 `json:"reward_multiplier"`
	LMRewardMultiplier           uint32 `json:"lm_reward_multiplier"`
	VoteMultiplier               uint32 `json:"vote_multiplier"`
	AmountWithRewardMultiplier   uint64 `json:"amount_with_reward_multiplier"`
	AmountWithLMRewardMultiplier uint64 `json:"amount_with_lm_reward_multiplier"`
	Resolved                     bool   `json:"resolved"`
	ResolutionTaskID             string `json:"resolution_task_id"`
	IsGenesis                    bool   `json:"is_genesis"`
}

// VotingPower of a locked LM stake; LP stakes carry none.
func (ls *LockedStake) VotingPower() (uint64, error) {
	return applyMultiplier(ls.Amount, ls.VoteMultiplier)
}

// UnlockTime is when the stake may be finalized.
func (ls *LockedStake) UnlockTime() int64 {
	return ls.StakeTime + ls.LockDuration
}

// qualifiesFor is strict: a stake taken in the second a round starts
// belongs to the round after it.
func qualifiesFor(stakeTime, claimTime int64, r *StakingRound) bool {
	return stakeTime > 0 && stakeTime < r.StartTime && (claimTime == 0 || claimTime < r.StartTime)
}

// UserStakingKey is the natural key of a user's record in one staking.
func UserStakingKey(owner, stakingID string) string {
	return stakingID + "|" + owner
}

// UserStaking holds one user's stakes in one staking.
type UserStaking struct {
	Owner        string        `json:"owner"`
	Staking      string        `json:"staking"`
	LiquidStake  LiquidStake   `json:"liquid_stake"`
	LockedStakes []LockedStake `json:"locked_stakes"`

	ClaimCronTaskID  string `json:"claim_cron_task_id"`
	ClaimCronPaused  bool   `json:"claim_cron_paused"`
	CreatedTimestamp int64  `json:"created_timestamp"`
}

func NewUserStaking(owner, stakingID string, now int64) *UserStaking {
	return &UserStaking{Owner: owner, Staking: stakingID, CreatedTimestamp: now}
}

func (us *UserStaking) Clone() *UserStaking {
	c := *us
	c.LockedStakes = append([]LockedStake(nil), us.LockedStakes...)
	return &c
}

// HasStakes reports whether any liquid or locked stake remains.
func (us *UserStaking) HasStakes() bool {
	return us.LiquidStake.Amount > 0 || len(us.LockedStakes) > 0
}

// LockedStakeByTask finds the stake a finalization task refers to.
func (us *UserStaking) LockedStakeByTask(taskID string) (int, error) {
	for i := range us.LockedStakes {
		if us.LockedStakes[i].ResolutionTaskID == taskID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: task %s", ErrCannotFoundStake, taskID)
}

// ============================================================================
// Liquid stakes
// ============================================================================

// AddLiquidStake stakes amount from now on. A top-up of a live stake is
// tracked as overlap so it does not qualify for the round in progress.
func (us *UserStaking) AddLiquidStake(s *Staking, amount uint64, now int64) error {
	if amount == 0 {
		return fmt.Errorf("%w: zero stake", ErrInvalidArgument)
	}
	ls := &us.LiquidStake
	newAmount, err := math.CheckedAdd(ls.Amount, amount)
	if err != nil {
		return err
	}
	if ls.Amount == 0 {
		ls.StakeTime = now
		ls.ClaimTime = 0
	} else {
		ls.OverlapTime = now
		if ls.OverlapAmount, err = math.CheckedAdd(ls.OverlapAmount, amount); err != nil {
			return err
		}
	}
	ls.Amount = newAmount
	reward, lm := s.liquidWeights(amount)
	return s.addNext(now, reward, lm)
}

// RemoveLiquidStake unstakes amount; overlap tokens go first. Callers claim
// before removing.
func (us *UserStaking) RemoveLiquidStake(s *Staking, amount uint64) error {
	ls := &us.LiquidStake
	if amount == 0 || amount > ls.Amount {
		return fmt.Errorf("%w: unstake %d of %d", ErrInvalidArgument, amount, ls.Amount)
	}

	fromOverlap := math.MinU64(amount, ls.OverlapAmount)
	ls.OverlapAmount -= fromOverlap
	qualifying := amount - fromOverlap

	cr, cl := s.liquidWeights(qualifying)
	if ls.StakeTime < s.CurrentRound.StartTime {
		s.CurrentRound.TotalStake = math.SaturatingSub(s.CurrentRound.TotalStake, cr)
		s.CurrentRound.LMTotalStake = math.SaturatingSub(s.CurrentRound.LMTotalStake, cl)
	}
	nr, nl := s.liquidWeights(amount)
	s.removeWeights(nr, nl, false)

	ls.Amount -= amount
	if ls.Amount == 0 {
		*ls = LiquidStake{}
	}
	return nil
}

// ============================================================================
// Locked stakes
// ============================================================================

// AddLockedStake appends a stake locked for days, to be finalized by the
// task taskID.
func (us *UserStaking) AddLockedStake(s *Staking, amount uint64, days uint32, now int64, taskID string) (*LockedStake, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: zero stake", ErrInvalidArgument)
	}
	opt, err := GetLockedStakingOption(days, s.Type)
	if err != nil {
		return nil, err
	}
	withReward, err := applyMultiplier(amount, opt.RewardMultiplier)
	if err != nil {
		return nil, err
	}
	withLM, err := applyMultiplier(amount, opt.LMRewardMultiplier)
	if err != nil {
		return nil, err
	}
	if err := s.addNext(now, withReward, withLM); err != nil {
		return nil, err
	}
	if s.NbLockedTokens, err = math.CheckedAdd(s.NbLockedTokens, amount); err != nil {
		return nil, err
	}

	us.LockedStakes = append(us.LockedStakes, LockedStake{
		Amount:                       amount,
		StakeTime:                    now,
		LockDuration:                 opt.Duration(),
		RewardMultiplier:             opt.RewardMultiplier,
		LMRewardMultiplier:           opt.LMRewardMultiplier,
		VoteMultiplier:               opt.VoteMultiplier,
		AmountWithRewardMultiplier:   withReward,
		AmountWithLMRewardMultiplier: withLM,
		ResolutionTaskID:             taskID,
	})
	return &us.LockedStakes[len(us.LockedStakes)-1], nil
}

// FinalizeLockedStake marks an expired stake resolved and withdraws its
// weights. Callers claim before finalizing.
func (us *UserStaking) FinalizeLockedStake(s *Staking, taskID string, now int64) (*LockedStake, error) {
	idx, err := us.LockedStakeByTask(taskID)
	if err != nil {
		return nil, err
	}
	ls := &us.LockedStakes[idx]
	if ls.Resolved {
		return nil, fmt.Errorf("%w: stake already resolved", ErrInvalidStakeState)
	}
	if now < ls.UnlockTime() {
		return nil, fmt.Errorf("%w: locked until %d", ErrInvalidStakeState, ls.UnlockTime())
	}

	s.removeWeights(ls.AmountWithRewardMultiplier, ls.AmountWithLMRewardMultiplier, ls.StakeTime < s.CurrentRound.StartTime)
	s.NbLockedTokens = math.SaturatingSub(s.NbLockedTokens, ls.Amount)
	ls.Resolved = true
	return ls, nil
}

// RemoveLockedStake deletes a resolved stake and returns it.
func (us *UserStaking) RemoveLockedStake(index int) (LockedStake, error) {
	if index < 0 || index >= len(us.LockedStakes) {
		return LockedStake{}, fmt.Errorf("%w: index %d", ErrCannotFoundStake, index)
	}
	ls := us.LockedStakes[index]
	if !ls.Resolved {
		return LockedStake{}, fmt.Errorf("%w: index %d", ErrUnresolvedStake, index)
	}
	us.LockedStakes = append(us.LockedStakes[:index], us.LockedStakes[index+1:]...)
	return ls, nil
}

// ============================================================================
// Claim walk
// ============================================================================

// ClaimResult is what one claim pays out.
type ClaimResult struct {
	Reward uint64 `json:"reward"`
	LM     uint64 `json:"lm"`
}

type claimAccumulator struct {
	s   *Staking
	out ClaimResult
}

func (a *claimAccumulator) add(r *StakingRound, rewardWeight, lmWeight uint64) error {
	s := a.s
	if rewardWeight > 0 && r.Rate > 0 {
		amt, err := math.DecimalMul(rewardWeight, -int32(s.StakedTokenDecimals), r.Rate, -math.RateDecimals, -int32(s.RewardTokenDecimals))
		if err != nil {
			return err
		}
		if a.out.Reward, err = math.CheckedAdd(a.out.Reward, amt); err != nil {
			return err
		}
	}
	if rewardWeight > 0 {
		r.TotalClaim += rewardWeight
		s.ResolvedStakedTokenAmount = math.SaturatingSub(s.ResolvedStakedTokenAmount, rewardWeight)
	}
	if lmWeight > 0 && r.LMRate > 0 {
		amt, err := math.DecimalMul(lmWeight, -int32(s.StakedTokenDecimals), r.LMRate, -math.RateDecimals, -math.LMDecimals)
		if err != nil {
			return err
		}
		if a.out.LM, err = math.CheckedAdd(a.out.LM, amt); err != nil {
			return err
		}
	}
	if lmWeight > 0 {
		r.LMTotalClaim += lmWeight
		s.ResolvedLMStakedTokenAmount = math.SaturatingSub(s.ResolvedLMStakedTokenAmount, lmWeight)
	}
	return nil
}

// ClaimRewards walks the resolved rounds and collects every reward the
// user's qualifying stakes are owed. The staking's resolved accumulators
// are reduced by what is paid; fully claimed rounds are dropped.
func (us *UserStaking) ClaimRewards(s *Staking) (ClaimResult, error) {
	acc := &claimAccumulator{s: s}
	liquid := &us.LiquidStake

	for i := range s.ResolvedRounds {
		r := &s.ResolvedRounds[i]

		if liquid.Amount > 0 && qualifiesFor(liquid.StakeTime, liquid.ClaimTime, r) {
			eligible := liquid.Amount
			if liquid.OverlapAmount > 0 && liquid.OverlapTime >= r.StartTime {
				eligible = math.SaturatingSub(eligible, liquid.OverlapAmount)
			}
			rw, lw := s.liquidWeights(eligible)
			if err := acc.add(r, rw, lw); err != nil {
				return ClaimResult{}, err
			}
		}

		for j := range us.LockedStakes {
			ls := &us.LockedStakes[j]
			if ls.Resolved || !qualifiesFor(ls.StakeTime, ls.ClaimTime, r) {
				continue
			}
			if err := acc.add(r, ls.AmountWithRewardMultiplier, ls.AmountWithLMRewardMultiplier); err != nil {
				return ClaimResult{}, err
			}
		}
	}

	var err error
	if s.ResolvedRewardTokenAmount, err = math.CheckedSub(s.ResolvedRewardTokenAmount, acc.out.Reward); err != nil {
		return ClaimResult{}, fmt.Errorf("%w: claim above resolved rewards", ErrInvalidStakingRoundState)
	}
	if s.ResolvedLMRewardTokenAmount, err = math.CheckedSub(s.ResolvedLMRewardTokenAmount, acc.out.LM); err != nil {
		return ClaimResult{}, fmt.Errorf("%w: claim above resolved lm rewards", ErrInvalidStakingRoundState)
	}
	s.dropClaimedRounds()

	// stay eligible for the round still open
	claimTime := s.CurrentRound.StartTime - 1
	if liquid.StakeTime > 0 {
		liquid.ClaimTime = claimTime
		if s.CurrentRound.StartTime > liquid.OverlapTime {
			liquid.OverlapTime = 0
			liquid.OverlapAmount = 0
		}
	}
	for j := range us.LockedStakes {
		if ls := &us.LockedStakes[j]; !ls.Resolved && ls.StakeTime > 0 {
			ls.ClaimTime = claimTime
		}
	}
	return acc.out, nil
}
