package state

import (
	"fmt"

	"PerpPool/internal/math"
)

const secondsPerDay int64 = 86_400

// LockedStakingOption is one row of the lock multiplier table. Multipliers
// are BPS_POWER * ratio, truncated.
type LockedStakingOption struct {
	Days               uint32 `json:"days"`
	RewardMultiplier   uint32 `json:"reward_multiplier"`
	LMRewardMultiplier uint32 `json:"lm_reward_multiplier"`
	VoteMultiplier     uint32 `json:"vote_multiplier"`
}

func (o LockedStakingOption) Duration() int64 {
	return int64(o.Days) * secondsPerDay
}

var lmLockOptions = []LockedStakingOption{
	{Days: 30, RewardMultiplier: 12_500, LMRewardMultiplier: 10_000, VoteMultiplier: 12_100},
	{Days: 60, RewardMultiplier: 15_600, LMRewardMultiplier: 12_500, VoteMultiplier: 13_300},
	{Days: 90, RewardMultiplier: 19_500, LMRewardMultiplier: 15_600, VoteMultiplier: 14_600},
	{Days: 180, RewardMultiplier: 24_400, LMRewardMultiplier: 19_500, VoteMultiplier: 16_100},
	{Days: 360, RewardMultiplier: 30_500, LMRewardMultiplier: 24_400, VoteMultiplier: 17_800},
	{Days: 720, RewardMultiplier: 38_100, LMRewardMultiplier: 30_500, VoteMultiplier: 19_500},
}

var lpLockOptions = []LockedStakingOption{
	{Days: 30, RewardMultiplier: 13_000, LMRewardMultiplier: 13_000},
	{Days: 60, RewardMultiplier: 17_000, LMRewardMultiplier: 17_000},
	{Days: 90, RewardMultiplier: 22_000, LMRewardMultiplier: 22_000},
	{Days: 180, RewardMultiplier: 29_000, LMRewardMultiplier: 29_000},
	{Days: 360, RewardMultiplier: 37_000, LMRewardMultiplier: 37_000},
	{Days: 720, RewardMultiplier: 48_000, LMRewardMultiplier: 48_000},
}

// GetLockedStakingOption looks up the multipliers for a lock period.
func GetLockedStakingOption(days uint32, stakingType StakingType) (LockedStakingOption, error) {
	table := lmLockOptions
	if stakingType == StakingTypeLP {
		table = lpLockOptions
	}
	for _, o := range table {
		if o.Days == days {
			return o, nil
		}
	}
	return LockedStakingOption{}, fmt.Errorf("%w: %d days", ErrInvalidStakingLockingTime, days)
}

func applyMultiplier(amount uint64, multiplier uint32) (uint64, error) {
	return math.MulDiv(amount, uint64(multiplier), math.BPSPower, math.RoundDown)
}
