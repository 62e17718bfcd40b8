package state

import (
	"fmt"

	"PerpPool/internal/math"
)

type StakingType uint8

const (
	StakingTypeLM StakingType = iota
	StakingTypeLP
)

func (t StakingType) String() string {
	if t == StakingTypeLP {
		return "lp"
	}
	return "lm"
}

func (t StakingType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *StakingType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "lm":
		*t = StakingTypeLM
	case "lp":
		*t = StakingTypeLP
	default:
		return fmt.Errorf("%w: staking type %q", ErrInvalidArgument, string(b))
	}
	return nil
}

const LMStakingID = "lm"

// LPStakingID names the staking of a pool's LP token.
func LPStakingID(pool string) string {
	return "lp/" + pool
}

// StakingRound rates carry RATE_DECIMALS. Stakes are multiplier-weighted.
type StakingRound struct {
	StartTime    int64  `json:"start_time"`
	Rate         uint64 `json:"rate"`
	TotalStake   uint64 `json:"total_stake"`
	TotalClaim   uint64 `json:"total_claim"`
	LMRate       uint64 `json:"lm_rate"`
	LMTotalStake uint64 `json:"lm_total_stake"`
	LMTotalClaim uint64 `json:"lm_total_claim"`
}

// FullyClaimed makes the round a candidate for removal.
func (r *StakingRound) FullyClaimed() bool {
	return r.TotalClaim >= r.TotalStake && r.LMTotalClaim >= r.LMTotalStake
}

// Staking is one pool of stakers sharing a round clock.
type Staking struct {
	ID                  string      `json:"id"`
	Type                StakingType `json:"type"`
	Pool                string      `json:"pool,omitempty"`
	StakedTokenMint     string      `json:"staked_token_mint"`
	StakedTokenDecimals uint8       `json:"staked_token_decimals"`
	RewardTokenMint     string      `json:"reward_token_mint"`
	RewardTokenDecimals uint8       `json:"reward_token_decimals"`
	LMEmissionPerRound  uint64      `json:"lm_emission_per_round"`

	ResolvedRewardTokenAmount   uint64 `json:"resolved_reward_token_amount"`
	ResolvedStakedTokenAmount   uint64 `json:"resolved_staked_token_amount"`
	ResolvedLMRewardTokenAmount uint64 `json:"resolved_lm_reward_token_amount"`
	ResolvedLMStakedTokenAmount uint64 `json:"resolved_lm_staked_token_amount"`

	CurrentRound   StakingRound   `json:"current_round"`
	NextRound      StakingRound   `json:"next_round"`
	ResolvedRounds []StakingRound `json:"resolved_rounds"`
	NbLockedTokens uint64         `json:"nb_locked_tokens"`
	// LastStakeTime is when weights were last added to the next round.
	LastStakeTime int64 `json:"last_stake_time"`
}

// NewStaking opens the first round at now.
func NewStaking(id string, stakingType StakingType, stakedMint string, stakedDecimals uint8, rewardMint string, rewardDecimals uint8, now int64) *Staking {
	return &Staking{
		ID:                  id,
		Type:                stakingType,
		StakedTokenMint:     stakedMint,
		StakedTokenDecimals: stakedDecimals,
		RewardTokenMint:     rewardMint,
		RewardTokenDecimals: rewardDecimals,
		CurrentRound:        StakingRound{StartTime: now},
	}
}

func (s *Staking) Clone() *Staking {
	c := *s
	c.ResolvedRounds = append([]StakingRound(nil), s.ResolvedRounds...)
	return &c
}

// liquidWeights returns the reward and LM weights of a liquid amount:
// liquid LM earns the reward token only, liquid LP earns LM only.
func (s *Staking) liquidWeights(amount uint64) (reward, lm uint64) {
	if s.Type == StakingTypeLP {
		return 0, amount
	}
	return amount, 0
}

// addNext registers weights that start qualifying with the next round.
func (s *Staking) addNext(now int64, reward, lm uint64) error {
	var err error
	s.LastStakeTime = now
	if s.NextRound.TotalStake, err = math.CheckedAdd(s.NextRound.TotalStake, reward); err != nil {
		return err
	}
	s.NextRound.LMTotalStake, err = math.CheckedAdd(s.NextRound.LMTotalStake, lm)
	return err
}

// removeWeights drops weights from the next round and, when the stake
// already qualifies, from the current one.
func (s *Staking) removeWeights(reward, lm uint64, inCurrent bool) {
	if inCurrent {
		s.CurrentRound.TotalStake = math.SaturatingSub(s.CurrentRound.TotalStake, reward)
		s.CurrentRound.LMTotalStake = math.SaturatingSub(s.CurrentRound.LMTotalStake, lm)
	}
	s.NextRound.TotalStake = math.SaturatingSub(s.NextRound.TotalStake, reward)
	s.NextRound.LMTotalStake = math.SaturatingSub(s.NextRound.LMTotalStake, lm)
}

// ResolveRound closes the current round. rewardVault and lmVault are the
// reward vault balances after this round's LM emission was minted.
func (s *Staking) ResolveRound(now int64, rewardVault, lmVault uint64, minDuration int64, maxRounds int) error {
	end, err := math.CheckedAddInt64(s.CurrentRound.StartTime, minDuration)
	if err != nil {
		return err
	}
	if now < end {
		return fmt.Errorf("%w: round of %s open until %d", ErrInvalidStakingRoundState, s.ID, end)
	}
	// A stake only qualifies for rounds starting strictly after it, so a
	// round cannot start in the second a stake joined it.
	if s.LastStakeTime >= now {
		return fmt.Errorf("%w: %s took a stake at %d", ErrInvalidStakingRoundState, s.ID, s.LastStakeTime)
	}

	round := s.CurrentRound
	if round.TotalStake > 0 {
		available, err := math.CheckedSub(rewardVault, s.ResolvedRewardTokenAmount)
		if err != nil {
			return fmt.Errorf("%w: reward vault below resolved amount", ErrInvalidStakingRoundState)
		}
		if round.Rate, err = math.DecimalDiv(available, -int32(s.RewardTokenDecimals), round.TotalStake, -int32(s.StakedTokenDecimals), -math.RateDecimals); err != nil {
			return err
		}
		if s.ResolvedRewardTokenAmount, err = math.CheckedAdd(s.ResolvedRewardTokenAmount, available); err != nil {
			return err
		}
		if s.ResolvedStakedTokenAmount, err = math.CheckedAdd(s.ResolvedStakedTokenAmount, round.TotalStake); err != nil {
			return err
		}
		if rewardVault != s.ResolvedRewardTokenAmount {
			return fmt.Errorf("%w: reward vault %d, resolved %d", ErrInvalidStakingRoundState, rewardVault, s.ResolvedRewardTokenAmount)
		}
	}
	if round.LMTotalStake > 0 {
		available, err := math.CheckedSub(lmVault, s.ResolvedLMRewardTokenAmount)
		if err != nil {
			return fmt.Errorf("%w: lm vault below resolved amount", ErrInvalidStakingRoundState)
		}
		if round.LMRate, err = math.DecimalDiv(available, -math.LMDecimals, round.LMTotalStake, -int32(s.StakedTokenDecimals), -math.RateDecimals); err != nil {
			return err
		}
		if s.ResolvedLMRewardTokenAmount, err = math.CheckedAdd(s.ResolvedLMRewardTokenAmount, available); err != nil {
			return err
		}
		if s.ResolvedLMStakedTokenAmount, err = math.CheckedAdd(s.ResolvedLMStakedTokenAmount, round.LMTotalStake); err != nil {
			return err
		}
		if lmVault != s.ResolvedLMRewardTokenAmount {
			return fmt.Errorf("%w: lm vault %d, resolved %d", ErrInvalidStakingRoundState, lmVault, s.ResolvedLMRewardTokenAmount)
		}
	}

	if round.TotalStake > 0 || round.LMTotalStake > 0 || round.Rate > 0 || round.LMRate > 0 {
		s.ResolvedRounds = append(s.ResolvedRounds, round)
		if len(s.ResolvedRounds) > maxRounds {
			if err := s.evictOldest(); err != nil {
				return err
			}
		}
	}

	s.CurrentRound = s.NextRound
	s.CurrentRound.StartTime = now
	s.NextRound = StakingRound{
		TotalStake:   s.NextRound.TotalStake,
		LMTotalStake: s.NextRound.LMTotalStake,
	}
	return nil
}

// evictOldest releases the unclaimed part of the oldest round so the next
// resolution redistributes it.
func (s *Staking) evictOldest() error {
	oldest := s.ResolvedRounds[0]

	unclaimed := math.SaturatingSub(oldest.TotalStake, oldest.TotalClaim)
	reward, err := math.DecimalMul(unclaimed, -int32(s.StakedTokenDecimals), oldest.Rate, -math.RateDecimals, -int32(s.RewardTokenDecimals))
	if err != nil {
		return err
	}
	if s.ResolvedRewardTokenAmount, err = math.CheckedSub(s.ResolvedRewardTokenAmount, reward); err != nil {
		return fmt.Errorf("%w: evicting round %d", ErrInvalidStakingRoundState, oldest.StartTime)
	}
	s.ResolvedStakedTokenAmount = math.SaturatingSub(s.ResolvedStakedTokenAmount, unclaimed)

	lmUnclaimed := math.SaturatingSub(oldest.LMTotalStake, oldest.LMTotalClaim)
	lmReward, err := math.DecimalMul(lmUnclaimed, -int32(s.StakedTokenDecimals), oldest.LMRate, -math.RateDecimals, -math.LMDecimals)
	if err != nil {
		return err
	}
	if s.ResolvedLMRewardTokenAmount, err = math.CheckedSub(s.ResolvedLMRewardTokenAmount, lmReward); err != nil {
		return fmt.Errorf("%w: evicting round %d", ErrInvalidStakingRoundState, oldest.StartTime)
	}
	s.ResolvedLMStakedTokenAmount = math.SaturatingSub(s.ResolvedLMStakedTokenAmount, lmUnclaimed)

	s.ResolvedRounds = append(s.ResolvedRounds[:0], s.ResolvedRounds[1:]...)
	return nil
}

// dropClaimedRounds keeps only rounds still owed to someone.
func (s *Staking) dropClaimedRounds() {
	kept := s.ResolvedRounds[:0]
	for _, r := range s.ResolvedRounds {
		if !r.FullyClaimed() {
			kept = append(kept, r)
		}
	}
	s.ResolvedRounds = kept
}
