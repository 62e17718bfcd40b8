package state

import (
	"fmt"

	"PerpPool/internal/math"
)

const VestMinDurationSeconds int64 = 7 * secondsPerDay

// Vest releases Amount linearly over [UnlockStart, UnlockEnd].
type Vest struct {
	Owner         string `json:"owner"`
	Amount        uint64 `json:"amount"`
	UnlockStart   int64  `json:"unlock_start"`
	UnlockEnd     int64  `json:"unlock_end"`
	ClaimedAmount uint64 `json:"claimed_amount"`
}

func NewVest(owner string, amount uint64, unlockStart, unlockEnd, now int64) (Vest, error) {
	if amount == 0 || owner == "" {
		return Vest{}, fmt.Errorf("%w: vest amount or owner", ErrInvalidArgument)
	}
	if unlockStart < now || unlockEnd-unlockStart < VestMinDurationSeconds {
		return Vest{}, fmt.Errorf("%w: [%d, %d]", ErrInvalidVestingUnlockTime, unlockStart, unlockEnd)
	}
	return Vest{Owner: owner, Amount: amount, UnlockStart: unlockStart, UnlockEnd: unlockEnd}, nil
}

// Vested is the amount released by now, claimed or not.
func (v *Vest) Vested(now int64) (uint64, error) {
	switch {
	case now <= v.UnlockStart:
		return 0, nil
	case now >= v.UnlockEnd:
		return v.Amount, nil
	}
	return math.MulDiv(v.Amount, uint64(now-v.UnlockStart), uint64(v.UnlockEnd-v.UnlockStart), math.RoundDown)
}

func (v *Vest) Claimable(now int64) (uint64, error) {
	vested, err := v.Vested(now)
	if err != nil {
		return 0, err
	}
	return math.SaturatingSub(vested, v.ClaimedAmount), nil
}

// Claim marks what is claimable as claimed and returns it.
func (v *Vest) Claim(now int64) (uint64, error) {
	amount, err := v.Claimable(now)
	if err != nil {
		return 0, err
	}
	v.ClaimedAmount += amount
	return amount, nil
}

func (v *Vest) Done() bool {
	return v.ClaimedAmount >= v.Amount
}
