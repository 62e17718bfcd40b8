// internal/math/interest.go
package math

import "errors"

const secondsPerHour = 3_600

var ErrInvalidBorrowCurve = errors.New("math: invalid borrow rate curve")

// BorrowRateCurve is the kinked utilization curve of a custody. All fields
// carry RATE_DECIMALS and express an hourly rate.
type BorrowRateCurve struct {
	Base               uint64 `json:"base" yaml:"base"`
	Slope1             uint64 `json:"slope1" yaml:"slope1"`
	Slope2             uint64 `json:"slope2" yaml:"slope2"`
	OptimalUtilization uint64 `json:"optimal_utilization" yaml:"optimal_utilization"`
}

func (c BorrowRateCurve) Validate() error {
	if c.OptimalUtilization == 0 || c.OptimalUtilization > RatePower {
		return ErrInvalidBorrowCurve
	}
	return nil
}

// Utilization returns locked/owned at RATE_DECIMALS, capped at 100%.
// An empty custody has zero utilization.
func Utilization(locked, owned uint64) (uint64, error) {
	if owned == 0 || locked == 0 {
		return 0, nil
	}
	u, err := MulDiv(locked, RatePower, owned, RoundDown)
	if err != nil {
		return 0, err
	}
	return MinU64(u, RatePower), nil
}

// Rate evaluates
//
//	f(u) = base + slope1*u                                  u <= optimal
//	f(u) = base + slope1*optimal + slope2*(u - optimal)     u >  optimal
func (c BorrowRateCurve) Rate(utilization uint64) (uint64, error) {
	if utilization <= c.OptimalUtilization {
		slope, err := MulDiv(c.Slope1, utilization, RatePower, RoundDown)
		if err != nil {
			return 0, err
		}
		return CheckedAdd(c.Base, slope)
	}

	atKink, err := MulDiv(c.Slope1, c.OptimalUtilization, RatePower, RoundDown)
	if err != nil {
		return 0, err
	}
	excess, err := MulDiv(c.Slope2, utilization-c.OptimalUtilization, RatePower, RoundDown)
	if err != nil {
		return 0, err
	}
	rate, err := CheckedAdd(c.Base, atKink)
	if err != nil {
		return 0, err
	}
	return CheckedAdd(rate, excess)
}

// Accrue integrates an hourly rate over elapsed seconds.
func Accrue(hourlyRate uint64, elapsedSeconds int64) (uint64, error) {
	if elapsedSeconds <= 0 || hourlyRate == 0 {
		return 0, nil
	}
	return MulDiv(hourlyRate, uint64(elapsedSeconds), secondsPerHour, RoundDown)
}
