// Package oracle holds the price value used by every pricing path and the
// in-engine price book that custodies read from.
package oracle

import (
	"errors"

	"PerpPool/internal/math"
)

var (
	ErrStaleOracle        = errors.New("oracle: stale or unreliable price")
	ErrUnknownOracle      = errors.New("oracle: no price published for account")
	ErrInvalidOraclePrice = errors.New("oracle: invalid price")
)

// OraclePrice is price * 10^Exponent.
type OraclePrice struct {
	Price    uint64 `json:"price"`
	Exponent int32  `json:"exponent"`
}

func NewPrice(price uint64, exponent int32) OraclePrice {
	return OraclePrice{Price: price, Exponent: exponent}
}

// USDReference is 1.0 USD at PRICE_DECIMALS.
func USDReference() OraclePrice {
	return OraclePrice{Price: 1_000_000, Exponent: -math.PriceDecimals}
}

func (p OraclePrice) ScaleToExponent(target int32) (OraclePrice, error) {
	v, err := math.ScaleToExponent(p.Price, p.Exponent, target)
	if err != nil {
		return OraclePrice{}, err
	}
	return OraclePrice{Price: v, Exponent: target}, nil
}

// Cmp compares two prices at a common exponent: -1, 0 or +1.
func (p OraclePrice) Cmp(other OraclePrice) int {
	a, b := p, other
	if a.Exponent != b.Exponent {
		// rescale towards the finer exponent so no digits are lost
		target := a.Exponent
		if b.Exponent < target {
			target = b.Exponent
		}
		var errA, errB error
		a, errA = a.ScaleToExponent(target)
		b, errB = b.ScaleToExponent(target)
		if errA != nil || errB != nil {
			// a value too large to rescale is larger than one that fits
			switch {
			case errA != nil && errB == nil:
				return 1
			case errA == nil && errB != nil:
				return -1
			}
			return 0
		}
	}
	switch {
	case a.Price < b.Price:
		return -1
	case a.Price > b.Price:
		return 1
	}
	return 0
}

func (p OraclePrice) Less(other OraclePrice) bool    { return p.Cmp(other) < 0 }
func (p OraclePrice) Greater(other OraclePrice) bool { return p.Cmp(other) > 0 }

func MinPrice(a, b OraclePrice) OraclePrice {
	if a.Less(b) {
		return a
	}
	return b
}

func MaxPrice(a, b OraclePrice) OraclePrice {
	if a.Greater(b) {
		return a
	}
	return b
}

// CheckedDiv returns p / other at PRICE_DECIMALS.
func (p OraclePrice) CheckedDiv(other OraclePrice) (OraclePrice, error) {
	v, err := math.DecimalDiv(p.Price, p.Exponent, other.Price, other.Exponent, -math.PriceDecimals)
	if err != nil {
		return OraclePrice{}, err
	}
	return OraclePrice{Price: v, Exponent: -math.PriceDecimals}, nil
}

// GetAssetAmountUSD converts a token amount with the given decimals into
// USD_DECIMALS.
func (p OraclePrice) GetAssetAmountUSD(amount uint64, decimals uint8) (uint64, error) {
	if amount == 0 || p.Price == 0 {
		return 0, nil
	}
	return math.DecimalMul(amount, -int32(decimals), p.Price, p.Exponent, -math.USDDecimals)
}

// GetTokenAmount converts a USD_DECIMALS amount into native token units.
func (p OraclePrice) GetTokenAmount(amountUSD uint64, decimals uint8) (uint64, error) {
	if amountUSD == 0 {
		return 0, nil
	}
	if p.Price == 0 {
		return 0, ErrInvalidOraclePrice
	}
	return math.DecimalDiv(amountUSD, -math.USDDecimals, p.Price, p.Exponent, -int32(decimals))
}
