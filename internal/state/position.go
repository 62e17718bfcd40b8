// internal/state/position.go
package state

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Side of a leveraged position
type Side uint8

const (
	SideNone Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "none"
	}
}

// Opposite returns the side used for exit pricing.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideNone
	}
}

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	}
	return SideNone, fmt.Errorf("%w: side %q", ErrInvalidArgument, s)
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	if string(b) == "none" {
		*s = SideNone
		return nil
	}
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

var positionNamespace = uuid.MustParse("0b7c2f55-9d1e-4b8f-a3c6-5e2d7f9a1c44")

// PositionID derives the id of the single position an owner can hold per
// custody and side.
func PositionID(owner, pool, custody string, side Side) uuid.UUID {
	return uuid.NewSHA1(positionNamespace, []byte(owner+"|"+pool+"|"+custody+"|"+side.String()))
}

// Position is one leveraged claim against a pool. Prices carry
// PRICE_DECIMALS, *_usd fields USD_DECIMALS, amounts the collateral
// custody's decimals.
type Position struct {
	ID                         uuid.UUID `json:"id"`
	Owner                      string    `json:"owner"`
	Pool                       string    `json:"pool"`
	Custody                    string    `json:"custody"`
	CollateralCustody          string    `json:"collateral_custody"`
	OpenTime                   int64     `json:"open_time"`
	UpdateTime                 int64     `json:"update_time"`
	Side                       Side      `json:"side"`
	Price                      uint64    `json:"price"`
	SizeUSD                    uint64    `json:"size_usd"`
	BorrowSizeUSD              uint64    `json:"borrow_size_usd"`
	CollateralUSD              uint64    `json:"collateral_usd"`
	UnrealizedProfitUSD        uint64    `json:"unrealized_profit_usd"`
	UnrealizedLossUSD          uint64    `json:"unrealized_loss_usd"`
	CumulativeInterestSnapshot uint64    `json:"cumulative_interest_snapshot"`
	LockedAmount               uint64    `json:"locked_amount"`
	CollateralAmount           uint64    `json:"collateral_amount"`
}

// Validate checks the invariants of a freshly opened position.
func (p *Position) Validate() error {
	if p.Side == SideNone {
		return fmt.Errorf("%w: position side", ErrInvalidPositionState)
	}
	if p.Price == 0 || p.SizeUSD == 0 {
		return fmt.Errorf("%w: zero price or size", ErrInvalidPositionState)
	}
	if p.CollateralAmount == 0 || p.LockedAmount == 0 {
		return fmt.Errorf("%w: zero collateral or locked amount", ErrInvalidPositionState)
	}
	return nil
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p.Side == SideNone || p.SizeUSD == 0
}

func (p *Position) Clone() *Position {
	c := *p
	return &c
}
