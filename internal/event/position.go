package event

import "PerpPool/internal/state"

// OpenPosition opens a leveraged position on Mint backed by CollateralMint.
// Size is in Mint tokens, Collateral in CollateralMint tokens.
type OpenPosition struct {
	Header
	Owner          string     `json:"owner"`
	Pool           string     `json:"pool"`
	Mint           string     `json:"mint"`
	CollateralMint string     `json:"collateral_mint"`
	Side           state.Side `json:"side"`
	PriceLimit     uint64     `json:"price_limit"`
	Collateral     uint64     `json:"collateral"`
	Size           uint64     `json:"size"`
}

func (o *OpenPosition) OpType() OpType {
	return OpOpenPosition
}

// PositionRef addresses the single position of an owner per custody and
// side.
type PositionRef struct {
	Owner string     `json:"owner"`
	Pool  string     `json:"pool"`
	Mint  string     `json:"mint"`
	Side  state.Side `json:"side"`
}

type ClosePosition struct {
	Header
	PositionRef
	PriceLimit uint64 `json:"price_limit"`
}

func (c *ClosePosition) OpType() OpType {
	return OpClosePosition
}

// Liquidate may be sent by anyone; the caller earns a share of the
// liquidation fee.
type Liquidate struct {
	Header
	PositionRef
}

func (l *Liquidate) OpType() OpType {
	return OpLiquidate
}

// RemoveCollateral withdraws CollateralUSD worth of collateral.
type RemoveCollateral struct {
	Header
	PositionRef
	CollateralUSD uint64 `json:"collateral_usd"`
}

func (r *RemoveCollateral) OpType() OpType {
	return OpRemoveCollateral
}
