package event

// Withdraw moves tokens from the owner's wallet out of the system.
type Withdraw struct {
	Header
	Owner  string `json:"owner"`
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
}

func (w *Withdraw) OpType() OpType {
	return OpWithdraw
}

// WithdrawFees pays accrued protocol fees of a custody to Receiver.
type WithdrawFees struct {
	Header
	Pool     string `json:"pool"`
	Mint     string `json:"mint"`
	Amount   uint64 `json:"amount"`
	Receiver string `json:"receiver"`
}

func (w *WithdrawFees) OpType() OpType {
	return OpWithdrawFees
}
