package event

// Deposit credits tokens that arrived from outside into the owner's wallet.
// Idempotency key: upstream transfer id.
type Deposit struct {
	Header
	Owner  string `json:"owner"`
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
}

func (d *Deposit) OpType() OpType {
	return OpDeposit
}
