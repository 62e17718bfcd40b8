package event

// AddLiquidity deposits AmountIn of Mint into Pool for LP tokens.
type AddLiquidity struct {
	Header
	Owner          string `json:"owner"`
	Pool           string `json:"pool"`
	Mint           string `json:"mint"`
	AmountIn       uint64 `json:"amount_in"`
	MinLPAmountOut uint64 `json:"min_lp_amount_out"`
}

func (a *AddLiquidity) OpType() OpType {
	return OpAddLiquidity
}

// AddGenesisLiquidity bootstraps a pool: no fee, no ratio check, and the LP
// tokens go straight into a locked stake of the depositor.
type AddGenesisLiquidity struct {
	Header
	Owner            string `json:"owner"`
	Pool             string `json:"pool"`
	Mint             string `json:"mint"`
	AmountIn         uint64 `json:"amount_in"`
	MinLPAmountOut   uint64 `json:"min_lp_amount_out"`
	ResolutionTaskID string `json:"resolution_task_id"`
}

func (a *AddGenesisLiquidity) OpType() OpType {
	return OpAddGenesisLiquidity
}

type RemoveLiquidity struct {
	Header
	Owner        string `json:"owner"`
	Pool         string `json:"pool"`
	Mint         string `json:"mint"`
	LPAmountIn   uint64 `json:"lp_amount_in"`
	MinAmountOut uint64 `json:"min_amount_out"`
}

func (r *RemoveLiquidity) OpType() OpType {
	return OpRemoveLiquidity
}

type Swap struct {
	Header
	Owner        string `json:"owner"`
	Pool         string `json:"pool"`
	MintIn       string `json:"mint_in"`
	MintOut      string `json:"mint_out"`
	AmountIn     uint64 `json:"amount_in"`
	MinAmountOut uint64 `json:"min_amount_out"`
}

func (s *Swap) OpType() OpType {
	return OpSwap
}
