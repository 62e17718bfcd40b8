package event

// Staking commands address a staking by id: "lm" or "lp/<pool>".

type AddLiquidStake struct {
	Header
	Owner   string `json:"owner"`
	Staking string `json:"staking"`
	Amount  uint64 `json:"amount"`
}

func (a *AddLiquidStake) OpType() OpType {
	return OpAddLiquidStake
}

type AddLockedStake struct {
	Header
	Owner            string `json:"owner"`
	Staking          string `json:"staking"`
	Amount           uint64 `json:"amount"`
	LockedDays       uint32 `json:"locked_days"`
	ResolutionTaskID string `json:"resolution_task_id"`
}

func (a *AddLockedStake) OpType() OpType {
	return OpAddLockedStake
}

type RemoveLiquidStake struct {
	Header
	Owner   string `json:"owner"`
	Staking string `json:"staking"`
	Amount  uint64 `json:"amount"`
}

func (r *RemoveLiquidStake) OpType() OpType {
	return OpRemoveLiquidStake
}

type RemoveLockedStake struct {
	Header
	Owner   string `json:"owner"`
	Staking string `json:"staking"`
	Index   int    `json:"index"`
}

func (r *RemoveLockedStake) OpType() OpType {
	return OpRemoveLockedStake
}

// ClaimStakes is sent by the owner or, for the auto-claim cron, by the
// keeper on the owner's behalf.
type ClaimStakes struct {
	Header
	Owner   string `json:"owner"`
	Staking string `json:"staking"`
}

func (c *ClaimStakes) OpType() OpType {
	return OpClaimStakes
}

type ResolveStakingRound struct {
	Header
	Staking string `json:"staking"`
}

func (r *ResolveStakingRound) OpType() OpType {
	return OpResolveStakingRound
}

type FinalizeLockedStake struct {
	Header
	Owner            string `json:"owner"`
	Staking          string `json:"staking"`
	ResolutionTaskID string `json:"resolution_task_id"`
}

func (f *FinalizeLockedStake) OpType() OpType {
	return OpFinalizeLockedStake
}
