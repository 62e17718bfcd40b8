package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command of the given operation.
func New(op OpType) (Command, error) {
	switch op {
	case OpInit:
		return &Init{}, nil
	case OpAddPool:
		return &AddPool{}, nil
	case OpAddCustody:
		return &AddCustody{}, nil
	case OpSetCustodyConfig:
		return &SetCustodyConfig{}, nil
	case OpSetOraclePrice:
		return &SetOraclePrice{}, nil
	case OpDeposit:
		return &Deposit{}, nil
	case OpWithdraw:
		return &Withdraw{}, nil
	case OpAddLiquidity:
		return &AddLiquidity{}, nil
	case OpAddGenesisLiquidity:
		return &AddGenesisLiquidity{}, nil
	case OpRemoveLiquidity:
		return &RemoveLiquidity{}, nil
	case OpSwap:
		return &Swap{}, nil
	case OpOpenPosition:
		return &OpenPosition{}, nil
	case OpClosePosition:
		return &ClosePosition{}, nil
	case OpLiquidate:
		return &Liquidate{}, nil
	case OpRemoveCollateral:
		return &RemoveCollateral{}, nil
	case OpAddLiquidStake:
		return &AddLiquidStake{}, nil
	case OpAddLockedStake:
		return &AddLockedStake{}, nil
	case OpRemoveLiquidStake:
		return &RemoveLiquidStake{}, nil
	case OpRemoveLockedStake:
		return &RemoveLockedStake{}, nil
	case OpClaimStakes:
		return &ClaimStakes{}, nil
	case OpResolveStakingRound:
		return &ResolveStakingRound{}, nil
	case OpFinalizeLockedStake:
		return &FinalizeLockedStake{}, nil
	case OpWithdrawFees:
		return &WithdrawFees{}, nil
	case OpMintLMTokensFromBucket:
		return &MintLMTokensFromBucket{}, nil
	case OpAddVest:
		return &AddVest{}, nil
	case OpClaimVest:
		return &ClaimVest{}, nil
	case OpSetBorrowRate:
		return &SetBorrowRate{}, nil
	case OpUpdatePoolAUM:
		return &UpdatePoolAUM{}, nil
	case OpSetCustomOraclePricePermissionless:
		return &SetCustomOraclePricePermissionless{}, nil
	}
	return nil, fmt.Errorf("unknown operation: %d", op)
}

// Decode parses a JSON payload into the command of op.
func Decode(op OpType, payload []byte) (Command, error) {
	cmd, err := New(op)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", op, err)
	}
	return cmd, nil
}

// Encode is the payload stored in the envelope.
func Encode(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}
