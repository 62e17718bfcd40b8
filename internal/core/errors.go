package core

import (
	"errors"

	"PerpPool/internal/governance"
	"PerpPool/internal/ledger"
	"PerpPool/internal/math"
	"PerpPool/internal/oracle"
	"PerpPool/internal/scheduler"
	"PerpPool/internal/state"
)

const (
	CodeOK       = "OK"
	CodeInternal = "INTERNAL"
)

// errorCodes is checked in order; the first match wins.
var errorCodes = []struct {
	err  error
	code string
}{
	{state.ErrInvalidArgument, "INVALID_ARGUMENT"},
	{state.ErrInvalidStakingLockingTime, "INVALID_STAKING_LOCKING_TIME"},
	{state.ErrInvalidVestingUnlockTime, "INVALID_VESTING_UNLOCK_TIME"},
	{state.ErrInstructionNotAllowed, "INSTRUCTION_NOT_ALLOWED"},
	{oracle.ErrStaleOracle, "STALE_ORACLE"},
	{oracle.ErrUnknownOracle, "STALE_ORACLE"},
	{oracle.ErrInvalidOraclePrice, "INVALID_ORACLE_PRICE"},
	{oracle.ErrMissingSignature, "PERMISSIONLESS_ORACLE_MISSING_SIGNATURE"},
	{oracle.ErrMalformedSigning, "PERMISSIONLESS_ORACLE_MALFORMED_ED25519_DATA"},
	{oracle.ErrSignatureMismatch, "PERMISSIONLESS_ORACLE_SIGNER_MISMATCH"},
	{state.ErrMaxPriceSlippage, "MAX_PRICE_SLIPPAGE"},
	{state.ErrTokenRatioOutOfRange, "TOKEN_RATIO_OUT_OF_RANGE"},
	{state.ErrUnsupportedToken, "UNSUPPORTED_TOKEN"},
	{state.ErrMaxLeverage, "MAX_LEVERAGE"},
	{state.ErrCustodyAmountLimit, "CUSTODY_AMOUNT_LIMIT"},
	{state.ErrInsufficientAmountReturned, "INSUFFICIENT_AMOUNT_RETURNED"},
	{state.ErrGenesisAlpLimitReached, "GENESIS_ALP_LIMIT_REACHED"},
	{state.ErrBucketMintLimit, "BUCKET_MINT_LIMIT"},
	{state.ErrInvalidStakingRoundState, "INVALID_STAKING_ROUND_STATE"},
	{state.ErrInvalidStakeState, "INVALID_STAKE_STATE"},
	{state.ErrUnresolvedStake, "UNRESOLVED_STAKE"},
	{state.ErrCannotFoundStake, "CANNOT_FOUND_STAKE"},
	{state.ErrInvalidCustodyState, "INVALID_CUSTODY_STATE"},
	{state.ErrInvalidCollateralCustody, "INVALID_COLLATERAL_CUSTODY"},
	{state.ErrInvalidPositionState, "INVALID_POSITION_STATE"},
	{state.ErrInvalidPoolState, "INVALID_POOL_STATE"},
	{math.ErrArithmeticOverflow, "ARITHMETIC_OVERFLOW"},
	{ledger.ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{governance.ErrInvalidGovernanceProgram, "INVALID_GOVERNANCE_PROGRAM"},
	{governance.ErrInvalidGovernanceRealm, "INVALID_GOVERNANCE_REALM"},
	{scheduler.ErrTaskExists, "INVALID_ARGUMENT"},
	{scheduler.ErrInvalidRule, "INVALID_ARGUMENT"},
	{scheduler.ErrTaskNotFound, "CANNOT_FOUND_STAKE"},
}

// ErrorCode maps a handler error to the single status code callers observe.
func ErrorCode(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
