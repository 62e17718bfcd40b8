package state

import "errors"

// Input
var (
	ErrInvalidArgument           = errors.New("invalid argument")
	ErrInvalidStakingLockingTime = errors.New("invalid staking locking time")
	ErrInvalidVestingUnlockTime  = errors.New("invalid vesting unlock time")
)

// Permission
var ErrInstructionNotAllowed = errors.New("instruction not allowed")

// Pricing
var (
	ErrMaxPriceSlippage     = errors.New("max price slippage exceeded")
	ErrTokenRatioOutOfRange = errors.New("token ratio out of range")
	ErrUnsupportedToken     = errors.New("unsupported token")
)

// Risk
var (
	ErrMaxLeverage                = errors.New("leverage out of allowed range")
	ErrCustodyAmountLimit         = errors.New("custody amount limit")
	ErrInsufficientAmountReturned = errors.New("insufficient amount returned")
	ErrGenesisAlpLimitReached     = errors.New("genesis liquidity limit reached")
	ErrBucketMintLimit            = errors.New("bucket mint limit reached")
)

// State
var (
	ErrInvalidStakingRoundState = errors.New("invalid staking round state")
	ErrInvalidStakeState        = errors.New("invalid stake state")
	ErrUnresolvedStake          = errors.New("locked stake is not resolved")
	ErrCannotFoundStake         = errors.New("stake not found")
	ErrInvalidCustodyState      = errors.New("invalid custody state")
	ErrInvalidCollateralCustody = errors.New("invalid collateral custody")
	ErrInvalidPositionState     = errors.New("invalid position state")
	ErrInvalidPoolState         = errors.New("invalid pool state")
)
