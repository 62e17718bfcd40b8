package ledger

import (
	"fmt"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeCustodyVault
	SubTypeStakingVault
	SubTypeRewardVault
	SubTypeLMRewardVault
	SubTypeRealmDeposit

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeIssuance
)

// AccountKey is the in-memory key for balance tracking. Entity is the owner
// address for user accounts and the owning record id (custody, staking,
// realm) for system accounts. Mint names the token held.
type AccountKey struct {
	Scope   AccountScope
	Entity  string
	SubType AccountSubType
	Mint    string
}

// NewUserAccountKey creates a key for a user's token account
func NewUserAccountKey(owner string, mint string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Entity:  owner,
		SubType: SubTypeWallet,
		Mint:    mint,
	}
}

// NewSystemAccountKey creates a key for an engine-owned vault
func NewSystemAccountKey(entity string, subType AccountSubType, mint string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		Entity:  entity,
		SubType: subType,
		Mint:    mint,
	}
}

// NewExternalAccountKey creates a key for a boundary account
func NewExternalAccountKey(subType AccountSubType, mint string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Mint:    mint,
	}
}

// IssuanceAccount is the counterpart of every mint and burn of an
// engine-issued token; its negated balance is the circulating supply.
func IssuanceAccount(mint string) AccountKey {
	return NewExternalAccountKey(SubTypeIssuance, mint)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Entity, k.subTypeName(), k.Mint)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", k.Entity, k.subTypeName(), k.Mint)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Mint)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeCustodyVault:
		return "custody_vault"
	case SubTypeStakingVault:
		return "staking_vault"
	case SubTypeRewardVault:
		return "reward_vault"
	case SubTypeLMRewardVault:
		return "lm_reward_vault"
	case SubTypeRealmDeposit:
		return "realm_deposit"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeIssuance:
		return "issuance"
	default:
		return "unknown"
	}
}

// IsExternal reports whether the account may carry a negative balance.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}
