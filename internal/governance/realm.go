// Package governance mirrors staked positions as voting power in a realm.
package governance

import (
	"errors"
	"fmt"

	"PerpPool/internal/ledger"
)

var (
	ErrInvalidGovernanceRealm   = errors.New("governance: invalid realm")
	ErrInvalidGovernanceProgram = errors.New("governance: invalid program")
)

// Adapter grants and revokes governing power on behalf of stakers.
type Adapter interface {
	AddGoverningPower(owner string, amount uint64) error
	// RemoveGoverningPower revokes up to amount and returns what was revoked.
	RemoveGoverningPower(owner string, amount uint64) (uint64, error)
	GoverningPower(owner string) uint64
}

// Books is the token ledger a realm records deposits in.
type Books interface {
	Mint(to ledger.AccountKey, amount uint64, jt ledger.JournalType) error
	Burn(from ledger.AccountKey, amount uint64, jt ledger.JournalType) error
	Available(key ledger.AccountKey) uint64
}

// Realm holds shadow governance tokens per owner. The tokens only exist in
// realm deposit accounts, so nobody can transfer them.
type Realm struct {
	name    string
	program string
	mint    string
	books   Books
}

var _ Adapter = (*Realm)(nil)

func NewRealm(name, program, mint string, books Books) (*Realm, error) {
	if name == "" {
		return nil, ErrInvalidGovernanceRealm
	}
	if program == "" {
		return nil, ErrInvalidGovernanceProgram
	}
	if mint == "" || books == nil {
		return nil, fmt.Errorf("%w: realm %s has no token ledger", ErrInvalidGovernanceRealm, name)
	}
	return &Realm{name: name, program: program, mint: mint, books: books}, nil
}

func (r *Realm) Name() string    { return r.name }
func (r *Realm) Program() string { return r.program }

// DepositAccount is where owner's governing power is held.
func (r *Realm) DepositAccount(owner string) ledger.AccountKey {
	return ledger.NewSystemAccountKey(r.name+"/"+owner, ledger.SubTypeRealmDeposit, r.mint)
}

func (r *Realm) AddGoverningPower(owner string, amount uint64) error {
	if err := r.books.Mint(r.DepositAccount(owner), amount, ledger.JournalTypeGovernancePower); err != nil {
		return fmt.Errorf("grant %d to %s: %w", amount, owner, err)
	}
	return nil
}

// RemoveGoverningPower never revokes more than the current deposit.
func (r *Realm) RemoveGoverningPower(owner string, amount uint64) (uint64, error) {
	key := r.DepositAccount(owner)
	revoke := min(amount, r.books.Available(key))
	if err := r.books.Burn(key, revoke, ledger.JournalTypeGovernancePower); err != nil {
		return 0, fmt.Errorf("revoke %d from %s: %w", revoke, owner, err)
	}
	return revoke, nil
}

func (r *Realm) GoverningPower(owner string) uint64 {
	return r.books.Available(r.DepositAccount(owner))
}
