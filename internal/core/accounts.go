package core

import (
	"fmt"

	"PerpPool/internal/governance"
	"PerpPool/internal/ledger"
	"PerpPool/internal/oracle"
	"PerpPool/internal/state"
)

// --- Account keys ---

func custodyVault(c *state.Custody) ledger.AccountKey {
	return ledger.NewSystemAccountKey(c.ID, ledger.SubTypeCustodyVault, c.Mint)
}

func stakingVault(s *state.Staking) ledger.AccountKey {
	return ledger.NewSystemAccountKey(s.ID, ledger.SubTypeStakingVault, s.StakedTokenMint)
}

func rewardVault(s *state.Staking) ledger.AccountKey {
	return ledger.NewSystemAccountKey(s.ID, ledger.SubTypeRewardVault, s.RewardTokenMint)
}

func lmRewardVault(s *state.Staking) ledger.AccountKey {
	return ledger.NewSystemAccountKey(s.ID, ledger.SubTypeLMRewardVault, state.LMMint)
}

func wallet(owner, mint string) ledger.AccountKey {
	return ledger.NewUserAccountKey(owner, mint)
}

// Exported account keys of engine records, for readers.
func WalletAccount(owner, mint string) ledger.AccountKey { return wallet(owner, mint) }
func CustodyVault(c *state.Custody) ledger.AccountKey    { return custodyVault(c) }
func StakingVault(s *state.Staking) ledger.AccountKey    { return stakingVault(s) }
func RewardVault(s *state.Staking) ledger.AccountKey     { return rewardVault(s) }
func LMRewardVault(s *state.Staking) ledger.AccountKey   { return lmRewardVault(s) }

// isEngineMint reports mints only the engine may issue.
func isEngineMint(mint string) bool {
	return mint == state.LMMint || mint == state.GovernanceMint || (len(mint) > 3 && mint[:3] == "LP-")
}

// --- Gates ---

func (e *Engine) requireAdmin() error {
	if e.caller != e.st.Perpetuals.Admin {
		return fmt.Errorf("%w: %s is not the admin", state.ErrInstructionNotAllowed, e.caller)
	}
	return nil
}

func (e *Engine) requireOwner(owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: empty owner", state.ErrInvalidArgument)
	}
	if e.caller != owner {
		return fmt.Errorf("%w: %s cannot act for %s", state.ErrInstructionNotAllowed, e.caller, owner)
	}
	return nil
}

func (e *Engine) isKeeper() bool {
	k := e.st.Perpetuals.Keeper
	return k != "" && e.caller == k
}

func notAllowed(what string) error {
	return fmt.Errorf("%w: %s disabled", state.ErrInstructionNotAllowed, what)
}

// poolCustody resolves a pool and one of its custodies by mint.
func (e *Engine) poolCustody(pool, mint string) (*state.Pool, *state.Custody, int, error) {
	p, err := e.st.Pool(pool)
	if err != nil {
		return nil, nil, 0, err
	}
	c, err := e.st.Custody(state.CustodyID(pool, mint))
	if err != nil {
		return nil, nil, 0, err
	}
	idx, err := p.TokenIndex(c.ID)
	if err != nil {
		return nil, nil, 0, err
	}
	return p, c, idx, nil
}

// --- Prices ---

// prices reads a custody's spot and EMA. Custodies without an oracle are
// priced at 1 USD.
func (e *Engine) prices(c *state.Custody) (state.TokenPrices, error) {
	return readPrices(e.book, c, e.now)
}

func readPrices(book *oracle.Book, c *state.Custody, now int64) (state.TokenPrices, error) {
	if c.Oracle.Kind == oracle.KindNone {
		return state.USDPrices(), nil
	}
	spot, ema, err := book.Read(c.Oracle, now, c.Pricing.UseEMA)
	if err != nil {
		return state.TokenPrices{}, fmt.Errorf("custody %s: %w", c.ID, err)
	}
	return state.TokenPrices{Spot: spot, EMA: ema}, nil
}

// CustodyPrices reads one custody's spot and EMA as of now.
func CustodyPrices(book *oracle.Book, c *state.Custody, now int64) (state.TokenPrices, error) {
	return readPrices(book, c, now)
}

// PoolPrices reads the prices of every custody of a pool.
func PoolPrices(st *state.State, book *oracle.Book, p *state.Pool, now int64) (map[string]state.TokenPrices, error) {
	out := make(map[string]state.TokenPrices, len(p.Tokens))
	for _, t := range p.Tokens {
		c, err := st.Custody(t.Custody)
		if err != nil {
			return nil, err
		}
		tp, err := readPrices(book, c, now)
		if err != nil {
			return nil, err
		}
		out[c.ID] = tp
	}
	return out, nil
}

// refreshAUM recomputes the cached pool AUM at EMA prices.
func (e *Engine) refreshAUM(p *state.Pool) error {
	aum, err := e.aum(p, state.AUMModeEMA)
	if err != nil {
		return err
	}
	p.AUMUSD = aum
	if e.metrics != nil {
		e.metrics.PoolAUMUSD.WithLabelValues(p.Name).Set(float64(aum))
	}
	return nil
}

func (e *Engine) aum(p *state.Pool, mode state.AUMMode) (uint64, error) {
	prices, err := PoolPrices(e.st, e.book, p, e.now)
	if err != nil {
		return 0, err
	}
	return p.GetAUM(mode, e.st.Custodies, prices)
}

func (e *Engine) lpSupply(p *state.Pool) uint64 {
	return e.tracker.Supply(p.LPMint)
}

// --- Governance ---

func (e *Engine) realm() (*governance.Realm, error) {
	cx := e.st.Cortex
	return governance.NewRealm(cx.GovernanceRealm, cx.GovernanceProgram, state.GovernanceMint, e.journals)
}

// --- LM rewards ---

// mintLMReward pays owner the liquidity-mining reward of a fee worth
// feeUSD, from the ecosystem bucket.
func (e *Engine) mintLMReward(owner string, feeUSD uint64) (uint64, error) {
	amount, err := e.st.Cortex.GetLMRewardsAmount(feeUSD, e.now)
	if err != nil || amount == 0 {
		return 0, err
	}
	if err := e.mintFromBucket(state.BucketEcosystem, wallet(owner, state.LMMint), amount); err != nil {
		return 0, err
	}
	return amount, nil
}

func (e *Engine) mintFromBucket(bucket state.BucketName, to ledger.AccountKey, amount uint64) error {
	if err := e.st.Cortex.Mint(bucket, amount); err != nil {
		return err
	}
	jt := ledger.JournalTypeBucketMint
	if bucket == state.BucketEcosystem {
		jt = ledger.JournalTypeLMEmission
	}
	if err := e.journals.Mint(to, amount, jt); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.LMEmitted.WithLabelValues(bucket.String()).Add(float64(amount))
	}
	return nil
}
