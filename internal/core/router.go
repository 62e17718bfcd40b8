package core

import (
	"fmt"

	"PerpPool/internal/ledger"
	"PerpPool/internal/math"
	"PerpPool/internal/state"
)

// FeeDistribution splits a collected fee. The four slices sum to the fee.
type FeeDistribution struct {
	ProtocolFee        uint64 `json:"protocol_fee"`
	LMStakersFee       uint64 `json:"lm_stakers_fee"`
	LockedLPStakersFee uint64 `json:"locked_lp_stakers_fee"`
	LPOrganicFee       uint64 `json:"lp_organic_fee"`
}

// ComputeFeeDistribution splits a fee. lockedLP is the LP locked in the
// pool's staking, lpSupply the LP in circulation.
func ComputeFeeDistribution(fee, protocolShare, lmStakersShare, lockedLP, lpSupply uint64) (FeeDistribution, error) {
	var d FeeDistribution
	if fee == 0 {
		return d, nil
	}
	var err error
	if d.ProtocolFee, err = math.MulDiv(fee, protocolShare, math.BPSPower, math.RoundUp); err != nil {
		return d, err
	}
	d.ProtocolFee = math.MinU64(d.ProtocolFee, fee)
	rest := fee - d.ProtocolFee

	if d.LMStakersFee, err = math.MulDiv(rest, lmStakersShare, math.BPSPower, math.RoundDown); err != nil {
		return d, err
	}
	lpShare := rest - d.LMStakersFee
	if lpSupply > 0 && lockedLP > 0 {
		if d.LockedLPStakersFee, err = math.MulDiv(lpShare, math.MinU64(lockedLP, lpSupply), lpSupply, math.RoundDown); err != nil {
			return d, err
		}
	}
	d.LPOrganicFee = lpShare - d.LockedLPStakersFee
	return d, nil
}

// distributeFees routes a fee the handler already credited to c's owned
// assets: the protocol slice moves to protocol_fees, the staker slices to
// the reward vaults, and the organic slice stays with the LPs.
func (e *Engine) distributeFees(p *state.Pool, c *state.Custody, fee uint64) (FeeDistribution, error) {
	if fee == 0 {
		return FeeDistribution{}, nil
	}
	lpStaking, err := e.st.Staking(state.LPStakingID(p.Name))
	if err != nil {
		return FeeDistribution{}, err
	}
	d, err := ComputeFeeDistribution(fee, c.Fees.ProtocolShare, e.st.Cortex.LMStakersFeeShare, lpStaking.NbLockedTokens, e.lpSupply(p))
	if err != nil {
		return FeeDistribution{}, err
	}

	rc, ok := e.st.CustodyByMint(p.Name, e.st.Perpetuals.RewardTokenMint)
	if !ok || rc.IsVirtual {
		d.LPOrganicFee += d.LMStakersFee + d.LockedLPStakersFee
		d.LMStakersFee, d.LockedLPStakersFee = 0, 0
	}

	if d.ProtocolFee > 0 {
		if c.Assets.Owned, err = math.CheckedSub(c.Assets.Owned, d.ProtocolFee); err != nil {
			return d, err
		}
		if c.Assets.ProtocolFees, err = math.CheckedAdd(c.Assets.ProtocolFees, d.ProtocolFee); err != nil {
			return d, err
		}
	}

	lmStaking, err := e.st.Staking(state.LMStakingID)
	if err != nil {
		return d, err
	}
	if err := e.routeToStakers(p, c, rc, lmStaking, d.LMStakersFee); err != nil {
		return d, fmt.Errorf("lm stakers fee: %w", err)
	}
	if err := e.routeToStakers(p, c, rc, lpStaking, d.LockedLPStakersFee); err != nil {
		return d, fmt.Errorf("locked lp stakers fee: %w", err)
	}

	if err := c.RefreshBorrowRate(); err != nil {
		return d, err
	}
	if rc != nil && rc.ID != c.ID {
		if err := rc.RefreshBorrowRate(); err != nil {
			return d, err
		}
	}
	if err := e.refreshAUM(p); err != nil {
		return d, err
	}

	e.log.Debug().
		Str("custody", c.ID).
		Uint64("fee", fee).
		Uint64("protocol", d.ProtocolFee).
		Uint64("lm_stakers", d.LMStakersFee).
		Uint64("locked_lp_stakers", d.LockedLPStakersFee).
		Uint64("organic", d.LPOrganicFee).
		Msg("fee routed")
	return d, nil
}

// routeToStakers pays a slice of c's owned assets into the staking's reward
// vault, converting it to the reward mint through rc when needed.
func (e *Engine) routeToStakers(p *state.Pool, c, rc *state.Custody, s *state.Staking, slice uint64) error {
	if slice == 0 {
		return nil
	}
	if c.ID == rc.ID {
		if slice > c.Available() {
			return fmt.Errorf("%w: %s has %d available, routing %d", state.ErrCustodyAmountLimit, c.ID, c.Available(), slice)
		}
		c.Assets.Owned -= slice
		return e.journals.Transfer(custodyVault(c), rewardVault(s), slice, ledger.JournalTypeFeeRoute)
	}

	out, err := e.swapInternal(p, c, rc, slice)
	if err != nil {
		return err
	}
	return e.journals.Transfer(custodyVault(rc), rewardVault(s), out, ledger.JournalTypeFeeRoute)
}

// swapInternal converts amount of cin, already held in its owned assets,
// into cout at swap prices, without fees or ratio checks, and releases the
// output from cout's owned assets. It never routes fees, so it cannot
// re-enter the router.
func (e *Engine) swapInternal(p *state.Pool, cin, cout *state.Custody, amount uint64) (uint64, error) {
	pin, err := e.prices(cin)
	if err != nil {
		return 0, err
	}
	pout, err := e.prices(cout)
	if err != nil {
		return 0, err
	}
	out, err := p.GetSwapAmount(pin, pout, cin, cout, amount)
	if err != nil {
		return 0, err
	}
	if out > cout.Available() {
		return 0, fmt.Errorf("%w: %s has %d available, internal swap needs %d", state.ErrCustodyAmountLimit, cout.ID, cout.Available(), out)
	}
	cout.Assets.Owned -= out
	if e.metrics != nil {
		e.metrics.InternalSwapsTotal.WithLabelValues(p.Name).Inc()
	}
	return out, nil
}
