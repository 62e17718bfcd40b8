package core

import (
	"errors"
	"fmt"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/math"
	"PerpPool/internal/oracle"
	"PerpPool/internal/state"
)

var errAlreadyInitialized = errors.New("engine already initialized")

// ============================================================================
// init
// ============================================================================

func (e *Engine) handleInit(cmd *event.Init) (any, error) {
	if e.st.Initialized() {
		return nil, fmt.Errorf("%w: %w", state.ErrInstructionNotAllowed, errAlreadyInitialized)
	}
	if cmd.Admin == "" || cmd.RewardTokenMint == "" {
		return nil, fmt.Errorf("%w: admin and reward mint are required", state.ErrInvalidArgument)
	}
	if isEngineMint(cmd.RewardTokenMint) {
		return nil, fmt.Errorf("%w: reward mint %s is issued by the engine", state.ErrInvalidArgument, cmd.RewardTokenMint)
	}
	if cmd.MinSignatures == 0 {
		return nil, fmt.Errorf("%w: min signatures", state.ErrInvalidArgument)
	}
	if cmd.LMStakersFeeShare > math.BPSPower {
		return nil, fmt.Errorf("%w: lm stakers fee share %d", state.ErrInvalidArgument, cmd.LMStakersFeeShare)
	}

	cx := state.NewCortex([4]uint64{
		cmd.CoreContributorAllocation,
		cmd.DAOTreasuryAllocation,
		cmd.POLAllocation,
		cmd.EcosystemAllocation,
	}, e.now)
	if cmd.LMStakersFeeShare > 0 {
		cx.LMStakersFeeShare = cmd.LMStakersFeeShare
	}
	cx.GovernanceRealm = cmd.GovernanceRealm
	cx.GovernanceProgram = cmd.GovernanceProgram
	e.st.Cortex = cx
	if _, err := e.realm(); err != nil {
		return nil, err
	}

	e.st.Perpetuals = &state.Perpetuals{
		Permissions:         cmd.Permissions,
		MinSignatures:       cmd.MinSignatures,
		Admin:               cmd.Admin,
		Keeper:              cmd.Keeper,
		RewardTokenMint:     cmd.RewardTokenMint,
		RewardTokenDecimals: cmd.RewardTokenDecimals,
		InceptionTime:       e.now,
	}

	lm := state.NewStaking(state.LMStakingID, state.StakingTypeLM, state.LMMint, math.LMDecimals, cmd.RewardTokenMint, cmd.RewardTokenDecimals, e.now)
	lm.LMEmissionPerRound = cmd.LMEmissionPerRound
	e.st.Stakings[lm.ID] = lm

	e.log.Info().
		Str("admin", cmd.Admin).
		Str("keeper", cmd.Keeper).
		Str("reward_mint", cmd.RewardTokenMint).
		Msg("engine initialized")
	return nil, nil
}

// ============================================================================
// add_pool
// ============================================================================

func (e *Engine) handleAddPool(cmd *event.AddPool) (any, error) {
	if err := e.requireAdmin(); err != nil {
		return nil, err
	}
	if _, ok := e.st.Pools[cmd.Name]; ok {
		return nil, fmt.Errorf("%w: pool %s exists", state.ErrInvalidPoolState, cmd.Name)
	}
	p := &state.Pool{
		Name:          cmd.Name,
		LPMint:        state.LPMintFor(cmd.Name),
		InceptionTime: e.now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	perp := e.st.Perpetuals
	lp := state.NewStaking(state.LPStakingID(cmd.Name), state.StakingTypeLP, p.LPMint, math.LPDecimals, perp.RewardTokenMint, perp.RewardTokenDecimals, e.now)
	lp.Pool = cmd.Name
	lp.LMEmissionPerRound = cmd.LMEmissionPerRound

	e.st.Pools[p.Name] = p
	e.st.Stakings[lp.ID] = lp

	e.log.Info().Str("pool", p.Name).Str("lp_mint", p.LPMint).Msg("pool added")
	return &event.PoolAdded{Pool: p.Name, LPMint: p.LPMint, Staking: lp.ID}, nil
}

// ============================================================================
// add_custody / set_custody_config
// ============================================================================

func applyCustodyConfig(c *state.Custody, cfg event.CustodyConfig) {
	c.IsStable = cfg.IsStable
	c.IsVirtual = cfg.IsVirtual
	c.Oracle = cfg.Oracle
	c.Pricing = cfg.Pricing
	c.Permissions = cfg.Permissions
	c.Fees = cfg.Fees
	c.BorrowRate.BorrowRateCurve = cfg.BorrowRate
	c.GenesisLimitUSD = cfg.GenesisLimitUSD
}

func (e *Engine) handleAddCustody(cmd *event.AddCustody) (any, error) {
	if err := e.requireAdmin(); err != nil {
		return nil, err
	}
	p, err := e.st.Pool(cmd.Pool)
	if err != nil {
		return nil, err
	}
	if cmd.Mint == "" || isEngineMint(cmd.Mint) {
		return nil, fmt.Errorf("%w: custody mint %q", state.ErrUnsupportedToken, cmd.Mint)
	}
	if cmd.Decimals > 18 {
		return nil, fmt.Errorf("%w: %d decimals", state.ErrUnsupportedToken, cmd.Decimals)
	}
	id := state.CustodyID(cmd.Pool, cmd.Mint)
	if _, ok := e.st.Custodies[id]; ok {
		return nil, fmt.Errorf("%w: custody %s exists", state.ErrInvalidCustodyState, id)
	}

	c := &state.Custody{
		ID:         id,
		Pool:       cmd.Pool,
		Mint:       cmd.Mint,
		Decimals:   cmd.Decimals,
		BorrowRate: state.BorrowRateState{LastUpdate: e.now},
	}
	applyCustodyConfig(c, cmd.CustodyConfig)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := c.RefreshBorrowRate(); err != nil {
		return nil, err
	}

	p.Tokens = append(p.Tokens, state.PoolToken{Custody: id})
	ratios := cmd.Ratios
	if len(ratios) != len(p.Tokens) {
		ratios = state.EqualRatios(len(p.Tokens))
	}
	if err := p.SetRatios(ratios); err != nil {
		return nil, err
	}
	e.st.Custodies[id] = c

	e.log.Info().
		Str("pool", p.Name).
		Str("custody", id).
		Bool("virtual", c.IsVirtual).
		Bool("stable", c.IsStable).
		Msg("custody added")
	return &event.CustodyAdded{Custody: id}, nil
}

func (e *Engine) handleSetCustodyConfig(cmd *event.SetCustodyConfig) (any, error) {
	if err := e.requireAdmin(); err != nil {
		return nil, err
	}
	p, c, _, err := e.poolCustody(cmd.Pool, cmd.Mint)
	if err != nil {
		return nil, err
	}
	if err := c.UpdateBorrowRate(e.now); err != nil {
		return nil, err
	}
	if cmd.IsVirtual && !c.IsVirtual && c.Assets.Owned > 0 {
		return nil, fmt.Errorf("%w: %s holds liquidity", state.ErrInvalidCustodyState, c.ID)
	}
	applyCustodyConfig(c, cmd.CustodyConfig)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := c.RefreshBorrowRate(); err != nil {
		return nil, err
	}
	if len(cmd.Ratios) > 0 {
		if err := p.SetRatios(cmd.Ratios); err != nil {
			return nil, err
		}
	}

	e.log.Info().Str("custody", c.ID).Msg("custody config updated")
	return nil, nil
}

// ============================================================================
// set_oracle_price / set_custom_oracle_price_permissionless
// ============================================================================

func (e *Engine) handleSetOraclePrice(cmd *event.SetOraclePrice) (any, error) {
	if err := e.requireAdmin(); err != nil && !e.isKeeper() {
		return nil, err
	}
	publish := cmd.PublishTime
	if publish == 0 {
		publish = e.now
	}
	return nil, e.book.Set(cmd.AccountRef, oracle.PriceRecord{
		Price:       cmd.Price,
		Exponent:    cmd.Exponent,
		Confidence:  cmd.Confidence,
		EMA:         cmd.EMA,
		PublishTime: publish,
	})
}

// handleSetCustomOraclePricePermissionless accepts a price from anyone as
// long as the custody's oracle authority signed it. An update no newer
// than the published record is ignored.
func (e *Engine) handleSetCustomOraclePricePermissionless(cmd *event.SetCustomOraclePricePermissionless) (any, error) {
	_, c, _, err := e.poolCustody(cmd.Pool, cmd.Mint)
	if err != nil {
		return nil, err
	}
	if c.Oracle.Kind != oracle.KindCustom {
		return nil, fmt.Errorf("%w: %s is not priced by a custom oracle", oracle.ErrInvalidOraclePrice, c.ID)
	}
	ref := c.Oracle.AccountRef
	prev, ok := e.book.Get(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", oracle.ErrUnknownOracle, ref)
	}
	out := &event.OraclePriceRelayed{AccountRef: ref}
	if cmd.PublishTime <= prev.PublishTime {
		e.log.Debug().
			Str("custody", c.ID).
			Int64("publish_time", cmd.PublishTime).
			Int64("published", prev.PublishTime).
			Msg("stale relayed price ignored")
		return out, nil
	}

	signed := oracle.SignedPrice{
		Custody: c.ID,
		Record: oracle.PriceRecord{
			Price:       cmd.Price,
			Exponent:    cmd.Exponent,
			Confidence:  cmd.Confidence,
			EMA:         cmd.EMA,
			PublishTime: cmd.PublishTime,
		},
	}
	if err := signed.Verify(c.Oracle.Authority, cmd.Signature); err != nil {
		return nil, err
	}
	if err := e.book.Set(ref, signed.Record); err != nil {
		return nil, err
	}
	out.Updated = true
	return out, nil
}

// ============================================================================
// set_borrow_rate / update_pool_aum
// ============================================================================

func (e *Engine) handleSetBorrowRate(cmd *event.SetBorrowRate) (any, error) {
	if err := e.requireAdmin(); err != nil {
		return nil, err
	}
	_, c, _, err := e.poolCustody(cmd.Pool, cmd.Mint)
	if err != nil {
		return nil, err
	}
	br := &c.BorrowRate
	br.CurrentRate = cmd.BorrowRate
	br.CumulativeRate = cmd.CumulativeRate
	if e.now > br.LastUpdate {
		br.LastUpdate = e.now
	}

	e.log.Info().
		Str("custody", c.ID).
		Uint64("borrow_rate", br.CurrentRate).
		Uint64("cumulative_rate", br.CumulativeRate).
		Msg("borrow rate set")
	return nil, nil
}

func (e *Engine) handleUpdatePoolAUM(cmd *event.UpdatePoolAUM) (any, error) {
	p, err := e.st.Pool(cmd.Pool)
	if err != nil {
		return nil, err
	}
	prev := p.AUMUSD
	if err := e.refreshAUM(p); err != nil {
		return nil, err
	}

	e.log.Debug().Str("pool", p.Name).Uint64("previous", prev).Uint64("aum_usd", p.AUMUSD).Msg("pool aum updated")
	return &event.PoolAUMUpdated{Pool: p.Name, PreviousAUMUSD: prev, AUMUSD: p.AUMUSD}, nil
}

// ============================================================================
// withdraw_fees / mint_lm_tokens_from_bucket
// ============================================================================

func (e *Engine) handleWithdrawFees(cmd *event.WithdrawFees) (any, error) {
	if err := e.requireAdmin(); err != nil {
		return nil, err
	}
	if cmd.Receiver == "" || cmd.Amount == 0 {
		return nil, fmt.Errorf("%w: receiver and amount are required", state.ErrInvalidArgument)
	}
	_, c, _, err := e.poolCustody(cmd.Pool, cmd.Mint)
	if err != nil {
		return nil, err
	}
	if cmd.Amount > c.Assets.ProtocolFees {
		return nil, fmt.Errorf("%w: %s holds %d protocol fees", state.ErrCustodyAmountLimit, c.ID, c.Assets.ProtocolFees)
	}
	c.Assets.ProtocolFees -= cmd.Amount
	if err := e.journals.Transfer(custodyVault(c), wallet(cmd.Receiver, c.Mint), cmd.Amount, ledger.JournalTypeProtocolFeeWithdrawal); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("custody", c.ID).
		Str("receiver", cmd.Receiver).
		Uint64("amount", cmd.Amount).
		Msg("protocol fees withdrawn")
	return nil, nil
}

func (e *Engine) handleMintLMTokensFromBucket(cmd *event.MintLMTokensFromBucket) (any, error) {
	if err := e.requireAdmin(); err != nil {
		return nil, err
	}
	if cmd.Bucket == state.BucketEcosystem {
		return nil, fmt.Errorf("%w: ecosystem bucket only emits through rewards", state.ErrInstructionNotAllowed)
	}
	if cmd.Owner == "" || cmd.Amount == 0 {
		return nil, fmt.Errorf("%w: owner and amount are required", state.ErrInvalidArgument)
	}
	if err := e.mintFromBucket(cmd.Bucket, wallet(cmd.Owner, state.LMMint), cmd.Amount); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("bucket", cmd.Bucket.String()).
		Str("owner", cmd.Owner).
		Uint64("amount", cmd.Amount).
		Str("reason", cmd.Reason).
		Msg("lm minted from bucket")
	return nil, nil
}
