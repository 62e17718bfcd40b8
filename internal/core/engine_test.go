package core_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/math"
	"PerpPool/internal/oracle"
	"PerpPool/internal/scheduler"
	"PerpPool/internal/state"
)

// --- Test helpers ---

const (
	t0       int64 = 1_700_000_000
	admin          = "admin"
	keeper         = "keeper"
	alice          = "alice"
	bob            = "bob"
	carol          = "carol"
	usdc           = "USDC"
	eth            = "ETH"
	poolName       = "main"
	ethFeed        = "eth-usd"
	realmName      = "realm"
)

var (
	usdcCustody = state.CustodyID(poolName, usdc)
	ethCustody  = state.CustodyID(poolName, eth)
	lpStaking   = state.LPStakingID(poolName)
)

// harness drives an engine with a controllable clock and records what it
// emits for persistence.
type harness struct {
	t       *testing.T
	e       *core.Engine
	persist chan core.CoreOutput
	now     int64
	n       int

	// LM emitted per round to the pool's LP staking
	poolEmission uint64
}

func newTestEngine(t *testing.T) *harness {
	return newTestEngineWith(t, core.Options{})
}

func newTestEngineWith(t *testing.T, opts core.Options) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 4096)
	opts.PersistChan = persist
	return &harness{t: t, e: core.NewEngine(opts), persist: persist, now: t0}
}

func (h *harness) advance(seconds int64) {
	h.now += seconds
}

func (h *harness) header(caller string) event.Header {
	h.n++
	return event.Header{Key: fmt.Sprintf("cmd-%d", h.n), Signer: caller, Time: h.now}
}

func (h *harness) exec(cmd event.Command) *event.Outcome {
	h.t.Helper()
	out, err := h.e.Execute(cmd)
	if err != nil {
		h.t.Fatalf("%s: execute: %v", cmd.OpType(), err)
	}
	return out
}

func (h *harness) mustApply(cmd event.Command) *event.Outcome {
	h.t.Helper()
	out := h.exec(cmd)
	if !out.Applied() {
		h.t.Fatalf("%s rejected: %s (%s)", cmd.OpType(), out.Code, out.Error)
	}
	return out
}

func (h *harness) mustReject(cmd event.Command, code string) *event.Outcome {
	h.t.Helper()
	out := h.exec(cmd)
	if out.Applied() {
		h.t.Fatalf("%s applied, want %s", cmd.OpType(), code)
	}
	if out.Code != code {
		h.t.Fatalf("%s: code %s (%s), want %s", cmd.OpType(), out.Code, out.Error, code)
	}
	return out
}

func (h *harness) view(fn func(v *core.View)) {
	h.t.Helper()
	if err := h.e.View(func(v *core.View) error {
		fn(v)
		return nil
	}); err != nil {
		h.t.Fatalf("view: %v", err)
	}
}

func (h *harness) balance(key ledger.AccountKey) int64 {
	var b int64
	h.view(func(v *core.View) { b = v.Balances.GetBalance(key) })
	return b
}

func (h *harness) walletBalance(owner, mint string) int64 {
	return h.balance(ledger.NewUserAccountKey(owner, mint))
}

func (h *harness) govPower(owner string) int64 {
	return h.balance(ledger.NewSystemAccountKey(realmName+"/"+owner, ledger.SubTypeRealmDeposit, state.GovernanceMint))
}

func (h *harness) custody(id string) state.Custody {
	var c state.Custody
	h.view(func(v *core.View) { c = *v.State.Custodies[id] })
	return c
}

func (h *harness) staking(id string) *state.Staking {
	var s *state.Staking
	h.view(func(v *core.View) { s = v.State.Stakings[id].Clone() })
	return s
}

func (h *harness) userStaking(owner, stakingID string) *state.UserStaking {
	var us *state.UserStaking
	h.view(func(v *core.View) {
		if r := v.State.UserStaking(owner, stakingID); r != nil {
			us = r.Clone()
		}
	})
	return us
}

func (h *harness) task(id string) *scheduler.Task {
	var out *scheduler.Task
	h.view(func(v *core.View) {
		for i := range v.Tasks {
			if v.Tasks[i].ID == id {
				t := v.Tasks[i]
				out = &t
			}
		}
	})
	return out
}

func (h *harness) drain() []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-h.persist:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func testFees() state.Fees {
	return state.Fees{
		Mode:            state.FeesModeFixed,
		Swap:            30,
		AddLiquidity:    10,
		RemoveLiquidity: 10,
		OpenPosition:    10,
		ClosePosition:   10,
		Liquidation:     50,
		ProtocolShare:   1_000,
	}
}

func testCustodyConfig(stable bool, params oracle.Params) event.CustodyConfig {
	return event.CustodyConfig{
		IsStable: stable,
		Oracle:   params,
		Pricing: state.PricingParams{
			MinInitialLeverage: 10_000,
			MaxLeverage:        1_000_000,
			MaxPayoffMult:      10_000,
		},
		Permissions:     state.AllPermissions(),
		Fees:            testFees(),
		BorrowRate:      math.BorrowRateCurve{OptimalUtilization: 800_000_000},
		GenesisLimitUSD: 1_000_000_000,
	}
}

func (h *harness) setPrice(ref string, price uint64) {
	h.t.Helper()
	h.mustApply(&event.SetOraclePrice{
		Header:      h.header(keeper),
		AccountRef:  ref,
		Price:       price,
		Exponent:    -6,
		PublishTime: h.now,
	})
}

func (h *harness) deposit(owner, mint string, amount uint64) {
	h.t.Helper()
	h.mustApply(&event.Deposit{Header: h.header(admin), Owner: owner, Mint: mint, Amount: amount})
}

// bootstrap initializes the engine with one pool holding a stable USDC
// custody and an oracle-priced ETH custody at 2000 USD.
func (h *harness) bootstrap() {
	h.t.Helper()
	h.mustApply(&event.Init{
		Header:                    h.header(admin),
		Permissions:               state.AllPermissions(),
		MinSignatures:             1,
		Admin:                     admin,
		Keeper:                    keeper,
		RewardTokenMint:           usdc,
		RewardTokenDecimals:       6,
		CoreContributorAllocation: 10_000_000_000,
		DAOTreasuryAllocation:     10_000_000_000,
		POLAllocation:             10_000_000_000,
		EcosystemAllocation:       100_000_000_000,
		LMStakersFeeShare:         5_000,
		GovernanceRealm:           realmName,
		GovernanceProgram:         "gov",
	})
	h.mustApply(&event.AddPool{Header: h.header(admin), Name: poolName, LMEmissionPerRound: h.poolEmission})
	h.mustApply(&event.AddCustody{
		Header:        h.header(admin),
		Pool:          poolName,
		Mint:          usdc,
		Decimals:      6,
		CustodyConfig: testCustodyConfig(true, oracle.Params{}),
	})
	h.mustApply(&event.AddCustody{
		Header:   h.header(admin),
		Pool:     poolName,
		Mint:     eth,
		Decimals: 6,
		CustodyConfig: testCustodyConfig(false, oracle.Params{
			AccountRef:     ethFeed,
			Kind:           oracle.KindCustom,
			MaxPriceAgeSec: 365 * 86_400,
		}),
	})
	h.setPrice(ethFeed, 2_000_000_000)
	for _, owner := range []string{alice, bob} {
		h.deposit(owner, usdc, 100_000_000_000)
		h.deposit(owner, eth, 100_000_000)
	}
}

// seedLiquidity has bob deposit 1000 USDC and 10 ETH.
func (h *harness) seedLiquidity() {
	h.t.Helper()
	h.mustApply(&event.AddLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, AmountIn: 1_000_000_000})
	h.mustApply(&event.AddLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: eth, AmountIn: 10_000_000})
}

// ============================================================================
// Test: Init and gates
// ============================================================================

func TestInit_CreatesLMStakingAndCortex(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	h.view(func(v *core.View) {
		if !v.State.Initialized() {
			t.Fatal("expected initialized state")
		}
		if v.State.Perpetuals.Admin != admin {
			t.Errorf("admin = %s", v.State.Perpetuals.Admin)
		}
		if v.State.Cortex.LMStakersFeeShare != 5_000 {
			t.Errorf("lm stakers fee share = %d", v.State.Cortex.LMStakersFeeShare)
		}
		if _, ok := v.State.Stakings[state.LMStakingID]; !ok {
			t.Error("lm staking missing")
		}
		if _, ok := v.State.Stakings[lpStaking]; !ok {
			t.Error("lp staking missing")
		}
		if got := len(v.State.Pools[poolName].Tokens); got != 2 {
			t.Errorf("pool tokens = %d", got)
		}
	})
}

func TestInit_Twice_Rejected(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	h.mustReject(&event.Init{
		Header:          h.header(admin),
		Admin:           admin,
		RewardTokenMint: usdc,
		MinSignatures:   1,
	}, "INSTRUCTION_NOT_ALLOWED")
}

func TestCommandsBeforeInit_Rejected(t *testing.T) {
	h := newTestEngine(t)
	h.mustReject(&event.AddPool{Header: h.header(admin), Name: poolName}, "INSTRUCTION_NOT_ALLOWED")
}

func TestAdminOnlyOperations_RejectOthers(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	h.mustReject(&event.AddPool{Header: h.header(alice), Name: "other"}, "INSTRUCTION_NOT_ALLOWED")
	h.mustReject(&event.SetOraclePrice{Header: h.header(alice), AccountRef: ethFeed, Price: 1, PublishTime: h.now}, "INSTRUCTION_NOT_ALLOWED")
	h.mustReject(&event.Deposit{Header: h.header(alice), Owner: alice, Mint: usdc, Amount: 1}, "INSTRUCTION_NOT_ALLOWED")
	h.mustReject(&event.MintLMTokensFromBucket{
		Header: h.header(alice),
		Bucket: state.BucketDAOTreasury,
		Owner:  alice,
		Amount: 1,
	}, "INSTRUCTION_NOT_ALLOWED")
}

func TestSetCustodyConfig_UpdatesPermissions(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()

	cfg := testCustodyConfig(true, oracle.Params{})
	cfg.Permissions.AllowAddLiquidity = false
	h.mustReject(&event.SetCustodyConfig{Header: h.header(alice), Pool: poolName, Mint: usdc, CustodyConfig: cfg}, "INSTRUCTION_NOT_ALLOWED")
	h.mustApply(&event.SetCustodyConfig{Header: h.header(admin), Pool: poolName, Mint: usdc, CustodyConfig: cfg})

	if c := h.custody(usdcCustody); c.Permissions.AllowAddLiquidity {
		t.Fatal("add liquidity still allowed")
	}
	h.mustReject(&event.AddLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, AmountIn: 1_000_000}, "INSTRUCTION_NOT_ALLOWED")

	// a custody holding liquidity cannot turn virtual
	cfg.IsVirtual = true
	h.mustReject(&event.SetCustodyConfig{Header: h.header(admin), Pool: poolName, Mint: usdc, CustodyConfig: cfg}, "INVALID_CUSTODY_STATE")
}

// ============================================================================
// Test: Deposit / Withdraw
// ============================================================================

func TestDeposit_CreditsWallet(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.drain()

	h.deposit(carol, usdc, 5_000_000)

	if got := h.walletBalance(carol, usdc); got != 5_000_000 {
		t.Fatalf("carol usdc = %d, want 5_000_000", got)
	}
	outputs := h.drain()
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	journals := outputs[0].Batch.Journals
	if len(journals) != 1 || journals[0].JournalType != ledger.JournalTypeDeposit {
		t.Fatalf("unexpected journals: %+v", journals)
	}
}

func TestDeposit_EngineMint_Rejected(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	h.mustReject(&event.Deposit{Header: h.header(admin), Owner: alice, Mint: state.LMMint, Amount: 1}, "UNSUPPORTED_TOKEN")
	h.mustReject(&event.Deposit{Header: h.header(admin), Owner: alice, Mint: state.LPMintFor(poolName), Amount: 1}, "UNSUPPORTED_TOKEN")
}

func TestWithdraw_InsufficientBalance_Fails(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	h.mustReject(&event.Withdraw{Header: h.header(carol), Owner: carol, Mint: usdc, Amount: 1}, "INSUFFICIENT_FUNDS")
	h.mustReject(&event.Withdraw{Header: h.header(bob), Owner: alice, Mint: usdc, Amount: 1}, "INSTRUCTION_NOT_ALLOWED")

	h.mustApply(&event.Withdraw{Header: h.header(alice), Owner: alice, Mint: usdc, Amount: 1_000})
	if got := h.walletBalance(alice, usdc); got != 100_000_000_000-1_000 {
		t.Fatalf("alice usdc = %d", got)
	}
}

// ============================================================================
// Test: Idempotency, rollback, hash chain
// ============================================================================

func TestDuplicateCommand_IsIgnored(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	cmd := &event.Deposit{Header: h.header(admin), Owner: carol, Mint: usdc, Amount: 1_000}
	first := h.mustApply(cmd)
	seq := h.e.GetSequence()

	second := h.exec(cmd)
	if !second.Duplicate {
		t.Fatal("expected duplicate outcome")
	}
	if second.StateHash != first.StateHash {
		t.Error("duplicate changed the state hash")
	}
	if h.e.GetSequence() != seq {
		t.Errorf("sequence advanced on duplicate: %d -> %d", seq, h.e.GetSequence())
	}
	if got := h.walletBalance(carol, usdc); got != 1_000 {
		t.Errorf("carol usdc = %d, want 1_000", got)
	}
}

func TestRejectedCommand_RollsBackEverything(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()
	h.drain()

	hash := h.e.GetStateHash()
	seq := h.e.GetSequence()
	before := h.custody(usdcCustody)
	aliceUSDC := h.walletBalance(alice, usdc)

	// accrues borrow state and refreshes AUM before the slippage guard trips
	h.mustReject(&event.Swap{
		Header:       h.header(alice),
		Owner:        alice,
		Pool:         poolName,
		MintIn:       usdc,
		MintOut:      eth,
		AmountIn:     100_000_000,
		MinAmountOut: 1_000_000_000,
	}, "INSUFFICIENT_AMOUNT_RETURNED")

	if h.e.GetStateHash() != hash {
		t.Error("state hash changed on rejection")
	}
	if h.e.GetSequence() != seq {
		t.Error("sequence advanced on rejection")
	}
	if after := h.custody(usdcCustody); after.Assets != before.Assets {
		t.Errorf("custody assets changed: %+v -> %+v", before.Assets, after.Assets)
	}
	if got := h.walletBalance(alice, usdc); got != aliceUSDC {
		t.Errorf("alice usdc %d -> %d", aliceUSDC, got)
	}
	if outputs := h.drain(); len(outputs) != 0 {
		t.Errorf("rejected command emitted %d outputs", len(outputs))
	}
}

func TestRejectedCommand_CanBeRetried(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	cmd := &event.Withdraw{Header: h.header(carol), Owner: carol, Mint: usdc, Amount: 500}
	h.mustReject(cmd, "INSUFFICIENT_FUNDS")

	h.deposit(carol, usdc, 500)
	h.mustApply(cmd)
	if got := h.walletBalance(carol, usdc); got != 0 {
		t.Fatalf("carol usdc = %d, want 0", got)
	}
}

func TestHashChain_LinksEveryCommand(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()

	outputs := h.drain()
	if len(outputs) == 0 {
		t.Fatal("no outputs")
	}
	prev := core.GenesisHash()
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: sequence %d", i, o.Envelope.Sequence)
		}
		if o.Envelope.PrevHash != prev {
			t.Fatalf("output %d: prev hash does not match previous state hash", i)
		}
		if err := o.Batch.Validate(); err != nil {
			t.Fatalf("output %d: %v", i, err)
		}
		prev = o.Envelope.StateHash
	}
	if h.e.GetStateHash() != prev {
		t.Error("engine tip differs from last emitted hash")
	}
}

func TestReplay_IsDeterministic(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()
	outputs := h.drain()

	replica := newTestEngine(t)
	for _, o := range outputs {
		cmd, err := event.Decode(o.Envelope.OpType, o.Envelope.Payload)
		if err != nil {
			t.Fatalf("decode %s: %v", o.Envelope.OpType, err)
		}
		out := replica.exec(cmd)
		if out.StateHash != o.Envelope.StateHash {
			t.Fatalf("seq %d (%s): replay hash differs", o.Envelope.Sequence, o.Envelope.OpType)
		}
	}
}

func TestSourceSequence_GapRejected(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	hdr := h.header(admin)
	hdr.Producer, hdr.ProducerN = "bridge", 0
	h.mustApply(&event.Deposit{Header: hdr, Owner: carol, Mint: usdc, Amount: 1})

	stale := h.header(admin)
	stale.Producer, stale.ProducerN = "bridge", 0
	if _, err := h.e.Execute(&event.Deposit{Header: stale, Owner: carol, Mint: usdc, Amount: 1}); err == nil {
		t.Fatal("expected a sequence error for a replayed source sequence")
	}
}

func TestClockRegression_Refused(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	earlier := &event.Deposit{Header: h.header(admin), Owner: carol, Mint: usdc, Amount: 1}
	h.mustApply(earlier)
	h.advance(60)
	h.mustApply(&event.Deposit{Header: h.header(admin), Owner: carol, Mint: usdc, Amount: 1})
	seq := h.e.GetSequence()

	late := h.header(admin)
	late.Time = h.now - 1
	_, err := h.e.Execute(&event.Deposit{Header: late, Owner: carol, Mint: usdc, Amount: 1})
	if !errors.Is(err, core.ErrClockRegression) {
		t.Fatalf("expected ErrClockRegression, got %v", err)
	}
	if h.e.GetSequence() != seq {
		t.Error("sequence advanced on a refused command")
	}

	// a redelivered command keeps its old timestamp and stays a duplicate
	if out := h.exec(earlier); !out.Duplicate {
		t.Error("redelivery not reported as duplicate")
	}
	// the same second is not a regression
	h.mustApply(&event.Deposit{Header: h.header(admin), Owner: carol, Mint: usdc, Amount: 1})
	if got := h.walletBalance(carol, usdc); got != 3 {
		t.Errorf("carol usdc = %d, want 3", got)
	}
}

// ============================================================================
// Test: Snapshot
// ============================================================================

func TestSnapshot_RestoreResumesChain(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()
	h.mustApply(&event.AddLiquidStake{Header: h.header(bob), Owner: bob, Staking: lpStaking, Amount: 1_000_000})

	snap, err := h.e.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded core.Snapshot
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored := newTestEngine(t)
	restored.now, restored.n = h.now, h.n
	if err := restored.e.RestoreSnapshot(&decoded); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.e.GetSequence() != h.e.GetSequence() {
		t.Fatalf("sequence %d, want %d", restored.e.GetSequence(), h.e.GetSequence())
	}
	if restored.e.GetStateHash() != h.e.GetStateHash() {
		t.Fatal("restored hash differs")
	}

	h.advance(60)
	restored.advance(60)
	want := h.mustApply(&event.Swap{Header: h.header(alice), Owner: alice, Pool: poolName, MintIn: usdc, MintOut: eth, AmountIn: 10_000_000})
	got := restored.mustApply(&event.Swap{Header: restored.header(alice), Owner: alice, Pool: poolName, MintIn: usdc, MintOut: eth, AmountIn: 10_000_000})
	if got.StateHash != want.StateHash {
		t.Fatal("restored engine diverged on the next command")
	}
}

func TestSnapshot_RestoreIntoUsedEngine_Fails(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	snap, err := h.e.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := h.e.RestoreSnapshot(snap); err == nil {
		t.Fatal("expected restore into a live engine to fail")
	}
}

// ============================================================================
// Test: Error codes
// ============================================================================

func TestErrorCode_MapsWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, core.CodeOK},
		{fmt.Errorf("ctx: %w", state.ErrMaxLeverage), "MAX_LEVERAGE"},
		{fmt.Errorf("custody x: %w", oracle.ErrStaleOracle), "STALE_ORACLE"},
		{fmt.Errorf("%w: %w", state.ErrInstructionNotAllowed, fmt.Errorf("inner")), "INSTRUCTION_NOT_ALLOWED"},
		{ledger.ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
		{fmt.Errorf("plain"), core.CodeInternal},
	}
	for _, tc := range cases {
		if got := core.ErrorCode(tc.err); got != tc.want {
			t.Errorf("ErrorCode(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
