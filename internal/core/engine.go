package core

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/observability"
	"PerpPool/internal/oracle"
	"PerpPool/internal/scheduler"
	"PerpPool/internal/state"

	"github.com/rs/zerolog"
)

// Options tune the engine. Zero values take the defaults.
type Options struct {
	StartSequence       int64
	MaxResolvedRounds   int
	RoundMinDuration    int64
	IdempotencyCapacity int

	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         *zerolog.Logger
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

const (
	DefaultMaxResolvedRounds         = 32
	DefaultRoundMinDuration    int64 = 21_600
	defaultIdempotencyCapacity       = 1_000_000
)

func (o *Options) withDefaults() {
	if o.MaxResolvedRounds <= 0 {
		o.MaxResolvedRounds = DefaultMaxResolvedRounds
	}
	if o.RoundMinDuration <= 0 {
		o.RoundMinDuration = DefaultRoundMinDuration
	}
	if o.IdempotencyCapacity <= 0 {
		o.IdempotencyCapacity = defaultIdempotencyCapacity
	}
}

// Engine is the single-threaded command processor. Every state change goes
// through Execute; readers use View.
type Engine struct {
	mu   sync.RWMutex
	opts Options

	sequence          int64
	lastTimestamp     int64
	hasher            *StateHasher
	st                *state.State
	tracker           *ledger.BalanceTracker
	journals          *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	book              *oracle.Book
	sched             *scheduler.Memory
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// set for the duration of one Execute
	now    int64
	caller string
}

type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Outcome  *event.Outcome
}

func NewEngine(opts Options) *Engine {
	opts.withDefaults()
	tracker := ledger.NewBalanceTracker()

	log := observability.NewLogger("core")
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Engine{
		opts:              opts,
		sequence:          opts.StartSequence,
		hasher:            NewStateHasher(),
		st:                state.New(),
		tracker:           tracker,
		journals:          ledger.NewJournalGenerator(tracker),
		validator:         ledger.NewInvariantValidator(tracker),
		book:              oracle.NewBook(),
		sched:             scheduler.NewMemory(),
		idempotency:       NewIdempotencyChecker(opts.IdempotencyCapacity, opts.DBChecker, opts.Metrics),
		sequenceValidator: NewSequenceValidator(opts.Metrics),
		metrics:           opts.Metrics,
		log:               log,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}
}

// rollback holds everything a failed command must not leave behind.
type rollback struct {
	st       *state.State
	balances map[ledger.AccountKey]int64
	book     *oracle.Book
	tasks    []scheduler.Task
}

func (e *Engine) checkpoint() rollback {
	return rollback{
		st:       e.st.Clone(),
		balances: e.tracker.Snapshot(),
		book:     e.book.Clone(),
		tasks:    e.sched.Tasks(),
	}
}

func (e *Engine) restore(rb rollback) {
	e.st = rb.st
	e.tracker.Restore(rb.balances)
	e.book = rb.book
	e.sched.Restore(rb.tasks)
	e.journals.Discard()
}

// Execute applies one command atomically. A handler error rolls every
// change back and is reported in the outcome with its status code; the
// returned error is reserved for commands that cannot be ordered.
func (e *Engine) Execute(cmd event.Command) (*event.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	op := cmd.OpType()
	opName := op.String()
	key := cmd.IdempotencyKey()

	outcome := &event.Outcome{
		IdempotencyKey: key,
		OpType:         op,
		Caller:         cmd.Caller(),
		Timestamp:      cmd.Timestamp(),
		Code:           CodeOK,
	}

	// Step 1: idempotency check (two-tier)
	isDuplicate := e.idempotency.IsDuplicate(opName, key)

	if ts := cmd.Timestamp(); !isDuplicate && ts < e.lastTimestamp {
		if e.metrics != nil {
			e.metrics.EventOutOfOrder.WithLabelValues("clock").Inc()
		}
		return nil, fmt.Errorf("%w: timestamp=%d, last=%d", ErrClockRegression, ts, e.lastTimestamp)
	}

	// Step 2: source sequence validation
	if src := cmd.Source(); src != "" {
		var err error
		if price, ok := cmd.(*event.SetOraclePrice); ok {
			err = e.sequenceValidator.ValidatePriceSequence(price.AccountRef, cmd.SourceSequence())
		} else {
			err = e.sequenceValidator.ValidateSequence(partitionFor(src), cmd.SourceSequence(), isDuplicate)
		}
		if err != nil {
			return nil, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		outcome.Duplicate = true
		outcome.StateHash = e.hasher.GetPrevHash()
		return outcome, nil
	}

	// Step 3: dispatch under a checkpoint
	rb := e.checkpoint()
	e.now = cmd.Timestamp()
	e.caller = cmd.Caller()
	e.journals.Begin(key, e.sequence, e.now)

	result, err := e.dispatch(cmd)
	if err != nil {
		e.restore(rb)
		outcome.Code = ErrorCode(err)
		outcome.Error = err.Error()
		outcome.StateHash = e.hasher.GetPrevHash()
		if e.metrics != nil {
			e.metrics.CoreCommandsRejected.WithLabelValues(opName, outcome.Code).Inc()
		}
		e.log.Warn().
			Str("op", opName).
			Str("idempotency_key", key).
			Str("code", outcome.Code).
			Err(err).
			Msg("command rejected")
		return outcome, nil
	}
	batch := e.journals.Commit()

	// Step 4: post-checks
	if err := e.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", opName, err))
	}

	// Step 5: hash chain
	payload, err := event.Encode(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode applied %s: %v", opName, err))
	}
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.Append(ChainLink{
		Sequence: e.sequence,
		Op:       op,
		Payload:  payload,
		Digest:   e.computeStateDigest(batch),
	})

	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: key,
		OpType:         op,
		Caller:         cmd.Caller(),
		Timestamp:      cmd.Timestamp(),
		Source:         cmd.Source(),
		SourceSequence: cmd.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	outcome.Sequence = e.sequence
	outcome.Result = result
	outcome.StateHash = stateHash

	// Step 6: emit. Persistence blocks (backpressure), projections drop on
	// a full channel and rebuild from the command log.
	output := CoreOutput{Envelope: envelope, Batch: batch, Outcome: outcome}
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}

	// Step 7: mark as processed
	e.idempotency.MarkProcessed(opName, key)
	e.sequence++
	if e.now > e.lastTimestamp {
		e.lastTimestamp = e.now
	}

	if e.metrics != nil {
		e.metrics.CoreCommandsApplied.WithLabelValues(opName).Inc()
		e.metrics.CoreCommandDuration.WithLabelValues(opName).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		for _, j := range batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	return outcome, nil
}

func partitionFor(source string) string {
	return "source:" + source
}

func (e *Engine) dispatch(cmd event.Command) (any, error) {
	if _, ok := cmd.(*event.Init); !ok && !e.st.Initialized() {
		return nil, fmt.Errorf("%w: engine not initialized", state.ErrInstructionNotAllowed)
	}

	switch c := cmd.(type) {
	case *event.Init:
		return e.handleInit(c)
	case *event.AddPool:
		return e.handleAddPool(c)
	case *event.AddCustody:
		return e.handleAddCustody(c)
	case *event.SetCustodyConfig:
		return e.handleSetCustodyConfig(c)
	case *event.SetOraclePrice:
		return e.handleSetOraclePrice(c)
	case *event.Deposit:
		return e.handleDeposit(c)
	case *event.Withdraw:
		return e.handleWithdraw(c)
	case *event.AddLiquidity:
		return e.handleAddLiquidity(c)
	case *event.AddGenesisLiquidity:
		return e.handleAddGenesisLiquidity(c)
	case *event.RemoveLiquidity:
		return e.handleRemoveLiquidity(c)
	case *event.Swap:
		return e.handleSwap(c)
	case *event.OpenPosition:
		return e.handleOpenPosition(c)
	case *event.ClosePosition:
		return e.handleClosePosition(c)
	case *event.Liquidate:
		return e.handleLiquidate(c)
	case *event.RemoveCollateral:
		return e.handleRemoveCollateral(c)
	case *event.AddLiquidStake:
		return e.handleAddLiquidStake(c)
	case *event.AddLockedStake:
		return e.handleAddLockedStake(c)
	case *event.RemoveLiquidStake:
		return e.handleRemoveLiquidStake(c)
	case *event.RemoveLockedStake:
		return e.handleRemoveLockedStake(c)
	case *event.ClaimStakes:
		return e.handleClaimStakes(c)
	case *event.ResolveStakingRound:
		return e.handleResolveStakingRound(c)
	case *event.FinalizeLockedStake:
		return e.handleFinalizeLockedStake(c)
	case *event.WithdrawFees:
		return e.handleWithdrawFees(c)
	case *event.MintLMTokensFromBucket:
		return e.handleMintLMTokensFromBucket(c)
	case *event.AddVest:
		return e.handleAddVest(c)
	case *event.ClaimVest:
		return e.handleClaimVest(c)
	case *event.SetBorrowRate:
		return e.handleSetBorrowRate(c)
	case *event.UpdatePoolAUM:
		return e.handleUpdatePoolAUM(c)
	case *event.SetCustomOraclePricePermissionless:
		return e.handleSetCustomOraclePricePermissionless(c)
	default:
		return nil, fmt.Errorf("%w: unknown command %T", state.ErrInvalidArgument, cmd)
	}
}

// computeStateDigest creates canonical bytes for the state hash: the
// balances touched by the batch followed by a hash of every entity.
func (e *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+32)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, e.tracker.GetBalance(key))
	}

	// encoding/json sorts map keys, so the entity encoding is canonical
	entities, err := json.Marshal(e.st)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode state: %v", err))
	}
	sum := sha256.Sum256(entities)
	return append(digest, sum[:]...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after a committed handler.
func (e *Engine) postCheckInvariants() error {
	if err := e.validator.ValidateNoNegativeBalances(); err != nil {
		return err
	}

	for _, id := range sortedKeys(e.st.Custodies) {
		c := e.st.Custodies[id]
		if c.Assets.Owned < c.Assets.Locked {
			return fmt.Errorf("custody %s: owned %d below locked %d", id, c.Assets.Owned, c.Assets.Locked)
		}
		want, err := c.Balance()
		if err != nil {
			return fmt.Errorf("custody %s: %w", id, err)
		}
		if have := e.tracker.GetBalance(custodyVault(c)); have != int64(want) {
			return fmt.Errorf("custody %s: vault holds %d, assets sum to %d", id, have, want)
		}
	}

	for _, name := range e.st.PoolNames() {
		if err := e.st.Pools[name].Validate(); err != nil {
			return err
		}
	}

	if e.st.Cortex != nil {
		for i, b := range e.st.Cortex.Buckets {
			if b.MintedAmount > b.Allocation {
				return fmt.Errorf("bucket %s minted %d above allocation %d", state.BucketName(i), b.MintedAmount, b.Allocation)
			}
		}
	}

	// periodic zero-sum check
	if e.sequence > 0 && e.sequence%1000 == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at seq %d: %w", e.sequence, err)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Reads ---

// View is a consistent read of the committed engine state. It must not be
// retained or mutated outside the callback.
type View struct {
	Sequence      int64
	LastTimestamp int64
	StateHash     [32]byte
	State         *state.State
	Book          *oracle.Book
	Balances      *ledger.BalanceTracker
	Tasks         []scheduler.Task
}

// View runs fn under the read lock.
func (e *Engine) View(fn func(v *View) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(&View{
		Sequence:      e.sequence,
		LastTimestamp: e.lastTimestamp,
		StateHash:     e.hasher.GetPrevHash(),
		State:         e.st,
		Book:          e.book,
		Balances:      e.tracker,
		Tasks:         e.sched.Tasks(),
	})
}

// GetSequence returns the next sequence to assign.
func (e *Engine) GetSequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.GetPrevHash()
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}
