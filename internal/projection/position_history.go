package projection

import (
	"fmt"
	"sort"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"

	"github.com/google/uuid"
)

// PositionHistoryEntry is one lifecycle step of a position.
type PositionHistoryEntry struct {
	Sequence      int64     `json:"sequence"`
	PositionID    uuid.UUID `json:"position_id"`
	Owner         string    `json:"owner"`
	Pool          string    `json:"pool"`
	Mint          string    `json:"mint"`
	Side          string    `json:"side"`
	Action        string    `json:"action"`
	EntryPrice    uint64    `json:"entry_price"`
	SizeUSD       uint64    `json:"size_usd"`
	CollateralUSD uint64    `json:"collateral_usd"`
	Amount        uint64    `json:"amount"`
	Fee           uint64    `json:"fee"`
	ProfitUSD     uint64    `json:"profit_usd"`
	LossUSD       uint64    `json:"loss_usd"`
	Timestamp     int64     `json:"timestamp"`
}

// ResolvedRound is one resolved staking round.
type ResolvedRound struct {
	Sequence       int64  `json:"sequence"`
	Staking        string `json:"staking"`
	Emission       uint64 `json:"emission"`
	Rate           uint64 `json:"rate"`
	LMRate         uint64 `json:"lm_rate"`
	ResolvedRounds int    `json:"resolved_rounds"`
	Timestamp      int64  `json:"timestamp"`
}

// BalanceDelta is the net change of one account in one command.
type BalanceDelta struct {
	AccountPath string
	Mint        string
	Delta       int64
}

// PositionHistoryFrom derives the history entry of a position command.
// ok is false for every other operation.
func PositionHistoryFrom(env *event.EventEnvelope, outcome *event.Outcome) (PositionHistoryEntry, bool, error) {
	if env == nil || outcome == nil || !outcome.Applied() {
		return PositionHistoryEntry{}, false, nil
	}
	switch env.OpType {
	case event.OpOpenPosition, event.OpClosePosition, event.OpLiquidate, event.OpRemoveCollateral:
	default:
		return PositionHistoryEntry{}, false, nil
	}

	cmd, err := event.Decode(env.OpType, env.Payload)
	if err != nil {
		return PositionHistoryEntry{}, false, err
	}
	entry := PositionHistoryEntry{
		Sequence:  env.Sequence,
		Action:    env.OpType.String(),
		Timestamp: env.Timestamp,
	}
	setRef := func(ref event.PositionRef) {
		entry.Owner, entry.Pool, entry.Mint, entry.Side = ref.Owner, ref.Pool, ref.Mint, ref.Side.String()
	}

	switch c := cmd.(type) {
	case *event.OpenPosition:
		res, ok := outcome.Result.(*event.PositionOpened)
		if !ok {
			return entry, false, fmt.Errorf("sequence %d: open result %T", env.Sequence, outcome.Result)
		}
		setRef(event.PositionRef{Owner: c.Owner, Pool: c.Pool, Mint: c.Mint, Side: c.Side})
		entry.PositionID = res.PositionID
		entry.EntryPrice = res.EntryPrice
		entry.SizeUSD = res.SizeUSD
		entry.CollateralUSD = res.CollateralUSD
		entry.Amount = res.LockedAmount
		entry.Fee = res.Fee
	case *event.ClosePosition:
		setRef(c.PositionRef)
		if err := entry.setClosed(env, outcome); err != nil {
			return entry, false, err
		}
	case *event.Liquidate:
		setRef(c.PositionRef)
		if err := entry.setClosed(env, outcome); err != nil {
			return entry, false, err
		}
	case *event.RemoveCollateral:
		res, ok := outcome.Result.(*event.CollateralRemoved)
		if !ok {
			return entry, false, fmt.Errorf("sequence %d: remove collateral result %T", env.Sequence, outcome.Result)
		}
		setRef(c.PositionRef)
		entry.PositionID = res.PositionID
		entry.CollateralUSD = c.CollateralUSD
		entry.Amount = res.Amount
	}
	return entry, true, nil
}

func (e *PositionHistoryEntry) setClosed(env *event.EventEnvelope, outcome *event.Outcome) error {
	res, ok := outcome.Result.(*event.PositionClosed)
	if !ok {
		return fmt.Errorf("sequence %d: close result %T", env.Sequence, outcome.Result)
	}
	e.PositionID = res.PositionID
	e.Amount = res.TransferAmount
	e.Fee = res.Fee
	e.ProfitUSD = res.ProfitUSD
	e.LossUSD = res.LossUSD
	return nil
}

// ResolvedRoundFrom extracts a resolved round.
func ResolvedRoundFrom(env *event.EventEnvelope, outcome *event.Outcome) (ResolvedRound, bool) {
	if env == nil || outcome == nil || !outcome.Applied() || env.OpType != event.OpResolveStakingRound {
		return ResolvedRound{}, false
	}
	res, ok := outcome.Result.(*event.RoundResolved)
	if !ok {
		return ResolvedRound{}, false
	}
	return ResolvedRound{
		Sequence:       env.Sequence,
		Staking:        res.Staking,
		Emission:       res.Emission,
		Rate:           res.Rate,
		LMRate:         res.LMRate,
		ResolvedRounds: res.ResolvedRounds,
		Timestamp:      env.Timestamp,
	}, true
}

// BalanceDeltas nets the journals of a batch per account, sorted by path.
// Debits raise a balance and credits lower it.
func BalanceDeltas(batch *ledger.Batch) []BalanceDelta {
	if batch == nil {
		return nil
	}
	type key struct{ path, mint string }
	net := make(map[key]int64)
	for _, j := range batch.Journals {
		net[key{j.DebitAccount.AccountPath(), j.Mint}] += int64(j.Amount)
		net[key{j.CreditAccount.AccountPath(), j.Mint}] -= int64(j.Amount)
	}

	out := make([]BalanceDelta, 0, len(net))
	for k, d := range net {
		if d != 0 {
			out = append(out, BalanceDelta{AccountPath: k.path, Mint: k.mint, Delta: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountPath != out[j].AccountPath {
			return out[i].AccountPath < out[j].AccountPath
		}
		return out[i].Mint < out[j].Mint
	})
	return out
}
