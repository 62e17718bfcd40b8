package projection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/projection"
	"PerpPool/internal/state"
)

type memSink struct {
	mu   sync.Mutex
	rows []projection.Rows
}

func (m *memSink) Apply(_ context.Context, _ projection.ProjectionOutput, rows projection.Rows) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows)
	return nil
}

func envelope(t *testing.T, seq int64, cmd event.Command) *event.EventEnvelope {
	t.Helper()
	payload, err := event.Encode(cmd)
	require.NoError(t, err)
	return &event.EventEnvelope{
		Sequence:  seq,
		OpType:    cmd.OpType(),
		Caller:    cmd.Caller(),
		Timestamp: cmd.Timestamp(),
		Payload:   payload,
	}
}

func applied(result any) *event.Outcome {
	return &event.Outcome{Code: "OK", Result: result}
}

var longRef = event.PositionRef{Owner: "alice", Pool: "main", Mint: "ETH", Side: state.SideLong}

func TestPositionHistoryFrom_Open(t *testing.T) {
	id := uuid.New()
	env := envelope(t, 7, &event.OpenPosition{
		Header:         event.Header{Key: "k", Signer: "alice", Time: 100},
		Owner:          "alice",
		Pool:           "main",
		Mint:           "ETH",
		CollateralMint: "ETH",
		Side:           state.SideLong,
		Collateral:     100_000,
		Size:           1_000_000,
	})
	entry, ok, err := projection.PositionHistoryFrom(env, applied(&event.PositionOpened{
		PositionID:    id,
		EntryPrice:    2_000_000_000,
		SizeUSD:       2_000_000_000,
		CollateralUSD: 200_000_000,
		LockedAmount:  1_000_000,
		Fee:           1_000,
	}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, projection.PositionHistoryEntry{
		Sequence:      7,
		PositionID:    id,
		Owner:         "alice",
		Pool:          "main",
		Mint:          "ETH",
		Side:          "long",
		Action:        "open_position",
		EntryPrice:    2_000_000_000,
		SizeUSD:       2_000_000_000,
		CollateralUSD: 200_000_000,
		Amount:        1_000_000,
		Fee:           1_000,
		Timestamp:     100,
	}, entry)
}

func TestPositionHistoryFrom_CloseLiquidateAndCollateral(t *testing.T) {
	id := uuid.New()
	closed := &event.PositionClosed{PositionID: id, TransferAmount: 5_494, Fee: 5_495, LossUSD: 180_000_000}

	entry, ok, err := projection.PositionHistoryFrom(
		envelope(t, 9, &event.Liquidate{Header: event.Header{Key: "l", Signer: "keeper", Time: 200}, PositionRef: longRef}),
		applied(closed),
	)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "liquidate", entry.Action)
	require.Equal(t, "alice", entry.Owner)
	require.Equal(t, uint64(5_494), entry.Amount)
	require.Equal(t, uint64(180_000_000), entry.LossUSD)

	entry, ok, err = projection.PositionHistoryFrom(
		envelope(t, 10, &event.ClosePosition{Header: event.Header{Key: "c", Signer: "alice", Time: 300}, PositionRef: longRef}),
		applied(closed),
	)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "close_position", entry.Action)
	require.Equal(t, id, entry.PositionID)

	entry, ok, err = projection.PositionHistoryFrom(
		envelope(t, 11, &event.RemoveCollateral{Header: event.Header{Key: "r", Signer: "alice", Time: 400}, PositionRef: longRef, CollateralUSD: 50_000_000}),
		applied(&event.CollateralRemoved{PositionID: id, Amount: 25_000}),
	)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(50_000_000), entry.CollateralUSD)
	require.Equal(t, uint64(25_000), entry.Amount)

	// a mismatched result is reported, not silently dropped
	_, _, err = projection.PositionHistoryFrom(
		envelope(t, 12, &event.ClosePosition{Header: event.Header{Key: "x"}, PositionRef: longRef}),
		applied(&event.Swapped{}),
	)
	require.Error(t, err)
}

func TestPositionHistoryFrom_IgnoresOthers(t *testing.T) {
	env := envelope(t, 1, &event.Deposit{Header: event.Header{Key: "d"}, Owner: "bob", Mint: "USDC", Amount: 1})
	_, ok, err := projection.PositionHistoryFrom(env, applied(nil))
	require.NoError(t, err)
	require.False(t, ok)

	open := envelope(t, 2, &event.OpenPosition{Header: event.Header{Key: "o"}, Side: state.SideLong})
	_, ok, err = projection.PositionHistoryFrom(open, &event.Outcome{Code: "MAX_LEVERAGE", Error: "too high"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolvedRoundFrom(t *testing.T) {
	env := envelope(t, 4, &event.ResolveStakingRound{Header: event.Header{Key: "r", Signer: "keeper", Time: 21_600}, Staking: "lm"})
	round, ok := projection.ResolvedRoundFrom(env, applied(&event.RoundResolved{
		Staking:        "lm",
		Rate:           450_000_000,
		ResolvedRounds: 1,
	}))
	require.True(t, ok)
	require.Equal(t, projection.ResolvedRound{Sequence: 4, Staking: "lm", Rate: 450_000_000, ResolvedRounds: 1, Timestamp: 21_600}, round)

	_, ok = projection.ResolvedRoundFrom(env, &event.Outcome{Code: "OK", Duplicate: true})
	require.False(t, ok)
}

func TestBalanceDeltas_NetsPerAccount(t *testing.T) {
	wallet := ledger.NewUserAccountKey("bob", "USDC")
	deposits := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDC")
	withdrawals := ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, "USDC")

	batch := &ledger.Batch{Journals: []ledger.Journal{
		{DebitAccount: wallet, CreditAccount: deposits, Mint: "USDC", Amount: 100},
		{DebitAccount: withdrawals, CreditAccount: wallet, Mint: "USDC", Amount: 30},
	}}
	require.Equal(t, []projection.BalanceDelta{
		{AccountPath: "external:deposits:USDC", Mint: "USDC", Delta: -100},
		{AccountPath: "external:withdrawals:USDC", Mint: "USDC", Delta: 30},
		{AccountPath: "user:bob:wallet:USDC", Mint: "USDC", Delta: 70},
	}, projection.BalanceDeltas(batch))

	require.Nil(t, projection.BalanceDeltas(nil))
}

func TestProjectionWorker_Run(t *testing.T) {
	sink := &memSink{}
	in := make(chan projection.ProjectionOutput, 4)
	w := projection.NewProjectionWorker(sink, in, nil)
	require.Equal(t, int64(-1), w.LastSequence())

	dep := &event.Deposit{Header: event.Header{Key: "d"}, Owner: "bob", Mint: "USDC", Amount: 5}
	in <- projection.ProjectionOutput{
		Envelope: envelope(t, 0, dep),
		Batch: &ledger.Batch{Journals: []ledger.Journal{{
			DebitAccount:  ledger.NewUserAccountKey("bob", "USDC"),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDC"),
			Mint:          "USDC",
			Amount:        5,
		}}},
		Outcome: applied(nil),
	}
	// undecodable payloads are skipped, not fatal
	in <- projection.ProjectionOutput{
		Envelope: &event.EventEnvelope{Sequence: 1, OpType: event.OpOpenPosition, Payload: []byte("{")},
		Outcome:  applied(&event.PositionOpened{}),
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	require.Len(t, sink.rows, 1)
	require.Len(t, sink.rows[0].Balances, 2)
	require.Nil(t, sink.rows[0].Position)
	require.Equal(t, int64(0), w.LastSequence())
}
