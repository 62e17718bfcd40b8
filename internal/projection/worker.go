package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/observability"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionOutput is one applied command as the projection worker sees it.
type ProjectionOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Outcome  *event.Outcome
}

// Sink receives derived rows.
type Sink interface {
	Apply(ctx context.Context, out ProjectionOutput, rows Rows) error
}

// Rows are the read-model rows derived from one command.
type Rows struct {
	Balances []BalanceDelta
	Position *PositionHistoryEntry
	Round    *ResolvedRound
}

// Derive computes the read-model rows of an output.
func Derive(out ProjectionOutput) (Rows, error) {
	rows := Rows{Balances: BalanceDeltas(out.Batch)}
	entry, ok, err := PositionHistoryFrom(out.Envelope, out.Outcome)
	if err != nil {
		return rows, err
	}
	if ok {
		rows.Position = &entry
	}
	if round, ok := ResolvedRoundFrom(out.Envelope, out.Outcome); ok {
		rows.Round = &round
	}
	return rows, nil
}

// ProjectionWorker updates the read models from applied commands. The
// projection channel drops on overflow; a lagging read model is rebuilt
// from the command log with RebuildProjections.
type ProjectionWorker struct {
	sink      Sink
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   atomic.Int64
}

func NewProjectionWorker(sink Sink, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	pw := &ProjectionWorker{
		sink:      sink,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("projection"),
	}
	pw.lastSeq.Store(-1)
	return pw
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.process(ctx, output); err != nil {
				// eventually consistent; rebuilt from the command log
				pw.log.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq.Store(output.Envelope.Sequence)
		}
	}
}

// LastSequence is the last sequence projected, -1 before the first.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

func (pw *ProjectionWorker) process(ctx context.Context, output ProjectionOutput) error {
	if output.Envelope == nil {
		return fmt.Errorf("projection output without envelope")
	}
	start := time.Now()
	rows, err := Derive(output)
	if err != nil {
		return err
	}
	if err := pw.sink.Apply(ctx, output, rows); err != nil {
		return err
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(output.Envelope.OpType.String()).Observe(time.Since(start).Seconds())
	}
	return nil
}

// PostgresSink writes the read models to the projections schema.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Apply(ctx context.Context, out ProjectionOutput, rows Rows) error {
	seq := out.Envelope.Sequence

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range rows.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, mint, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, mint)
			DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
			WHERE projections.balances.last_sequence < $4
		`, d.AccountPath, d.Mint, d.Delta, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if p := rows.Position; p != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.position_history
				(sequence, position_id, owner, pool, mint, side, action, entry_price, size_usd,
				 collateral_usd, amount, fee, profit_usd, loss_usd, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (sequence, position_id) DO NOTHING
		`, p.Sequence, p.PositionID, p.Owner, p.Pool, p.Mint, p.Side, p.Action, p.EntryPrice, p.SizeUSD,
			p.CollateralUSD, p.Amount, p.Fee, p.ProfitUSD, p.LossUSD, p.Timestamp); err != nil {
			return fmt.Errorf("position history: %w", err)
		}
	}

	if r := rows.Round; r != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.resolved_rounds
				(sequence, staking, emission, rate, lm_rate, resolved_rounds, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (sequence, staking) DO NOTHING
		`, r.Sequence, r.Staking, r.Emission, r.Rate, r.LMRate, r.ResolvedRounds, r.Timestamp); err != nil {
			return fmt.Errorf("resolved rounds: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections recomputes the balance read model from the journals
// and clears the outcome-derived tables, which refill as commands apply.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	log := observability.NewLogger("projection")

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.position_history`,
		`TRUNCATE projections.resolved_rounds`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, mint, balance, last_sequence)
		SELECT account_path, mint, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, mint, amount AS delta, sequence FROM command_log.journals
			UNION ALL
			SELECT credit_account, mint, -amount, sequence FROM command_log.journals
		) legs
		GROUP BY account_path, mint
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	log.Info().Msg("projection rebuild complete")
	return nil
}
