package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpPool/internal/core"
	"PerpPool/internal/projection"
)

// ErrNoDatabase is returned by history queries on a service without a
// database.
var ErrNoDatabase = errors.New("query: no database configured")

// Service answers reads. Live views come from the engine; history comes
// from the projection tables and the command log, which trail the engine by
// the projection watermark.
type Service struct {
	engine *core.Engine
	db     *sql.DB
}

func NewService(engine *core.Engine, db *sql.DB) *Service {
	return &Service{engine: engine, db: db}
}

// JournalHistoryEntry is one journal touching a user account.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Mint          string    `json:"mint"`
	Amount        uint64    `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     int64     `json:"timestamp"`
}

// Watermark is the last sequence the read model has applied, -1 when empty.
func (s *Service) Watermark(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, ErrNoDatabase
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// GetPositionHistory returns an owner's position lifecycle, newest first.
// beforeSequence pages backwards.
func (s *Service) GetPositionHistory(ctx context.Context, owner string, limit int, beforeSequence *int64) ([]projection.PositionHistoryEntry, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	query := `
		SELECT sequence, position_id, owner, pool, mint, side, action, entry_price, size_usd,
		       collateral_usd, amount, fee, profit_usd, loss_usd, timestamp
		FROM projections.position_history
		WHERE owner = $1
	`
	args := []interface{}{owner}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []projection.PositionHistoryEntry
	for rows.Next() {
		var h projection.PositionHistoryEntry
		if err := rows.Scan(
			&h.Sequence, &h.PositionID, &h.Owner, &h.Pool, &h.Mint, &h.Side, &h.Action,
			&h.EntryPrice, &h.SizeUSD, &h.CollateralUSD, &h.Amount, &h.Fee,
			&h.ProfitUSD, &h.LossUSD, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetResolvedRounds returns the resolved rounds of a staking, newest first.
func (s *Service) GetResolvedRounds(ctx context.Context, staking string, limit int) ([]projection.ResolvedRound, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, staking, emission, rate, lm_rate, resolved_rounds, timestamp
		FROM projections.resolved_rounds
		WHERE staking = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, staking, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []projection.ResolvedRound
	for rows.Next() {
		var r projection.ResolvedRound
		if err := rows.Scan(&r.Sequence, &r.Staking, &r.Emission, &r.Rate, &r.LMRate, &r.ResolvedRounds, &r.Timestamp); err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// GetProjectedBalances returns every projected account of an owner.
func (s *Service) GetProjectedBalances(ctx context.Context, owner string) ([]ProjectedBalance, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_path, mint, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path, mint
	`, fmt.Sprintf("user:%s:%%", owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProjectedBalance
	for rows.Next() {
		var b ProjectedBalance
		if err := rows.Scan(&b.AccountPath, &b.Mint, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal entries for an owner with pagination.
func (s *Service) GetJournalHistory(ctx context.Context, owner string, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", owner)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, mint, amount, journal_type, timestamp
		FROM command_log.journals
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Mint, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the command log hash chain and that projected
// balances net to zero per mint.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM command_log.commands c1
		JOIN command_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT mint, SUM(balance) AS total
		FROM projections.balances
		GROUP BY mint
		HAVING SUM(balance) != 0
		ORDER BY mint
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedMint
		if err := balanceRows.Scan(&u.Mint, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedMints = append(report.UnbalancedMints, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedMints) == 0
	return report, nil
}
