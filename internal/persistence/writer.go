package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"

	"github.com/lib/pq"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// CommandLogWriter appends applied commands and their journals to the
// command log.
type CommandLogWriter struct{}

// CommandRow represents a row in command_log.commands
type CommandRow struct {
	Sequence       int64
	OpType         string
	IdempotencyKey string
	Caller         string
	Timestamp      int64
	Source         string
	SourceSequence int64
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
}

// JournalRow represents a row in command_log.journals
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Mint          string
	Amount        uint64
	JournalType   string
	Timestamp     int64
}

var journalColumns = []string{
	"journal_id", "batch_id", "event_ref", "sequence", "debit_account",
	"credit_account", "mint", "amount", "journal_type", "timestamp",
}

func NewCommandLogWriter() *CommandLogWriter {
	return &CommandLogWriter{}
}

// NewCommandRow flattens an envelope for storage.
func NewCommandRow(env *event.EventEnvelope) CommandRow {
	return CommandRow{
		Sequence:       env.Sequence,
		OpType:         env.OpType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller,
		Timestamp:      env.Timestamp,
		Source:         env.Source,
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
	}
}

// NewJournalRows flattens a journal batch for storage.
func NewJournalRows(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Mint:          j.Mint,
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// WriteCommandBatch inserts commands with a multi-row INSERT and returns the
// sequences that were new. Rows already in the log (a replay after restart)
// are skipped.
func (w *CommandLogWriter) WriteCommandBatch(ctx context.Context, q querier, commands []CommandRow) (map[int64]bool, error) {
	inserted := make(map[int64]bool, len(commands))
	if len(commands) == 0 {
		return inserted, nil
	}

	query := `INSERT INTO command_log.commands
		(sequence, op_type, idempotency_key, caller, timestamp, source, source_sequence, payload, state_hash, prev_hash)
		VALUES `

	values := make([]string, 0, len(commands))
	args := make([]any, 0, len(commands)*10)

	for i, c := range commands {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			c.Sequence, c.OpType, c.IdempotencyKey, c.Caller, c.Timestamp,
			c.Source, c.SourceSequence, string(c.Payload), c.StateHash, c.PrevHash,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING RETURNING sequence"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		inserted[seq] = true
	}
	return inserted, rows.Err()
}

// CopyJournals streams journal rows through the COPY protocol. It must run
// inside a transaction.
func (w *CommandLogWriter) CopyJournals(ctx context.Context, q querier, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	stmt, err := q.PrepareContext(ctx, pq.CopyInSchema("command_log", "journals", journalColumns...))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}
	defer stmt.Close()

	for _, j := range journals {
		if _, err := stmt.ExecContext(ctx,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount,
			j.CreditAccount, j.Mint, j.Amount, j.JournalType, j.Timestamp,
		); err != nil {
			return fmt.Errorf("copy journal %s: %w", j.JournalID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flush copy: %w", err)
	}
	return nil
}

// filterJournals keeps the journals of newly inserted commands.
func filterJournals(journals []JournalRow, inserted map[int64]bool) []JournalRow {
	out := journals[:0:0]
	for _, j := range journals {
		if inserted[j.Sequence] {
			out = append(out, j)
		}
	}
	return out
}
