package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
	"PerpPool/internal/oracle"
	"PerpPool/internal/state"
	"PerpPool/internal/testutil"
)

// --- Test helpers ---

const testFlushTimeout = 5 * time.Millisecond

// memLog is an in-memory command log.
type memLog struct {
	rows []CommandRow
}

func (m *memLog) LoadCommandsFrom(_ context.Context, from int64, limit int) ([]CommandRow, error) {
	var out []CommandRow
	for _, r := range m.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func testCommands() []event.Command {
	const t0 int64 = 1_700_000_000
	n := 0
	header := func(caller string) event.Header {
		n++
		return event.Header{Key: fmt.Sprintf("cmd-%d", n), Signer: caller, Time: t0 + int64(n)}
	}
	return []event.Command{
		&event.Init{
			Header:                    header("admin"),
			Permissions:               state.AllPermissions(),
			MinSignatures:             1,
			Admin:                     "admin",
			Keeper:                    "keeper",
			RewardTokenMint:           "USDC",
			RewardTokenDecimals:       6,
			CoreContributorAllocation: 1_000_000_000,
			DAOTreasuryAllocation:     1_000_000_000,
			POLAllocation:             1_000_000_000,
			EcosystemAllocation:       10_000_000_000,
			LMStakersFeeShare:         5_000,
			GovernanceRealm:           "realm",
			GovernanceProgram:         "gov",
		},
		&event.AddPool{Header: header("admin"), Name: "main"},
		&event.AddCustody{
			Header:   header("admin"),
			Pool:     "main",
			Mint:     "USDC",
			Decimals: 6,
			CustodyConfig: event.CustodyConfig{
				IsStable:    true,
				Oracle:      oracle.Params{},
				Pricing:     state.PricingParams{MinInitialLeverage: 10_000, MaxLeverage: 1_000_000, MaxPayoffMult: 10_000},
				Permissions: state.AllPermissions(),
				Fees: state.Fees{
					Mode:            state.FeesModeFixed,
					AddLiquidity:    10,
					RemoveLiquidity: 10,
					ProtocolShare:   1_000,
				},
			},
		},
		&event.Deposit{Header: header("admin"), Owner: "bob", Mint: "USDC", Amount: 5_000_000_000},
		&event.AddLiquidity{Header: header("bob"), Owner: "bob", Pool: "main", Mint: "USDC", AmountIn: 1_000_000_000},
		&event.RemoveLiquidity{Header: header("bob"), Owner: "bob", Pool: "main", Mint: "USDC", LPAmountIn: 100_000_000},
	}
}

// recordLog applies the test commands to a fresh engine and returns what
// the persistence worker would have been handed.
func recordLog(t *testing.T) (*core.Engine, []CoreOutput) {
	t.Helper()
	persist := make(chan core.CoreOutput, 64)
	e := core.NewEngine(core.Options{PersistChan: persist})
	for _, cmd := range testCommands() {
		out, err := e.Execute(cmd)
		if err != nil {
			t.Fatalf("%s: %v", cmd.OpType(), err)
		}
		if !out.Applied() {
			t.Fatalf("%s rejected: %s (%s)", cmd.OpType(), out.Code, out.Error)
		}
	}
	close(persist)

	var outputs []CoreOutput
	for o := range persist {
		outputs = append(outputs, NewCoreOutput(o.Envelope, o.Batch))
	}
	return e, outputs
}

func commandRows(outputs []CoreOutput) []CommandRow {
	rows := make([]CommandRow, 0, len(outputs))
	for _, o := range outputs {
		rows = append(rows, o.CommandRow)
	}
	return rows
}

// ============================================================================
// Test: row conversion
// ============================================================================

func TestNewCoreOutput_FlattensEnvelopeAndJournals(t *testing.T) {
	_, outputs := recordLog(t)
	if len(outputs) != len(testCommands()) {
		t.Fatalf("outputs = %d", len(outputs))
	}

	for i, o := range outputs {
		if o.CommandRow.Sequence != int64(i) {
			t.Errorf("row %d: sequence %d", i, o.CommandRow.Sequence)
		}
		if len(o.CommandRow.StateHash) != 32 || len(o.CommandRow.PrevHash) != 32 {
			t.Errorf("row %d: hash lengths %d/%d", i, len(o.CommandRow.StateHash), len(o.CommandRow.PrevHash))
		}
		if i > 0 && string(o.CommandRow.PrevHash) != string(outputs[i-1].CommandRow.StateHash) {
			t.Errorf("row %d: prev hash does not link", i)
		}
		for _, j := range o.JournalRows {
			if j.Sequence != o.CommandRow.Sequence {
				t.Errorf("row %d: journal sequence %d", i, j.Sequence)
			}
			if j.Amount == 0 || j.DebitAccount == j.CreditAccount {
				t.Errorf("row %d: degenerate journal %+v", i, j)
			}
		}
	}

	dep := outputs[3]
	if dep.CommandRow.OpType != "deposit" {
		t.Fatalf("op = %s", dep.CommandRow.OpType)
	}
	if len(dep.JournalRows) != 1 {
		t.Fatalf("deposit journals = %d", len(dep.JournalRows))
	}
	j := dep.JournalRows[0]
	if j.DebitAccount != "user:bob:wallet:USDC" || j.CreditAccount != "external:deposits:USDC" {
		t.Errorf("deposit accounts = %s / %s", j.DebitAccount, j.CreditAccount)
	}
	if j.JournalType != "deposit" || j.Mint != "USDC" || j.Amount != 5_000_000_000 {
		t.Errorf("deposit journal = %+v", j)
	}
}

func TestFilterJournals(t *testing.T) {
	journals := []JournalRow{
		{JournalID: "a", Sequence: 1},
		{JournalID: "b", Sequence: 2},
		{JournalID: "c", Sequence: 2},
		{JournalID: "d", Sequence: 3},
	}
	got := filterJournals(journals, map[int64]bool{2: true})
	if len(got) != 2 || got[0].JournalID != "b" || got[1].JournalID != "c" {
		t.Fatalf("filtered = %+v", got)
	}
	if len(journals) != 4 || journals[0].JournalID != "a" {
		t.Fatal("input slice modified")
	}
	if got := filterJournals(journals, map[int64]bool{}); len(got) != 0 {
		t.Fatalf("nothing inserted, got %d", len(got))
	}
}

func TestDecodeCommand(t *testing.T) {
	_, outputs := recordLog(t)
	cmd, err := DecodeCommand(outputs[4].CommandRow)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	add, ok := cmd.(*event.AddLiquidity)
	if !ok {
		t.Fatalf("decoded %T", cmd)
	}
	if add.Owner != "bob" || add.AmountIn != 1_000_000_000 {
		t.Errorf("decoded = %+v", add)
	}

	if _, err := DecodeCommand(CommandRow{Sequence: 9, OpType: "teleport"}); err == nil {
		t.Error("unknown operation decoded")
	}
}

// ============================================================================
// Test: replay
// ============================================================================

func TestReplay_ReproducesStateHash(t *testing.T) {
	live, outputs := recordLog(t)
	src := &memLog{rows: commandRows(outputs)}

	fresh := core.NewEngine(core.Options{})
	n, err := Replay(context.Background(), src, fresh, 0, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != int64(len(outputs)) {
		t.Errorf("replayed %d, want %d", n, len(outputs))
	}
	if fresh.GetSequence() != live.GetSequence() {
		t.Errorf("sequence %d, want %d", fresh.GetSequence(), live.GetSequence())
	}
	if fresh.GetStateHash() != live.GetStateHash() {
		t.Error("state hash differs after replay")
	}
}

func TestReplay_FromSnapshotSkipsApplied(t *testing.T) {
	_, outputs := recordLog(t)
	rows := commandRows(outputs)

	// a snapshot taken after the first three commands
	partial := core.NewEngine(core.Options{})
	if _, err := Replay(context.Background(), &memLog{rows: rows[:3]}, partial, 0, nil); err != nil {
		t.Fatalf("partial replay: %v", err)
	}
	snap, err := partial.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored := core.NewEngine(core.Options{})
	if err := restored.RestoreSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	n, err := Replay(context.Background(), &memLog{rows: rows}, restored, 0, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != int64(len(rows)-3) {
		t.Errorf("replayed %d, want %d", n, len(rows)-3)
	}
	var last [32]byte
	copy(last[:], rows[len(rows)-1].StateHash)
	if restored.GetStateHash() != last {
		t.Error("state hash differs from the logged head")
	}
}

func TestReplay_DetectsDivergence(t *testing.T) {
	_, outputs := recordLog(t)
	rows := commandRows(outputs)
	tampered := append([]byte(nil), rows[4].StateHash...)
	tampered[0] ^= 0xff
	rows[4].StateHash = tampered

	fresh := core.NewEngine(core.Options{})
	n, err := Replay(context.Background(), &memLog{rows: rows}, fresh, 0, nil)
	if err == nil {
		t.Fatal("expected divergence error")
	}
	if n != 4 {
		t.Errorf("replayed %d before divergence, want 4", n)
	}
}

// ============================================================================
// Test: Postgres round trip
// ============================================================================

func TestCommandLog_Postgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	live, outputs := recordLog(t)
	in := make(chan CoreOutput, len(outputs)*2)
	for _, o := range outputs {
		in <- o
	}
	// a second delivery of the same rows is absorbed
	for _, o := range outputs {
		in <- o
	}
	close(in)
	if err := NewPersistenceWorker(db, in, 4, testFlushTimeout, nil).Run(ctx); err != nil {
		t.Fatalf("worker: %v", err)
	}

	sm := NewSnapshotManager(db)
	head, err := sm.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if head != int64(len(outputs)-1) {
		t.Fatalf("head = %d", head)
	}

	dup, err := NewPostgresIdempotencyChecker(db).IsDuplicate("deposit", "cmd-4")
	if err != nil || !dup {
		t.Fatalf("deposit key not found: %v", err)
	}
	if dup, _ := NewPostgresIdempotencyChecker(db).IsDuplicate("withdraw", "cmd-4"); dup {
		t.Fatal("key matched under another operation")
	}

	if _, err := TakeSnapshot(ctx, live, sm, nil); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	recovered := core.NewEngine(core.Options{})
	n, err := Recover(ctx, sm, recovered, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 0 {
		t.Errorf("replayed %d past a head snapshot", n)
	}
	if recovered.GetStateHash() != live.GetStateHash() {
		t.Error("recovered state hash differs")
	}
}

// ============================================================================
// Test: migrations
// ============================================================================

func TestLoadMigrations_InVersionOrder(t *testing.T) {
	migrations, err := LoadMigrations("../../migrations")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("migrations = %v", migrations)
	}
	if migrations[0].UpFile != "000001_command_log.up.sql" || migrations[1].UpFile != "000002_projections.up.sql" {
		t.Errorf("order = %v", migrations)
	}
	if migrations[1].Version != "000002" {
		t.Errorf("version = %s", migrations[1].Version)
	}
	if migrations[0].DownFile != "000001_command_log.down.sql" {
		t.Errorf("down file = %s", migrations[0].DownFile)
	}
	if len(migrations[0].Checksum) != 64 || migrations[0].Checksum == migrations[1].Checksum {
		t.Errorf("checksums = %s, %s", migrations[0].Checksum, migrations[1].Checksum)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000001_a.up.sql", "000001_b.up.sql", "000001_a.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := LoadMigrations(dir); err == nil {
		t.Error("duplicate version accepted")
	}
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	m := NewMigrator(db, "../../migrations")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := m.Up(ctx); err != nil {
			t.Fatalf("up #%d: %v", i+1, err)
		}
	}
	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, st := range status {
		if st.AppliedAt == nil {
			t.Errorf("%s not applied", st.UpFile)
		}
	}
}
