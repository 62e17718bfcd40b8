package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"PerpPool/internal/event"
	"PerpPool/internal/oracle"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeExecutor struct {
	mu       sync.Mutex
	executed []event.Command
	refuse   map[string]bool
}

func (f *fakeExecutor) Execute(cmd event.Command) (*event.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse[cmd.IdempotencyKey()] {
		return nil, errors.New("sequence gap")
	}
	f.executed = append(f.executed, cmd)
	return &event.Outcome{
		Sequence:       int64(len(f.executed) - 1),
		IdempotencyKey: cmd.IdempotencyKey(),
		OpType:         cmd.OpType(),
		Code:           "OK",
	}, nil
}

func (f *fakeExecutor) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.executed))
	for i, c := range f.executed {
		out[i] = c.IdempotencyKey()
	}
	return out
}

type fakeStream struct {
	subjects []string
	payloads [][]byte
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return &jetstream.PubAck{Stream: OutcomeStream}, nil
}

type fakeFeed struct {
	updates []oracle.Update
	err     error
}

func (f *fakeFeed) Poll(context.Context) ([]oracle.Update, error) {
	u := f.updates
	f.updates = nil
	return u, f.err
}

type fakeDue struct {
	cmds []event.Command
	asks []int64
}

func (f *fakeDue) DueCommands(now int64) []event.Command {
	f.asks = append(f.asks, now)
	return f.cmds
}

func startSequencer(t *testing.T, exec Executor) (*Sequencer, context.CancelFunc) {
	t.Helper()
	seq := NewSequencer(exec, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go seq.Run(ctx)
	t.Cleanup(cancel)
	return seq, cancel
}

func depositJSON(key string) []byte {
	data, _ := json.Marshal(map[string]any{
		"idempotency_key": key,
		"caller":          "admin",
		"timestamp":       1_700_000_000,
		"owner":           "bob",
		"mint":            "USDC",
		"amount":          1_000_000,
	})
	return data
}

// ============================================================================
// Parsing
// ============================================================================

func TestOpFromSubject(t *testing.T) {
	require.Equal(t, event.OpOpenPosition, OpFromSubject("perppool.commands.open_position"))
	require.Equal(t, event.OpClaimVest, OpFromSubject(CommandSubject(event.OpClaimVest)))
	require.Equal(t, event.OpUnknown, OpFromSubject("perppool.commands.teleport"))
	require.Equal(t, event.OpUnknown, OpFromSubject("other.open_position"))
}

func TestParseRawCommand_FromSubject(t *testing.T) {
	cmd, err := ParseRawCommand(RawCommand{Subject: "perppool.commands.deposit", Data: depositJSON("d-1")})
	require.NoError(t, err)

	dep, ok := cmd.(*event.Deposit)
	require.True(t, ok)
	require.Equal(t, "d-1", dep.IdempotencyKey())
	require.Equal(t, "bob", dep.Owner)
	require.Equal(t, uint64(1_000_000), dep.Amount)
}

func TestParseRawCommand_FixedOp(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"idempotency_key": "p-1",
		"caller":          "keeper",
		"timestamp":       1_700_000_000,
		"account_ref":     "SOL/USD",
		"price":           150_000_000,
		"exponent":        -6,
		"publish_time":    1_700_000_000,
	})
	cmd, err := ParseRawCommand(RawCommand{Subject: "perppool.prices.SOL", Op: event.OpSetOraclePrice, Data: data})
	require.NoError(t, err)
	price := cmd.(*event.SetOraclePrice)
	require.Equal(t, "SOL/USD", price.AccountRef)
	require.Equal(t, int32(-6), price.Exponent)
}

func TestParseRawCommand_Malformed(t *testing.T) {
	cases := map[string]RawCommand{
		"unknown op":   {Subject: "perppool.commands.teleport", Data: depositJSON("x")},
		"empty":        {Subject: "perppool.commands.deposit"},
		"bad json":     {Subject: "perppool.commands.deposit", Data: []byte("{")},
		"missing key":  {Subject: "perppool.commands.deposit", Data: depositJSON("")},
		"wrong fields": {Subject: "perppool.commands.deposit", Data: []byte(`{"amount":"lots"}`)},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRawCommand(raw)
			require.ErrorIs(t, err, ErrMalformedCommand)
		})
	}
}

func TestParseCommand_HeaderChecks(t *testing.T) {
	noCaller, _ := json.Marshal(map[string]any{"idempotency_key": "k", "timestamp": 1})
	_, err := ParseCommand(event.OpDeposit, noCaller)
	require.ErrorIs(t, err, ErrMalformedCommand)

	noTime, _ := json.Marshal(map[string]any{"idempotency_key": "k", "caller": "a"})
	_, err = ParseCommand(event.OpDeposit, noTime)
	require.ErrorIs(t, err, ErrMalformedCommand)

	orphanSeq, _ := json.Marshal(map[string]any{"idempotency_key": "k", "caller": "a", "timestamp": 1, "source_sequence": 4})
	_, err = ParseCommand(event.OpDeposit, orphanSeq)
	require.ErrorIs(t, err, ErrMalformedCommand)
}

func TestPriceCommand(t *testing.T) {
	cmd := PriceCommand("keeper", "redis", oracle.Update{
		AccountRef: "SOL/USD",
		Record:     oracle.PriceRecord{Price: 150, Exponent: -6, EMA: 149, PublishTime: 42},
	})
	require.Equal(t, "price:SOL/USD:42", cmd.IdempotencyKey())
	require.Equal(t, "keeper", cmd.Caller())
	require.Equal(t, int64(42), cmd.Timestamp())
	require.Equal(t, "redis", cmd.Source())
	require.Equal(t, int64(42), cmd.SourceSequence())
	require.Equal(t, uint64(149), cmd.EMA)
}

// ============================================================================
// Sequencer
// ============================================================================

func TestSequencer_SubmitWaitsForOutcome(t *testing.T) {
	exec := &fakeExecutor{}
	seq, _ := startSequencer(t, exec)

	out, err := seq.SubmitRaw(context.Background(), "deposit", depositJSON("d-1"))
	require.NoError(t, err)
	require.Equal(t, "d-1", out.IdempotencyKey)
	require.Equal(t, event.OpDeposit, out.OpType)

	_, err = seq.SubmitRaw(context.Background(), "teleport", depositJSON("d-2"))
	require.ErrorIs(t, err, ErrMalformedCommand)
	require.Equal(t, []string{"d-1"}, exec.keys())
}

func TestSequencer_PreservesOrder(t *testing.T) {
	exec := &fakeExecutor{}
	seq, _ := startSequencer(t, exec)

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(3)
	for _, key := range []string{"a", "b", "c"} {
		cmd, err := ParseCommand(event.OpDeposit, depositJSON(key))
		require.NoError(t, err)
		require.NoError(t, seq.Enqueue(ctx, Submission{Command: cmd, Done: func(*event.Outcome, error) { wg.Done() }}))
	}
	wg.Wait()
	require.Equal(t, []string{"a", "b", "c"}, exec.keys())
}

func TestSequencer_StoppedContext(t *testing.T) {
	seq := NewSequencer(&fakeExecutor{}, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd, err := ParseCommand(event.OpDeposit, depositJSON("late"))
	require.NoError(t, err)
	_, err = seq.Submit(ctx, cmd)
	require.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Routing acks
// ============================================================================

func TestRoute_AckNakTerm(t *testing.T) {
	exec := &fakeExecutor{refuse: map[string]bool{"gap": true}}
	seq, _ := startSequencer(t, exec)

	var mu sync.Mutex
	got := map[string]string{}
	var wg sync.WaitGroup
	mark := func(key, what string) func() {
		return func() {
			mu.Lock()
			got[key] = what
			mu.Unlock()
			wg.Done()
		}
	}
	raw := func(key string, data []byte) RawCommand {
		return RawCommand{
			Subject:    "perppool.commands.deposit",
			Data:       data,
			ReceivedAt: time.Now(),
			AckFunc:    mark(key, "ack"),
			NakFunc:    mark(key, "nak"),
			TermFunc:   mark(key, "term"),
		}
	}

	rawChan := make(chan RawCommand, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Route(ctx, rawChan, seq, nil)

	wg.Add(3)
	rawChan <- raw("ok", depositJSON("ok"))
	rawChan <- raw("gap", depositJSON("gap"))
	rawChan <- raw("junk", []byte("not json"))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[string]string{"ok": "ack", "gap": "nak", "junk": "term"}, got)
	require.Equal(t, []string{"ok"}, exec.keys())
}

// ============================================================================
// Publisher
// ============================================================================

func TestOutboundPublisher_Subject(t *testing.T) {
	stream := &fakeStream{}
	pub := NewOutboundPublisher(stream, nil)

	err := pub.Publish(context.Background(), &event.Outcome{Sequence: 7, OpType: event.OpSwap, Code: "OK"})
	require.NoError(t, err)
	require.Equal(t, []string{"perppool.outcomes.swap"}, stream.subjects)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(stream.payloads[0], &decoded))
	require.Equal(t, "swap", decoded["op_type"])
	require.EqualValues(t, 7, decoded["sequence"])
}

func TestOutboundPublisher_RunDrainsChannel(t *testing.T) {
	stream := &fakeStream{}
	in := make(chan *event.Outcome, 2)
	in <- &event.Outcome{Sequence: 1, OpType: event.OpDeposit}
	in <- &event.Outcome{Sequence: 2, OpType: event.OpWithdraw}
	close(in)

	require.NoError(t, NewOutboundPublisher(stream, in).Run(context.Background()))
	require.Equal(t, []string{"perppool.outcomes.deposit", "perppool.outcomes.withdraw"}, stream.subjects)
}

// ============================================================================
// Pollers
// ============================================================================

func TestPricePoller_Tick(t *testing.T) {
	exec := &fakeExecutor{}
	seq, _ := startSequencer(t, exec)
	feed := &fakeFeed{updates: []oracle.Update{
		{AccountRef: "BTC/USD", Record: oracle.PriceRecord{Price: 60_000, PublishTime: 10}},
		{AccountRef: "SOL/USD", Record: oracle.PriceRecord{Price: 150, PublishTime: 11}},
	}}

	keeper := ""
	poller := NewPricePoller(feed, seq, func() string { return keeper }, "redis", time.Second)

	// not initialized: nothing is read
	n, err := poller.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	keeper = "keeper"
	n, err = poller.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Eventually(t, func() bool { return len(exec.keys()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"price:BTC/USD:10", "price:SOL/USD:11"}, exec.keys())

	feed.err = errors.New("redis down")
	_, err = poller.Tick(context.Background())
	require.Error(t, err)
}

func TestKeeperLoop_Tick(t *testing.T) {
	exec := &fakeExecutor{}
	seq, _ := startSequencer(t, exec)
	due := &fakeDue{cmds: []event.Command{
		&event.ResolveStakingRound{Header: event.Header{Key: "resolve:lm@1", Signer: "keeper", Time: 5}, Staking: "lm"},
		&event.ClaimStakes{Header: event.Header{Key: "task:t1@1", Signer: "keeper", Time: 5}, Owner: "bob", Staking: "lm"},
	}}

	loop := NewKeeperLoop(due, seq, time.Second)
	loop.now = func() time.Time { return time.Unix(5, 0) }

	n, err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int64{5}, due.asks)
	require.Equal(t, []string{"resolve:lm@1", "task:t1@1"}, exec.keys())
}
