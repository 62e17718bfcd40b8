package event_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"PerpPool/internal/event"
	"PerpPool/internal/state"
)

func TestOpTypes_EveryOperationHasCommand(t *testing.T) {
	ops := event.OpTypes()
	require.Len(t, ops, int(event.OpSetCustomOraclePricePermissionless))
	for _, op := range ops {
		cmd, err := event.New(op)
		require.NoError(t, err, op.String())
		require.Equal(t, op, cmd.OpType())
		require.Equal(t, op, event.ParseOpType(op.String()))
	}
	_, err := event.New(event.OpUnknown)
	require.Error(t, err)
}

func TestOpType_Text(t *testing.T) {
	b, err := json.Marshal(map[string]event.OpType{"op": event.OpSwap})
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"swap"}`, string(b))

	var op event.OpType
	require.NoError(t, op.UnmarshalText([]byte("claim_vest")))
	require.Equal(t, event.OpClaimVest, op)
	require.Error(t, op.UnmarshalText([]byte("mint_everything")))
	require.Equal(t, event.OpUnknown, event.ParseOpType("mint_everything"))
}

func TestDecode_OpenPosition(t *testing.T) {
	payload := []byte(`{
		"idempotency_key": "k-1",
		"caller": "alice",
		"timestamp": 1700000000,
		"source": "gateway",
		"source_sequence": 7,
		"owner": "alice",
		"pool": "main",
		"mint": "ETH",
		"collateral_mint": "ETH",
		"side": "long",
		"price_limit": 2100000000,
		"collateral": 100000,
		"size": 1000000
	}`)

	cmd, err := event.Decode(event.OpOpenPosition, payload)
	require.NoError(t, err)
	open, ok := cmd.(*event.OpenPosition)
	require.True(t, ok)
	require.Equal(t, "k-1", open.IdempotencyKey())
	require.Equal(t, "alice", open.Caller())
	require.Equal(t, int64(1_700_000_000), open.Timestamp())
	require.Equal(t, "gateway", open.Source())
	require.Equal(t, int64(7), open.SourceSequence())
	require.Equal(t, state.SideLong, open.Side)
	require.Equal(t, uint64(2_100_000_000), open.PriceLimit)

	encoded, err := event.Encode(open)
	require.NoError(t, err)
	again, err := event.Decode(event.OpOpenPosition, encoded)
	require.NoError(t, err)
	require.Equal(t, open, again)
}

func TestDecode_Errors(t *testing.T) {
	_, err := event.Decode(event.OpUnknown, []byte(`{}`))
	require.Error(t, err)

	_, err = event.Decode(event.OpSwap, []byte(`{"amount_in": "lots"}`))
	require.ErrorContains(t, err, "decode swap")

	_, err = event.Decode(event.OpOpenPosition, []byte(`{"side": "sideways"}`))
	require.Error(t, err)
}

func TestOutcome_Applied(t *testing.T) {
	require.True(t, (&event.Outcome{Code: "OK"}).Applied())
	require.False(t, (&event.Outcome{Code: "INVALID_ARGUMENT", Error: "bad"}).Applied())
	require.False(t, (&event.Outcome{Code: "OK", Duplicate: true}).Applied())
}
