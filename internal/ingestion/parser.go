package ingestion

import (
	"errors"
	"fmt"

	"PerpPool/internal/event"
	"PerpPool/internal/oracle"
)

// ErrMalformedCommand marks a payload that can never be applied; the
// message is terminated instead of redelivered.
var ErrMalformedCommand = errors.New("ingestion: malformed command")

// ParseRawCommand converts a RawCommand into a typed command. The operation
// comes from the subscription when it is fixed, otherwise from the subject.
// The ingestion shell validates the envelope fields; business validation is
// left to the core.
func ParseRawCommand(raw RawCommand) (event.Command, error) {
	op := raw.Op
	if op == event.OpUnknown {
		op = OpFromSubject(raw.Subject)
	}
	if op == event.OpUnknown {
		return nil, fmt.Errorf("%w: no operation for subject %q", ErrMalformedCommand, raw.Subject)
	}
	return ParseCommand(op, raw.Data)
}

// ParseCommand decodes a JSON payload of op and checks its header.
func ParseCommand(op event.OpType, data []byte) (event.Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty %s payload", ErrMalformedCommand, op)
	}
	cmd, err := event.Decode(op, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if err := validateHeader(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func validateHeader(cmd event.Command) error {
	if cmd.IdempotencyKey() == "" {
		return fmt.Errorf("%w: %s missing idempotency_key", ErrMalformedCommand, cmd.OpType())
	}
	if cmd.Caller() == "" {
		return fmt.Errorf("%w: %s missing caller", ErrMalformedCommand, cmd.OpType())
	}
	if cmd.Timestamp() <= 0 {
		return fmt.Errorf("%w: %s timestamp must be positive", ErrMalformedCommand, cmd.OpType())
	}
	if cmd.Source() == "" && cmd.SourceSequence() != 0 {
		return fmt.Errorf("%w: %s source_sequence without source", ErrMalformedCommand, cmd.OpType())
	}
	return nil
}

// PriceCommand wraps one feed update as a set_oracle_price command signed by
// the keeper. The publish time doubles as the command clock and the source
// sequence, so replays of the same update collapse on the idempotency key.
func PriceCommand(keeper, source string, u oracle.Update) *event.SetOraclePrice {
	return &event.SetOraclePrice{
		Header: event.Header{
			Key:       fmt.Sprintf("price:%s:%d", u.AccountRef, u.Record.PublishTime),
			Signer:    keeper,
			Time:      u.Record.PublishTime,
			Producer:  source,
			ProducerN: u.Record.PublishTime,
		},
		AccountRef:  u.AccountRef,
		Price:       u.Record.Price,
		Exponent:    u.Record.Exponent,
		Confidence:  u.Record.Confidence,
		EMA:         u.Record.EMA,
		PublishTime: u.Record.PublishTime,
	}
}
