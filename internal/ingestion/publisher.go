package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpPool/internal/event"
	"PerpPool/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutcomeSubjectPrefix = "perppool.outcomes."
	OutcomeStream        = "PERPPOOL_OUTCOMES"
)

// StreamPublisher is the part of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied outcomes to NATS for downstream
// consumers, on perppool.outcomes.{op}. Outcomes arrive after persistence
// has confirmed them.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan *event.Outcome
	log       zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan *event.Outcome) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       observability.NewLogger("publisher"),
	}
}

// OutcomeSubject is the subject an outcome of op is published on.
func OutcomeSubject(op event.OpType) string {
	return OutcomeSubjectPrefix + op.String()
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case outcome, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.Publish(ctx, outcome); err != nil {
				// Non-fatal: downstream consumers can read the command log
				op.log.Warn().Int64("sequence", outcome.Sequence).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends one outcome. The sequence is the JetStream message id, so a
// republished outcome is dropped by the stream's duplicate window.
func (op *OutboundPublisher) Publish(ctx context.Context, outcome *event.Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	_, err = op.js.Publish(ctx, OutcomeSubject(outcome.OpType), data,
		jetstream.WithMsgID(fmt.Sprintf("seq-%d", outcome.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound outcomes stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutcomeStream,
		Subjects:   []string{OutcomeSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log := observability.NewLogger("nats")
	log.Info().Str("stream", OutcomeStream).Msg("ensured outbound stream")
	return nil
}
