package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PerpPool/internal/event"
	"PerpPool/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// CommandSubjectPrefix is followed by the operation name, e.g.
	// perppool.commands.open_position.
	CommandSubjectPrefix = "perppool.commands."
	// PriceSubjectPrefix is followed by the oracle account ref.
	PriceSubjectPrefix = "perppool.prices."

	CommandStream = "PERPPOOL_COMMANDS"
	PriceStream   = "PERPPOOL_PRICES"
)

// NATSSubscriber subscribes to JetStream subjects and hands raw messages to
// the parser through rawChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawCommand is an undecoded message from NATS.
type RawCommand struct {
	Subject    string
	Stream     string
	Data       []byte
	ReceivedAt time.Time
	// Op is fixed by the subscription, or OpUnknown to read it from the
	// subject.
	Op      event.OpType
	AckFunc func()
	NakFunc func()
	// TermFunc stops redelivery of a message that can never parse.
	TermFunc func()
}

// SubjectConfig binds a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	Op           event.OpType
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the command and price subscriptions.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: CommandSubjectPrefix + ">", ConsumerName: "perppool-commands", StreamName: CommandStream},
		{Subject: PriceSubjectPrefix + ">", Op: event.OpSetOraclePrice, ConsumerName: "perppool-prices", StreamName: PriceStream},
	}
}

// CommandSubject is the subject a command of op is published on.
func CommandSubject(op event.OpType) string {
	return CommandSubjectPrefix + op.String()
}

// OpFromSubject reads the operation from the last subject token.
func OpFromSubject(subject string) event.OpType {
	if !strings.HasPrefix(subject, CommandSubjectPrefix) {
		return event.OpUnknown
	}
	return event.ParseOpType(strings.TrimPrefix(subject, CommandSubjectPrefix))
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		log:     observability.NewLogger("nats"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		op, stream := cfg.Op, cfg.StreamName
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:    msg.Subject(),
				Stream:     stream,
				Data:       msg.Data(),
				ReceivedAt: time.Now(),
				Op:         op,
				AckFunc:    func() { _ = msg.Ack() },
				NakFunc:    func() { _ = msg.Nak() },
				TermFunc:   func() { _ = msg.Term() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	log := observability.NewLogger("nats")
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      PriceStream,
			Subjects:  []string{PriceSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("perppool"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
