package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpPool/internal/event"
	"PerpPool/internal/observability"

	"github.com/rs/zerolog"
)

var ErrIngestClosed = errors.New("ingestion: sequencer stopped")

// Executor applies one command. *core.Engine satisfies it.
type Executor interface {
	Execute(cmd event.Command) (*event.Outcome, error)
}

// Submission is one command waiting for the sequencer. Done, when set, is
// called with the outcome once the command has been executed.
type Submission struct {
	Command event.Command
	Done    func(*event.Outcome, error)
}

// Sequencer is the single goroutine that feeds the engine. Every ingress
// path (NATS, HTTP, price poller, keeper loop) submits through it.
type Sequencer struct {
	exec    Executor
	in      chan Submission
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewSequencer(exec Executor, buffer int, metrics *observability.Metrics) *Sequencer {
	return &Sequencer{
		exec:    exec,
		in:      make(chan Submission, buffer),
		metrics: metrics,
		log:     observability.NewLogger("sequencer"),
	}
}

// Enqueue hands a submission to the sequencer without waiting for it.
func (s *Sequencer) Enqueue(ctx context.Context, sub Submission) error {
	select {
	case s.in <- sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit executes cmd through the sequencer and waits for its outcome.
func (s *Sequencer) Submit(ctx context.Context, cmd event.Command) (*event.Outcome, error) {
	type result struct {
		outcome *event.Outcome
		err     error
	}
	done := make(chan result, 1)
	err := s.Enqueue(ctx, Submission{
		Command: cmd,
		Done: func(o *event.Outcome, err error) {
			done <- result{o, err}
		},
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.outcome, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitRaw decodes a JSON payload of the named operation and submits it.
func (s *Sequencer) SubmitRaw(ctx context.Context, opName string, payload []byte) (*event.Outcome, error) {
	op := event.ParseOpType(opName)
	if op == event.OpUnknown {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrMalformedCommand, opName)
	}
	cmd, err := ParseCommand(op, payload)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, cmd)
}

// Run executes submissions in arrival order until ctx is done. Pending
// submissions are answered with ErrIngestClosed on exit.
func (s *Sequencer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()

		case sub := <-s.in:
			s.execute(sub)
		}
	}
}

func (s *Sequencer) execute(sub Submission) {
	outcome, err := s.exec.Execute(sub.Command)
	if err != nil {
		// source sequence violations: the command was not applied
		s.log.Error().
			Str("op", sub.Command.OpType().String()).
			Str("idempotency_key", sub.Command.IdempotencyKey()).
			Str("source", sub.Command.Source()).
			Int64("source_sequence", sub.Command.SourceSequence()).
			Err(err).
			Msg("command refused")
	}
	if sub.Done != nil {
		sub.Done(outcome, err)
	}
}

func (s *Sequencer) drain() {
	for {
		select {
		case sub := <-s.in:
			if sub.Done != nil {
				sub.Done(nil, ErrIngestClosed)
			}
		default:
			return
		}
	}
}

// Route parses raw NATS messages and enqueues them. A message is acked once
// the engine has an answer for it (applied, rejected or duplicate), nak'd
// when the sequencer refused it so JetStream redelivers, and terminated
// when it cannot be parsed.
func Route(ctx context.Context, rawChan <-chan RawCommand, seq *Sequencer, metrics *observability.Metrics) error {
	log := observability.NewLogger("ingestion")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			if metrics != nil {
				metrics.NATSPullLatency.WithLabelValues(raw.Stream).Observe(time.Since(raw.ReceivedAt).Seconds())
			}

			cmd, err := ParseRawCommand(raw)
			if err != nil {
				log.Warn().Str("subject", raw.Subject).Err(err).Msg("dropping malformed command")
				if raw.TermFunc != nil {
					raw.TermFunc()
				}
				continue
			}

			sub := Submission{
				Command: cmd,
				Done: func(_ *event.Outcome, err error) {
					if err != nil {
						if raw.NakFunc != nil {
							raw.NakFunc()
						}
						return
					}
					if raw.AckFunc != nil {
						raw.AckFunc()
					}
				},
			}
			if err := seq.Enqueue(ctx, sub); err != nil {
				if raw.NakFunc != nil {
					raw.NakFunc()
				}
				return err
			}
		}
	}
}
