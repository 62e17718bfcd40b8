package ingestion

import (
	"context"
	"time"

	"PerpPool/internal/event"
	"PerpPool/internal/observability"
	"PerpPool/internal/oracle"
)

// PriceSource is polled for fresh oracle records. *oracle.RedisFeed
// satisfies it.
type PriceSource interface {
	Poll(ctx context.Context) ([]oracle.Update, error)
}

// DueSource lists the keeper commands due at a wall-clock time.
// *core.Engine satisfies it.
type DueSource interface {
	DueCommands(now int64) []event.Command
}

// PricePoller turns feed updates into set_oracle_price commands signed by
// the keeper.
type PricePoller struct {
	feed     PriceSource
	seq      *Sequencer
	keeper   func() string
	source   string
	interval time.Duration
}

// NewPricePoller polls feed every interval. keeper is read on every tick
// because the keeper is only known once the engine is initialized.
func NewPricePoller(feed PriceSource, seq *Sequencer, keeper func() string, source string, interval time.Duration) *PricePoller {
	return &PricePoller{feed: feed, seq: seq, keeper: keeper, source: source, interval: interval}
}

// Run polls until ctx is done. Feed errors are logged and retried on the
// next tick.
func (p *PricePoller) Run(ctx context.Context) error {
	log := observability.NewLogger("price-poller")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.Tick(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("price poll failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("updates", n).Msg("submitted prices")
			}
		}
	}
}

// Tick polls once and submits every update, returning how many were
// submitted.
func (p *PricePoller) Tick(ctx context.Context) (int, error) {
	keeper := p.keeper()
	if keeper == "" {
		return 0, nil
	}
	updates, err := p.feed.Poll(ctx)
	if err != nil {
		return 0, err
	}
	for _, u := range updates {
		if err := p.seq.Enqueue(ctx, Submission{Command: PriceCommand(keeper, p.source, u)}); err != nil {
			return 0, err
		}
	}
	return len(updates), nil
}

// KeeperLoop submits the engine's due commands on every tick, using wall
// time as the command clock.
type KeeperLoop struct {
	due      DueSource
	seq      *Sequencer
	interval time.Duration
	now      func() time.Time
}

func NewKeeperLoop(due DueSource, seq *Sequencer, interval time.Duration) *KeeperLoop {
	return &KeeperLoop{due: due, seq: seq, interval: interval, now: time.Now}
}

func (k *KeeperLoop) Run(ctx context.Context) error {
	log := observability.NewLogger("keeper")
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := k.Tick(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info().Int("commands", n).Msg("submitted keeper commands")
			}
		}
	}
}

// Tick submits the commands due now and waits for each outcome, so a
// command is never submitted twice in the same tick.
func (k *KeeperLoop) Tick(ctx context.Context) (int, error) {
	cmds := k.due.DueCommands(k.now().Unix())
	for _, cmd := range cmds {
		if _, err := k.seq.Submit(ctx, cmd); err != nil {
			return 0, err
		}
	}
	return len(cmds), nil
}
