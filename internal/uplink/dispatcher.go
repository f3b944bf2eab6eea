// Package uplink drains the queue towards the upstream system.
package uplink

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gateway/internal/storage"
)

// Pack is one event pack on its way upstream. ID stays the same while the pack is
// retried so receivers can drop duplicates.
type Pack struct {
	ID       uuid.UUID
	Messages []string
}

type Sink interface {
	Send(ctx context.Context, pack Pack) error
	Close() error
}

type Config struct {
	PollInterval time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = c.RetryBackoff
	}
}

// Dispatcher is the single consumer of the queue. A pack is acknowledged only after
// the sink accepted all of it, so a failed send is retried with the same pack.
type Dispatcher struct {
	cfg      Config
	consumer storage.Consumer
	sink     Sink
	log      *zap.Logger
}

func NewDispatcher(cfg Config, consumer storage.Consumer, sink Sink, log *zap.Logger) *Dispatcher {
	cfg.withDefaults()
	return &Dispatcher{cfg: cfg, consumer: consumer, sink: sink, log: log.Named("uplink")}
}

// Run delivers packs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var (
		id      uuid.UUID
		backoff = d.cfg.RetryBackoff
		fails   int
	)
	d.log.Info("uplink dispatcher started", zap.Duration("poll_interval", d.cfg.PollInterval))
	for ctx.Err() == nil {
		msgs := d.consumer.GetEventPack(ctx)
		if len(msgs) == 0 {
			sleep(ctx, d.cfg.PollInterval)
			continue
		}
		if id == uuid.Nil {
			id = uuid.New()
		}
		if err := d.sink.Send(ctx, Pack{ID: id, Messages: msgs}); err != nil {
			if ctx.Err() != nil {
				break
			}
			fails++
			d.log.Warn("pack delivery failed",
				zap.Stringer("pack_id", id), zap.Int("messages", len(msgs)), zap.Int("attempt", fails), zap.Duration("retry_in", backoff), zap.Error(err))
			sleep(ctx, backoff)
			backoff = min(backoff*2, d.cfg.MaxBackoff)
			continue
		}
		d.consumer.EventPackProcessingDone(ctx)
		d.log.Debug("pack delivered", zap.Stringer("pack_id", id), zap.Int("messages", len(msgs)))
		id, backoff, fails = uuid.Nil, d.cfg.RetryBackoff, 0
	}
	d.log.Info("uplink dispatcher stopped")
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
