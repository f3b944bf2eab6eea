// Package app wires the configured ingest adapters, the queue and the uplink
// dispatcher into one running gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gateway/internal/config"
	"gateway/internal/convert"
	"gateway/internal/ingest/kafka"
	"gateway/internal/ingest/rabbitmq"
	"gateway/internal/ingest/socket"
	"gateway/internal/storage"
	"gateway/internal/storage/memory"
	"gateway/internal/storage/sqlite"
	"gateway/internal/uplink"
	"gateway/internal/uplink/amqpsink"
	"gateway/internal/uplink/kafkasink"
)

type Options struct {
	// Ephemeral keeps the queue in memory. Nothing survives a restart.
	Ephemeral bool
	Registry  *convert.Registry
}

// Run blocks until ctx is cancelled or a component fails. Producers are stopped
// before the dispatcher, and the queue is stopped last so accepted records are
// flushed.
func Run(ctx context.Context, cfg config.Config, log *zap.Logger, opts Options) error {
	if opts.Registry == nil {
		opts.Registry = convert.NewRegistry()
	}
	q, err := openQueue(ctx, cfg, log, opts.Ephemeral)
	if err != nil {
		return err
	}
	defer q.Stop()

	sink, err := NewSink(cfg, log)
	if err != nil {
		return err
	}
	if sink != nil {
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn("close uplink sink", zap.Error(err))
			}
		}()
	}

	uplinkCtx, stopUplink := context.WithCancel(context.Background())
	defer stopUplink()
	uplinkDone := make(chan error, 1)
	if sink != nil {
		d := uplink.NewDispatcher(uplink.Config{
			PollInterval: time.Duration(cfg.Uplink.PollInterval) * time.Millisecond,
			MaxBackoff:   time.Duration(cfg.Uplink.MaxBackoff) * time.Millisecond,
		}, q, sink, log)
		go func() { uplinkDone <- d.Run(uplinkCtx) }()
	} else {
		log.Warn("no uplink sink configured, records accumulate in the queue")
		close(uplinkDone)
	}

	err = runIngest(ctx, cfg, q, opts.Registry, log)
	stopUplink()
	<-uplinkDone
	log.Info("gateway stopped", zap.Int("queued", q.Len()))
	return err
}

func openQueue(ctx context.Context, cfg config.Config, log *zap.Logger, ephemeral bool) (storage.Queue, error) {
	if ephemeral {
		s := cfg.Storage.WithDefaults()
		log.Warn("running with an in-memory queue")
		return memory.NewQueue(s.MaxReadRecordsCount, int(s.SizeLimit)*s.MaxDBAmount), nil
	}
	q, err := sqlite.Open(ctx, cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}

// runIngest starts every enabled adapter and waits for all of them to return.
func runIngest(ctx context.Context, cfg config.Config, q storage.Producer, reg *convert.Registry, log *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	started := 0

	if sc := cfg.Ingest.Socket; sc.Enabled {
		conv, err := reg.Lookup(sc.Converter)
		if err != nil {
			return fmt.Errorf("ingest.socket: %w", err)
		}
		srv := socket.NewServer(socket.Config{
			Network:          sc.Network,
			Address:          sc.Address,
			UnixSocketPath:   sc.UnixSocketPath,
			AuthToken:        sc.AuthToken,
			MaxInflight:      sc.MaxInflight,
			GlobalQueueLimit: sc.GlobalQueueLimit,
		}, q, conv, log)
		g.Go(func() error { return srv.Start(gctx) })
		started++
	}

	if kc := cfg.Ingest.Kafka; kc.Enabled {
		conv, err := reg.Lookup(kc.Converter)
		if err != nil {
			return fmt.Errorf("ingest.kafka: %w", err)
		}
		a, err := kafka.NewAdapter(kafka.Config{
			Enabled:     true,
			Brokers:     kc.Brokers,
			Topics:      kc.Topics,
			GroupID:     kc.GroupID,
			ClientID:    kc.ClientID,
			WorkerCount: kc.Workers,
		}, q, conv, log)
		if err != nil {
			return fmt.Errorf("ingest.kafka: %w", err)
		}
		g.Go(func() error {
			if err := a.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka ingest: %w", err)
			}
			return nil
		})
		started++
	}

	if rc := cfg.Ingest.RabbitMQ; rc.Enabled {
		conv, err := reg.Lookup(rc.Converter)
		if err != nil {
			return fmt.Errorf("ingest.rabbitmq: %w", err)
		}
		a, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           rc.URL,
			Exchange:      rc.Exchange,
			Queue:         rc.Queue,
			RoutingKeys:   rc.RoutingKeys,
			PrefetchCount: rc.PrefetchCount,
			ManualAck:     true,
			Workers:       rc.Workers,
			DeliveryQueue: rc.PrefetchCount,
		}, q, conv, log)
		if err != nil {
			return fmt.Errorf("ingest.rabbitmq: %w", err)
		}
		g.Go(func() error {
			if err := a.Start(gctx); err != nil {
				return fmt.Errorf("rabbitmq ingest: %w", err)
			}
			<-gctx.Done()
			return a.Close()
		})
		started++
	}

	if started == 0 {
		log.Warn("no ingest adapter enabled")
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// NewSink builds the configured uplink sink. It returns nil for the "none" sink.
func NewSink(cfg config.Config, log *zap.Logger) (uplink.Sink, error) {
	switch cfg.Uplink.Sink {
	case config.SinkKafka:
		return kafkasink.New(kafkasink.Config{
			Brokers:  cfg.Uplink.Kafka.Brokers,
			Topic:    cfg.Uplink.Kafka.Topic,
			ClientID: cfg.Gateway.Name,
			Key:      cfg.Gateway.Name,
		}, log)
	case config.SinkRabbitMQ:
		return amqpsink.New(amqpsink.Config{
			URL:        cfg.Uplink.RabbitMQ.URL,
			Exchange:   cfg.Uplink.RabbitMQ.Exchange,
			RoutingKey: cfg.Uplink.RabbitMQ.RoutingKey,
		}, log)
	case "", config.SinkNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported uplink.sink %q", cfg.Uplink.Sink)
	}
}
