// Package amqpsink publishes event packs to a RabbitMQ exchange with publisher
// confirms.
package amqpsink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"gateway/internal/uplink"
)

var ErrNacked = errors.New("publish not confirmed by broker")

type Config struct {
	URL          string
	Exchange     string
	ExchangeKind string
	RoutingKey   string
	ContentType  string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("uplink rabbitmq url is required")
	}
	if c.Exchange == "" {
		return errors.New("uplink rabbitmq exchange is required")
	}
	return nil
}

// Sink keeps one confirm-mode channel. A failed channel is dropped and redialed
// on the next Send.
type Sink struct {
	cfg Config
	log *zap.Logger

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

func New(cfg Config, log *zap.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = "topic"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}
	return &Sink{cfg: cfg, log: log.Named("amqpsink")}, nil
}

func (s *Sink) Send(ctx context.Context, pack uplink.Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(); err != nil {
		return err
	}
	if err := s.publishLocked(ctx, pack); err != nil {
		s.resetLocked()
		return err
	}
	return nil
}

func (s *Sink) publishLocked(ctx context.Context, pack uplink.Pack) error {
	id := pack.ID.String()
	confirms := make([]*amqp091.DeferredConfirmation, 0, len(pack.Messages))
	now := time.Now()
	for i, m := range pack.Messages {
		dc, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.cfg.Exchange, s.cfg.RoutingKey, false, false, amqp091.Publishing{
			ContentType:   s.cfg.ContentType,
			DeliveryMode:  amqp091.Persistent,
			CorrelationId: id,
			MessageId:     id + "-" + strconv.Itoa(i),
			Timestamp:     now,
			Body:          []byte(m),
		})
		if err != nil {
			return fmt.Errorf("publish pack %s: %w", id, err)
		}
		confirms = append(confirms, dc)
	}
	for _, dc := range confirms {
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("confirm pack %s: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("pack %s: %w", id, ErrNacked)
		}
	}
	return nil
}

func (s *Sink) connectLocked() error {
	if s.ch != nil {
		return nil
	}
	conn, err := amqp091.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, s.cfg.ExchangeKind, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	s.conn, s.ch = conn, ch
	s.log.Info("rabbitmq uplink connected", zap.String("exchange", s.cfg.Exchange))
	return nil
}

func (s *Sink) resetLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.ch, s.conn = nil, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.ch, s.conn = nil, nil
	return errors.Join(errs...)
}
