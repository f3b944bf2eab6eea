// Package kafkasink sends event packs to a Kafka topic.
package kafkasink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"gateway/internal/uplink"
)

const (
	HeaderPackID    = "pack_id"
	HeaderPackIndex = "pack_index"
)

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	// Key is set on every record so the whole stream lands on one partition and
	// keeps queue order.
	Key string
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("uplink kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("uplink kafka topic is required")
	}
	return nil
}

type Sink struct {
	cfg    Config
	client *kgo.Client
	log    *zap.Logger
}

func New(cfg Config, log *zap.Logger, opts ...kgo.Opt) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	return &Sink{cfg: cfg, client: cl, log: log.Named("kafkasink")}, nil
}

// Send produces every message of the pack and waits until all are acknowledged.
func (s *Sink) Send(ctx context.Context, pack uplink.Pack) error {
	id := []byte(pack.ID.String())
	var key []byte
	if s.cfg.Key != "" {
		key = []byte(s.cfg.Key)
	}
	records := make([]*kgo.Record, len(pack.Messages))
	for i, m := range pack.Messages {
		records[i] = &kgo.Record{
			Topic: s.cfg.Topic,
			Key:   key,
			Value: []byte(m),
			Headers: []kgo.RecordHeader{
				{Key: HeaderPackID, Value: id},
				{Key: HeaderPackIndex, Value: []byte(strconv.Itoa(i))},
			},
		}
	}
	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce pack %s: %w", pack.ID, err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
