package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.uber.org/zap"

	"gateway/internal/convert"
	"gateway/internal/domain"
	"gateway/internal/hashroute"
	"gateway/internal/storage"
)

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	Auth           AuthConfig
	Fetch          FetchConfig
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled  bool
	Username string
	Password string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// Adapter consumes device messages from Kafka and puts them into the queue. An
// offset is committed only after its record was accepted by Put, so a crash or a
// full queue leads to redelivery rather than loss.
type Adapter struct {
	cfg Config
	log *zap.Logger

	client  *kgo.Client
	workers []chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux  sync.Mutex
	paused    bool
	rejecting int

	producer     storage.Producer
	converter    convert.Converter
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, producer storage.Producer, converter convert.Converter, log *zap.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		kopts = append(kopts, kgo.SASL(plain.Auth{User: cfg.Auth.SASL.Username, Pass: cfg.Auth.SASL.Password}.AsMechanism()))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := newAdapter(cfg, producer, converter, log)
	a.client = cl
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, producer storage.Producer, converter convert.Converter, log *zap.Logger) *Adapter {
	cfg.withDefaults()
	a := &Adapter{
		cfg:       cfg,
		log:       log.Named("kafka"),
		producer:  producer,
		converter: converter,
		workers:   make([]chan *kgo.Record, cfg.WorkerCount),
		acks:      make(chan recordAck, cfg.QueueCapacity),
	}
	for i := range a.workers {
		a.workers[i] = make(chan *kgo.Record, max(1, cfg.QueueCapacity/cfg.WorkerCount))
	}
	return a
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// Start polls until ctx is cancelled or the client is closed.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()

	for _, ch := range a.workers {
		wg.Add(1)
		go func(ch chan *kgo.Record) {
			defer wg.Done()
			a.runWorker(ctx, ch)
		}(ch)
	}
	a.log.Info("kafka ingest started", zap.Strings("topics", a.cfg.Topics), zap.String("group", a.cfg.GroupID))

	stop := func() error {
		for _, ch := range a.workers {
			close(ch)
		}
		wg.Wait()
		return ctx.Err()
	}
	for {
		if ctx.Err() != nil || a.closed.Load() {
			return stop()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return stop()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				a.log.Warn("fetch failed", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
			}
		})
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			ch := a.workerFor(p.Topic, p.Partition)
			for _, rec := range p.Records {
				a.dispatch(ctx, ch, rec)
			}
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) Close() {
	a.closed.Store(true)
}

// workerFor pins a topic partition to one worker so offsets are marked in order.
func (a *Adapter) workerFor(topic string, partition int32) chan *kgo.Record {
	return a.workers[hashroute.PartitionFor(topic+"/"+strconv.Itoa(int(partition)), len(a.workers))]
}

func (a *Adapter) dispatch(ctx context.Context, ch chan *kgo.Record, rec *kgo.Record) {
	for {
		select {
		case ch <- rec:
			a.maybeResume(ch)
			return
		case <-ctx.Done():
			return
		default:
			a.maybePause(ch)
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) runWorker(ctx context.Context, records <-chan *kgo.Record) {
	for rec := range records {
		if ctx.Err() != nil {
			continue
		}
		payload, err := a.converter.Convert(toMessage(rec))
		if err != nil {
			// poison records are skipped so the partition keeps moving
			a.log.Warn("dropping unconvertible record",
				zap.String("topic", rec.Topic), zap.Int32("partition", rec.Partition), zap.Int64("offset", rec.Offset), zap.Error(err))
			a.acks <- recordAck{record: rec}
			continue
		}
		if err := a.put(ctx, payload); err != nil {
			a.acks <- recordAck{record: rec, err: err}
			continue
		}
		a.acks <- recordAck{record: rec}
	}
}

// put retries a rejected payload with exponential backoff while fetching stays paused.
func (a *Adapter) put(ctx context.Context, payload string) error {
	if a.producer.Put(payload) {
		return nil
	}
	a.setRejecting(true)
	defer a.setRejecting(false)
	backoff := a.cfg.RetryBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if a.producer.Put(payload) {
			return nil
		}
		backoff = min(backoff*2, a.cfg.MaxBackoff)
	}
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil || ack.err != nil {
				continue
			}
			a.markCommit(ack.record)
			if err := a.commitMarked(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("offset commit failed", zap.Error(err))
			}
		}
	}
}

func toMessage(rec *kgo.Record) domain.Message {
	msg := domain.Message{
		Source:     "kafka",
		DeviceKey:  string(rec.Key),
		Topic:      rec.Topic,
		Body:       rec.Value,
		ReceivedAt: rec.Timestamp,
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	if len(rec.Headers) > 0 {
		msg.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

func (a *Adapter) maybePause(ch chan *kgo.Record) {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(ch) < cap(ch) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume(ch chan *kgo.Record) {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused || a.rejecting > 0 {
		return
	}
	if len(ch) > cap(ch)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}

func (a *Adapter) setRejecting(on bool) {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if on {
		a.rejecting++
		if !a.paused {
			a.log.Warn("queue rejecting puts, pausing fetch")
			a.pauseFetch(a.cfg.Topics...)
			a.paused = true
		}
		return
	}
	a.rejecting--
	if a.rejecting == 0 && a.paused {
		a.resumeFetch(a.cfg.Topics...)
		a.paused = false
	}
}
