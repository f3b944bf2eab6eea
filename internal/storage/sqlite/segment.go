package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gateway/internal/config"
	"gateway/internal/domain"
)

var ErrSegmentStopped = errors.New("segment stopped")

const (
	insertRecord  = `INSERT INTO records (timestamp, payload) VALUES (?, ?)`
	selectRecords = `SELECT id, timestamp, payload FROM records WHERE id > ? ORDER BY id ASC LIMIT ?`
	deleteUpTo    = `DELETE FROM records WHERE id <= ?`
	deleteExpired = `DELETE FROM records WHERE timestamp < ?`
	countRecords  = `SELECT COUNT(*) FROM records`
	selectSeq     = `SELECT seq FROM sqlite_sequence WHERE name = 'records'`
)

type segmentOptions struct {
	batchSize    int
	readLimit    int
	sizeLimit    int64
	ttl          time.Duration
	ttlEvery     time.Duration
	sizeEvery    time.Duration
	flushEvery   time.Duration
	stopTimeout  time.Duration
	drainTimeout time.Duration
	now          func() time.Time
}

func optionsFrom(s config.Storage) segmentOptions {
	return segmentOptions{
		batchSize:    s.WritingBatchSize,
		readLimit:    s.MaxReadRecordsCount,
		sizeLimit:    s.SizeLimit,
		ttl:          s.MessagesTTL(),
		ttlEvery:     s.TTLCheckInterval(),
		sizeEvery:    s.OversizeCheckInterval(),
		flushEvery:   100 * time.Millisecond,
		stopTimeout:  5 * time.Second,
		drainTimeout: 2 * time.Second,
		now:          time.Now,
	}
}

// Option tunes segment timing. The defaults follow the storage settings.
type Option func(*segmentOptions)

// WithFlushInterval sets the write collection window of every segment worker.
func WithFlushInterval(d time.Duration) Option {
	return func(o *segmentOptions) { o.flushEvery = d }
}

// WithStopTimeout bounds how long Stop waits before interrupting a stuck statement.
func WithStopTimeout(d time.Duration) Option {
	return func(o *segmentOptions) { o.stopTimeout = d }
}

// WithDrainTimeout bounds how long a retired write segment may take to flush.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *segmentOptions) { o.drainTimeout = d }
}

func withClock(now func() time.Time) Option {
	return func(o *segmentOptions) { o.now = now }
}

type pendingWrite struct {
	ts      int64
	payload string
}

type request struct {
	run  func()
	done chan struct{}
}

// Segment is one on-disk queue file served by its own worker goroutine. The worker
// is the only goroutine that touches the connector; reads, deletes and sweeps are
// shipped to it as requests, writes go through the in-memory inbox.
type Segment struct {
	name string
	opts segmentOptions
	log  *zap.Logger
	conn *Connector

	role     atomic.Int32
	sealed   atomic.Bool
	accepted atomic.Int64
	stored   atomic.Int64
	sweeps   atomic.Uint64

	inMu     sync.Mutex
	inbox    []pendingWrite
	inflight int
	stopping bool
	wake     chan struct{}

	requests chan request

	// owned by the worker
	cursor       int64
	prefetched   []domain.Record
	wantPrefetch bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func openSegment(ctx context.Context, path, name string, role domain.Role, opts segmentOptions, log *zap.Logger) (*Segment, error) {
	log = log.With(zap.String("segment", name))
	s := &Segment{
		name:     name,
		opts:     opts,
		log:      log,
		conn:     NewConnector(path, log),
		wake:     make(chan struct{}, 1),
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	s.role.Store(int32(role))

	wctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ready := make(chan error, 1)
	go s.run(wctx, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-s.done
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		<-s.done
		return nil, ctx.Err()
	}
	s.log.Debug("segment opened",
		zap.Stringer("role", role),
		zap.Int64("stored", s.stored.Load()),
		zap.Int64("accepted", s.accepted.Load()),
		zap.Bool("sealed", s.sealed.Load()))
	return s, nil
}

func (s *Segment) Name() string { return s.name }

func (s *Segment) Role() domain.Role { return domain.Role(s.role.Load()) }

func (s *Segment) SetRole(r domain.Role) {
	if old := domain.Role(s.role.Swap(int32(r))); old != r {
		s.log.Info("segment role changed", zap.Stringer("from", old), zap.Stringer("to", r))
	}
}

// Enqueue appends a payload to the inbox without touching disk. It only fails once
// the segment is stopping.
func (s *Segment) Enqueue(payload string) bool {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if s.stopping {
		return false
	}
	s.inbox = append(s.inbox, pendingWrite{ts: s.opts.now().UnixMilli(), payload: payload})
	if s.accepted.Add(1) >= s.opts.sizeLimit {
		s.sealed.Store(true)
	}
	if len(s.inbox) >= s.opts.batchSize {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// IsSealed reports whether size_limit records have been accepted. Sealing is sticky.
func (s *Segment) IsSealed() bool { return s.sealed.Load() }

func (s *Segment) HasPendingRecords() bool {
	return s.stored.Load() > 0 || s.queued() > 0
}

// Len is stored plus queued records. It is advisory while writers are active.
func (s *Segment) Len() int64 {
	return s.stored.Load() + int64(s.queued())
}

// ReadBatch returns up to max_read_records_count records after the last batch handed
// out, oldest first. A batch prepared in the background is returned when available.
func (s *Segment) ReadBatch(ctx context.Context) []domain.Record {
	var out []domain.Record
	err := s.call(ctx, func() {
		if s.prefetched != nil {
			out, s.prefetched = s.prefetched, nil
		} else {
			recs, err := s.fetch(s.cursor)
			if err != nil {
				s.log.Error("read batch failed", zap.Error(err))
				return
			}
			out = recs
		}
		if len(out) > 0 {
			s.cursor = out[len(out)-1].ID
			s.wantPrefetch = true
		}
	})
	if err != nil {
		s.log.Debug("read batch skipped", zap.Error(err))
		return nil
	}
	return out
}

// DeleteUpTo removes every record with id <= id. Deleting an already deleted range
// is a no-op.
func (s *Segment) DeleteUpTo(ctx context.Context, id int64) error {
	var opErr error
	err := s.call(ctx, func() {
		res, err := s.conn.ExecWrite(deleteUpTo, id)
		if err == nil {
			err = s.conn.Commit()
		}
		if err != nil {
			_ = s.conn.Rollback()
			opErr = err
			return
		}
		if n, err := res.RowsAffected(); err == nil {
			s.stored.Add(-n)
		}
		for len(s.prefetched) > 0 && s.prefetched[0].ID <= id {
			s.prefetched = s.prefetched[1:]
		}
		if len(s.prefetched) == 0 {
			s.prefetched = nil
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// SweepExpired deletes records older than the configured TTL whether or not they
// were delivered, and returns how many were removed.
func (s *Segment) SweepExpired(ctx context.Context) (int64, error) {
	var (
		n     int64
		opErr error
	)
	err := s.call(ctx, func() { n, opErr = s.sweepExpired() })
	if err != nil {
		return 0, err
	}
	return n, opErr
}

// Sweeps counts TTL sweeps that removed at least one record. Records handed out
// before the count changed may no longer exist.
func (s *Segment) Sweeps() uint64 { return s.sweeps.Load() }

// Rewind moves the read cursor back so the next ReadBatch starts after id, and
// drops any prepared batch.
func (s *Segment) Rewind(ctx context.Context, id int64) error {
	return s.call(ctx, func() {
		s.cursor = id
		s.prefetched = nil
		s.wantPrefetch = false
	})
}

// Drain polls until the inbox is persisted or the drain timeout elapses.
func (s *Segment) Drain() bool {
	deadline := time.Now().Add(s.opts.drainTimeout)
	for {
		if s.queued() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			s.log.Warn("segment drain timed out", zap.Int("queued", s.queued()))
			return false
		}
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		err := s.call(ctx, s.flush)
		cancel()
		if errors.Is(err, ErrSegmentStopped) {
			return s.queued() == 0
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Stop rejects further writes, flushes the inbox and closes the connection. It is
// idempotent and returns once the worker has exited.
func (s *Segment) Stop() {
	s.stopOnce.Do(func() {
		s.inMu.Lock()
		s.stopping = true
		s.inMu.Unlock()
		s.cancel()

		timer := time.NewTimer(s.opts.stopTimeout)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.log.Warn("segment worker slow to stop, interrupting statement")
			s.conn.Interrupt()
			<-s.done
		}
	})
}

func (s *Segment) run(ctx context.Context, ready chan<- error) {
	defer close(s.done)
	if err := s.open(); err != nil {
		_ = s.conn.Close()
		ready <- err
		return
	}
	ready <- nil

	if _, err := s.sweepExpired(); err != nil {
		s.log.Warn("initial ttl sweep failed", zap.Error(err))
	}

	flush := time.NewTicker(s.opts.flushEvery)
	defer flush.Stop()
	ttl := time.NewTicker(s.opts.ttlEvery)
	defer ttl.Stop()
	size := time.NewTicker(s.opts.sizeEvery)
	defer size.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case req := <-s.requests:
			req.run()
			close(req.done)
			s.prefetch()
		case <-s.wake:
			if s.queued() >= s.opts.batchSize {
				s.flush()
			}
		case <-flush.C:
			s.flush()
		case <-ttl.C:
			if _, err := s.sweepExpired(); err != nil {
				s.log.Warn("ttl sweep failed", zap.Error(err))
			}
		case <-size.C:
			s.checkSize()
		}
	}
}

func (s *Segment) open() error {
	if err := s.conn.Connect(context.Background()); err != nil {
		return err
	}
	if err := ensureSchema(s.conn, s.log); err != nil {
		s.log.Error("schema not ready, continuing best effort", zap.Error(err))
	}
	seq, err := s.conn.QueryInt64(selectSeq)
	if err != nil {
		seq = 0
	}
	stored, err := s.conn.QueryInt64(countRecords)
	if err != nil {
		stored = 0
	}
	s.accepted.Store(seq)
	s.stored.Store(stored)
	if seq >= s.opts.sizeLimit {
		s.sealed.Store(true)
	}
	return nil
}

// call runs fn on the worker. Once the request is handed over it always waits for
// completion, so fn never runs after the caller has returned.
func (s *Segment) call(ctx context.Context, fn func()) error {
	req := request{run: fn, done: make(chan struct{})}
	select {
	case s.requests <- req:
	case <-s.done:
		return ErrSegmentStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

func (s *Segment) queued() int {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	return len(s.inbox) + s.inflight
}

func (s *Segment) take(n int) []pendingWrite {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if n > len(s.inbox) {
		n = len(s.inbox)
	}
	if n == 0 {
		return nil
	}
	batch := make([]pendingWrite, n)
	copy(batch, s.inbox[:n])
	s.inbox = s.inbox[n:]
	s.inflight = n
	return batch
}

func (s *Segment) settle(batch []pendingWrite, failed bool) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	s.inflight = 0
	if failed {
		s.inbox = append(batch, s.inbox...)
	}
}

// flush persists the inbox in batches of writing_batch_size rows, one transaction
// each. A failed batch goes back to the head of the inbox for the next cycle.
func (s *Segment) flush() {
	for {
		batch := s.take(s.opts.batchSize)
		if len(batch) == 0 {
			return
		}
		if err := s.insert(batch); err != nil {
			s.settle(batch, true)
			s.log.Error("insert batch failed, will retry", zap.Int("rows", len(batch)), zap.Error(err))
			return
		}
		s.settle(batch, false)
	}
}

func (s *Segment) insert(batch []pendingWrite) error {
	rows := make([][]any, len(batch))
	for i, w := range batch {
		rows[i] = []any{w.ts, w.payload}
	}
	if err := s.conn.ExecManyWrite(insertRecord, rows); err != nil {
		_ = s.conn.Rollback()
		return err
	}
	if err := s.conn.Commit(); err != nil {
		_ = s.conn.Rollback()
		return err
	}
	s.stored.Add(int64(len(batch)))
	if s.prefetched != nil && len(s.prefetched) < s.opts.readLimit {
		s.prefetched = nil
	}
	return nil
}

func (s *Segment) fetch(after int64) ([]domain.Record, error) {
	rows, err := s.conn.Query(selectRecords, after, s.opts.readLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Record
	for rows.Next() {
		var r domain.Record
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Segment) prefetch() {
	if !s.wantPrefetch {
		return
	}
	s.wantPrefetch = false
	recs, err := s.fetch(s.cursor)
	if err != nil {
		s.log.Warn("prefetch failed", zap.Error(err))
		return
	}
	if len(recs) > 0 {
		s.prefetched = recs
	}
}

func (s *Segment) sweepExpired() (int64, error) {
	cutoff := s.opts.now().Add(-s.opts.ttl).UnixMilli()
	res, err := s.conn.ExecWrite(deleteExpired, cutoff)
	if err == nil {
		err = s.conn.Commit()
	}
	if err != nil {
		_ = s.conn.Rollback()
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if n > 0 {
		s.stored.Add(-n)
		s.prefetched = nil
		s.sweeps.Add(1)
		s.log.Info("expired records removed", zap.Int64("rows", n), zap.Duration("ttl", s.opts.ttl))
	}
	return n, nil
}

// checkSize reconciles the accepted counter with the persisted sequence, which
// corrects for rows that were queued but never written.
func (s *Segment) checkSize() {
	seq, err := s.conn.QueryInt64(selectSeq)
	if err != nil {
		return
	}
	s.inMu.Lock()
	accepted := seq + int64(len(s.inbox)+s.inflight)
	s.accepted.Store(accepted)
	s.inMu.Unlock()
	if accepted >= s.opts.sizeLimit && !s.sealed.Swap(true) {
		s.log.Info("segment reached size limit", zap.Int64("accepted", accepted), zap.Int64("size_limit", s.opts.sizeLimit))
	}
}

func (s *Segment) shutdown() {
	s.inMu.Lock()
	s.stopping = true
	s.inMu.Unlock()

	s.flush()
	if n := s.queued(); n > 0 {
		s.log.Error("segment stopped with unflushed records", zap.Int("rows", n))
	}
	if err := s.conn.Commit(); err != nil {
		s.log.Warn("final commit failed", zap.Error(err))
	}
	if err := s.conn.Close(); err != nil {
		s.log.Warn("close failed", zap.Error(err))
	}
}
