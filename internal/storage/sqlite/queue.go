package sqlite

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"gateway/internal/config"
	"gateway/internal/domain"
)

const openTimeout = 10 * time.Second

// Queue is a durable FIFO spread over rotating segment files. Producers call Put
// from any goroutine; a single consumer drives GetEventPack and
// EventPackProcessingDone.
type Queue struct {
	settings config.Storage
	opts     segmentOptions
	namer    *Namer
	log      *zap.Logger

	// rotateMu serializes write rotations so the new file is opened without
	// holding mu.
	rotateMu sync.Mutex

	mu      sync.Mutex
	names   []string
	read    *Segment
	write   *Segment
	parked  map[string]*parkedSegment
	full    bool
	stopped bool

	// consumer state, guarded by consumeMu
	consumeMu  sync.Mutex
	pack       []domain.Record
	packSweeps uint64
	packFrom   string
	watermark  int64
}

// parkedSegment is a sealed file between the read and the write segment. seg is
// set while a retired write segment finishes flushing, count is the row count
// read from files found at startup.
type parkedSegment struct {
	seg   *Segment
	count int64
}

// Open scans the data folder and restores the read and write segments. Files in
// between stay closed until the consumer reaches them. Files that cannot be opened
// are set aside under a .broken suffix.
func Open(ctx context.Context, settings config.Storage, log *zap.Logger, options ...Option) (*Queue, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	opts := optionsFrom(settings)
	for _, o := range options {
		o(&opts)
	}
	prefix, suffix := settings.SegmentAffixes()
	namer, err := NewNamer(settings.DataFolderPath, prefix, suffix, settings.DBFileName)
	if err != nil {
		return nil, err
	}
	namer.now = opts.now
	log = log.Named("queue")

	if name, ok, err := namer.AdoptLegacy(); err != nil {
		log.Warn("legacy storage file not adopted", zap.Error(err))
	} else if ok {
		log.Info("legacy storage file adopted", zap.String("segment", name))
	}

	names, err := namer.List()
	if err != nil {
		return nil, err
	}

	q := &Queue{
		settings: settings,
		opts:     opts,
		namer:    namer,
		log:      log,
		names:    names,
		parked:   make(map[string]*parkedSegment),
	}
	if err := q.restore(ctx); err != nil {
		return nil, err
	}

	if len(q.names) > settings.MaxDBAmount {
		log.Warn("more segments on disk than max_db_amount, puts rejected until drained",
			zap.Int("segments", len(q.names)), zap.Int("max_db_amount", settings.MaxDBAmount))
	}
	log.Info("queue opened",
		zap.String("dir", settings.DataFolderPath),
		zap.Int("segments", len(q.names)),
		zap.String("read", q.read.Name()),
		zap.String("write", q.write.Name()))
	return q, nil
}

// restore opens the newest file as the write segment and the oldest readable one
// as the read segment. A broken newest file is set aside and the one before it
// takes over; with nothing left a fresh segment is created.
func (q *Queue) restore(ctx context.Context) error {
	for q.write == nil && len(q.names) > 0 {
		last := q.names[len(q.names)-1]
		role := domain.RoleWrite
		if len(q.names) == 1 {
			role = domain.RoleReadWrite
		}
		seg, err := q.openSegment(ctx, last, role)
		if err != nil {
			q.setAsideLocked(last, err)
			continue
		}
		q.write = seg
	}
	if q.write == nil {
		if !q.ensureWriteLocked(ctx) {
			return fmt.Errorf("create first segment in %s", q.settings.DataFolderPath)
		}
		return nil
	}
	if len(q.names) == 1 {
		q.read = q.write
		return nil
	}
	for _, name := range q.names[1 : len(q.names)-1] {
		q.parked[name] = &parkedSegment{count: countRows(ctx, q.namer.Path(name), q.log)}
	}
	q.promoteNext(ctx)
	return nil
}

// Put accepts a payload for persistence. It returns false when the queue is stopped
// or when rotation would exceed max_db_amount files.
func (q *Queue) Put(payload string) bool {
	for {
		q.mu.Lock()
		if q.stopped || !q.ensureWriteLocked(context.Background()) {
			q.mu.Unlock()
			return false
		}
		if !q.write.IsSealed() {
			ok := q.write.Enqueue(payload)
			q.mu.Unlock()
			return ok
		}
		sealed := q.write
		q.mu.Unlock()
		if !q.rotateWrite(sealed) {
			return false
		}
	}
}

// GetEventPack returns the next batch, oldest first. Until EventPackProcessingDone
// is called the same pack is returned again, unless a TTL sweep ran on the read
// segment meanwhile: then the pack is read again so expired records are left out.
func (q *Queue) GetEventPack(ctx context.Context) []string {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()

	if len(q.pack) > 0 {
		seg := q.readSegment()
		if seg == nil {
			return nil
		}
		if seg.Name() == q.packFrom && seg.Sweeps() == q.packSweeps {
			return payloads(q.pack)
		}
		if err := seg.Rewind(ctx, q.pack[0].ID-1); err != nil {
			q.log.Warn("rewind after ttl sweep failed", zap.String("segment", seg.Name()), zap.Error(err))
			return nil
		}
		q.pack = nil
	}
	q.rotateReadIfDrained(ctx)
	seg := q.readSegment()
	if seg == nil {
		return nil
	}
	if seg.Name() != q.packFrom {
		// ids restart with every segment
		q.packFrom, q.watermark = seg.Name(), 0
	}
	sweeps := seg.Sweeps()
	recs := seg.ReadBatch(ctx)
	if len(recs) == 0 {
		return nil
	}
	if last := recs[len(recs)-1].ID; last > q.watermark {
		q.watermark = last
	}
	q.pack, q.packSweeps = recs, sweeps
	return payloads(recs)
}

// EventPackProcessingDone deletes every record up to the highest id handed out from
// the read segment and rotates it away once it is sealed and empty. Without an
// outstanding pack only the rotation check runs.
func (q *Queue) EventPackProcessingDone(ctx context.Context) {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()

	if len(q.pack) > 0 {
		seg := q.readSegment()
		if seg == nil {
			return
		}
		if seg.Name() != q.packFrom {
			q.pack = nil
		} else {
			if err := seg.DeleteUpTo(ctx, q.watermark); err != nil {
				q.log.Warn("acknowledge failed, pack will be served again",
					zap.String("segment", seg.Name()), zap.Int64("watermark", q.watermark), zap.Error(err))
				return
			}
			q.pack = nil
		}
	}
	q.rotateReadIfDrained(ctx)
}

// Stop stops every open segment. Records accepted by Put are flushed first.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	var segs []*Segment
	if q.read != nil {
		segs = append(segs, q.read)
	}
	if q.write != nil && q.write != q.read {
		segs = append(segs, q.write)
	}
	for _, p := range q.parked {
		if p.seg != nil {
			segs = append(segs, p.seg)
		}
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range segs {
		wg.Add(1)
		go func(s *Segment) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
	q.log.Info("queue stopped")
}

// Len is the approximate number of records held, queued writes included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	if q.read != nil {
		n += q.read.Len()
	}
	if q.write != nil && q.write != q.read {
		n += q.write.Len()
	}
	for _, p := range q.parked {
		if p.seg != nil {
			n += p.seg.Len()
		} else {
			n += p.count
		}
	}
	return int(n)
}

// Segments returns the segment file names currently tracked, oldest first.
func (q *Queue) Segments() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.names...)
}

func (q *Queue) readSegment() *Segment {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil
	}
	return q.read
}

func (q *Queue) openSegment(ctx context.Context, name string, role domain.Role) (*Segment, error) {
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	return openSegment(ctx, q.namer.Path(name), name, role, q.opts, q.log)
}

// ensureWriteLocked recreates a segment when the last one was retired without a
// successor.
func (q *Queue) ensureWriteLocked(ctx context.Context) bool {
	if q.write != nil {
		return true
	}
	name, err := q.namer.Generate()
	if err != nil {
		q.log.Error("generate segment name failed", zap.Error(err))
		return false
	}
	seg, err := q.openSegment(ctx, name, domain.RoleReadWrite)
	if err != nil {
		q.log.Error("open segment failed", zap.String("segment", name), zap.Error(err))
		_ = q.namer.Remove(name)
		return false
	}
	q.names = append(q.names, name)
	q.write = seg
	if q.read == nil {
		q.read = seg
	}
	return true
}

// rotateWrite replaces the sealed write segment. The new file is opened outside mu
// so the consumer is not held up; producers wait on rotateMu since they have
// nowhere to write meanwhile. It returns true when the caller should retry Put.
func (q *Queue) rotateWrite(sealed *Segment) bool {
	q.rotateMu.Lock()
	defer q.rotateMu.Unlock()

	q.mu.Lock()
	switch {
	case q.stopped:
		q.mu.Unlock()
		return false
	case q.write != sealed:
		q.mu.Unlock()
		return true
	case len(q.names) >= q.settings.MaxDBAmount:
		if !q.full {
			q.full = true
			q.log.Warn("segment limit reached, rejecting puts",
				zap.Int("segments", len(q.names)), zap.Int("max_db_amount", q.settings.MaxDBAmount))
		}
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	name, err := q.namer.Generate()
	if err != nil {
		q.log.Error("generate segment name failed", zap.Error(err))
		return false
	}
	seg, err := q.openSegment(context.Background(), name, domain.RoleWrite)
	if err != nil {
		q.log.Error("open segment failed", zap.String("segment", name), zap.Error(err))
		_ = q.namer.Remove(name)
		return false
	}

	q.mu.Lock()
	if q.stopped || q.write != sealed {
		retry := !q.stopped
		q.mu.Unlock()
		seg.Stop()
		_ = q.namer.Remove(name)
		return retry
	}
	old := q.write
	park := !old.Role().CanRead()
	if park {
		q.parked[old.Name()] = &parkedSegment{seg: old}
	} else {
		old.SetRole(domain.RoleRead)
	}
	q.write = seg
	q.names = append(q.names, name)
	q.full = false
	q.mu.Unlock()

	if park {
		go func() {
			old.Drain()
			old.Stop()
		}()
	}
	q.log.Info("write segment rotated", zap.String("from", old.Name()), zap.String("to", name))
	return true
}

// rotateReadIfDrained retires the read segment while it is write-inactive and
// empty, moving on to the next file. Empty sealed files are skipped in one call.
// The retired segment is stopped and removed after mu is released.
func (q *Queue) rotateReadIfDrained(ctx context.Context) {
	for {
		q.mu.Lock()
		r := q.read
		if q.stopped || r == nil {
			q.mu.Unlock()
			return
		}
		retired := !r.Role().CanWrite() || r.IsSealed()
		if !retired || r.HasPendingRecords() {
			q.mu.Unlock()
			return
		}
		q.names = q.names[1:]
		last := r == q.write
		if last {
			q.write = nil
		}
		q.read = nil
		q.mu.Unlock()

		r.Stop()
		if err := q.namer.Remove(r.Name()); err != nil {
			q.log.Warn("remove drained segment failed", zap.String("segment", r.Name()), zap.Error(err))
		}
		q.log.Info("read segment drained", zap.String("segment", r.Name()))

		if last {
			q.mu.Lock()
			if !q.stopped {
				q.ensureWriteLocked(ctx)
			}
			q.mu.Unlock()
			return
		}
		q.promoteNext(ctx)
	}
}

// promoteNext makes the oldest remaining file the read segment. A file that
// cannot be opened is set aside so the queue keeps moving.
func (q *Queue) promoteNext(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.stopped || q.read != nil || len(q.names) == 0 {
			q.mu.Unlock()
			return
		}
		next := q.names[0]
		if q.write != nil && next == q.write.Name() {
			q.write.SetRole(domain.RoleReadWrite)
			q.read = q.write
			q.mu.Unlock()
			return
		}
		p := q.parked[next]
		delete(q.parked, next)
		q.mu.Unlock()

		if p != nil && p.seg != nil {
			p.seg.Stop()
		}
		seg, err := q.openSegment(ctx, next, domain.RoleRead)

		q.mu.Lock()
		switch {
		case err != nil:
			q.setAsideLocked(next, err)
			q.mu.Unlock()
		case q.stopped:
			q.mu.Unlock()
			seg.Stop()
			return
		default:
			q.read = seg
			q.mu.Unlock()
			return
		}
	}
}

// setAsideLocked renames an unreadable segment file to <name>.broken and forgets it.
func (q *Queue) setAsideLocked(name string, cause error) {
	q.log.Error("cannot open segment, setting it aside", zap.String("segment", name), zap.Error(cause))
	if err := os.Rename(q.namer.Path(name), q.namer.Path(name)+".broken"); err != nil {
		q.log.Error("set aside failed", zap.String("segment", name), zap.Error(err))
	}
	for i, n := range q.names {
		if n == name {
			q.names = append(q.names[:i:i], q.names[i+1:]...)
			break
		}
	}
	delete(q.parked, name)
}

// countRows counts the rows of a closed segment without keeping it open.
func countRows(ctx context.Context, path string, log *zap.Logger) int64 {
	c := NewConnector(path, log)
	if err := c.Connect(ctx); err != nil {
		return 0
	}
	defer func() { _ = c.Close() }()
	n, err := c.QueryInt64(countRecords)
	if err != nil {
		return 0
	}
	return n
}

func payloads(recs []domain.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Payload
	}
	return out
}
