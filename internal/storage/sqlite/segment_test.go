package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"gateway/internal/config"
	"gateway/internal/domain"
)

func testOptions() segmentOptions {
	o := optionsFrom(config.Storage{}.WithDefaults())
	o.flushEvery = 5 * time.Millisecond
	o.stopTimeout = 2 * time.Second
	o.drainTimeout = 2 * time.Second
	return o
}

func openTestSegment(t *testing.T, dir string, role domain.Role, opts segmentOptions) *Segment {
	t.Helper()
	s, err := openSegment(context.Background(), filepath.Join(dir, "seg.db"), "seg.db", role, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSegmentEnqueueFlushAndReadInOrder(t *testing.T) {
	s := openTestSegment(t, t.TempDir(), domain.RoleReadWrite, testOptions())
	for i := 0; i < 10; i++ {
		if !s.Enqueue(fmt.Sprintf("m%d", i)) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	if !s.HasPendingRecords() {
		t.Fatalf("queued records must count as pending")
	}
	eventually(t, "flush", func() bool { return s.queued() == 0 })
	if s.Len() != 10 {
		t.Fatalf("len=%d", s.Len())
	}

	recs := s.ReadBatch(context.Background())
	if len(recs) != 10 {
		t.Fatalf("got %d records", len(recs))
	}
	for i, r := range recs {
		if r.Payload != fmt.Sprintf("m%d", i) {
			t.Fatalf("record %d payload %q", i, r.Payload)
		}
		if i > 0 && r.ID <= recs[i-1].ID {
			t.Fatalf("ids not ascending")
		}
	}
}

func TestSegmentReadBatchAdvancesCursorAndPrefetches(t *testing.T) {
	opts := testOptions()
	opts.readLimit = 3
	s := openTestSegment(t, t.TempDir(), domain.RoleReadWrite, opts)
	for i := 0; i < 7; i++ {
		s.Enqueue(fmt.Sprintf("m%d", i))
	}
	eventually(t, "flush", func() bool { return s.queued() == 0 })

	ctx := context.Background()
	var got []string
	for i := 0; i < 3; i++ {
		for _, r := range s.ReadBatch(ctx) {
			got = append(got, r.Payload)
		}
	}
	if len(got) != 7 {
		t.Fatalf("expected all 7 records across batches, got %v", got)
	}
	for i, p := range got {
		if p != fmt.Sprintf("m%d", i) {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
	if recs := s.ReadBatch(ctx); len(recs) != 0 {
		t.Fatalf("expected empty batch, got %d", len(recs))
	}
}

func TestSegmentShortPrefetchIsRefreshedAfterInsert(t *testing.T) {
	opts := testOptions()
	opts.readLimit = 4
	s := openTestSegment(t, t.TempDir(), domain.RoleReadWrite, opts)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Enqueue(fmt.Sprintf("a%d", i))
	}
	eventually(t, "flush", func() bool { return s.queued() == 0 })
	if recs := s.ReadBatch(ctx); len(recs) != 4 {
		t.Fatalf("first batch %d", len(recs))
	}
	// the prefetched follow-up holds a single row; new rows must not be skipped
	for i := 0; i < 3; i++ {
		s.Enqueue(fmt.Sprintf("b%d", i))
	}
	eventually(t, "flush", func() bool { return s.queued() == 0 })

	recs := s.ReadBatch(ctx)
	if len(recs) != 4 || recs[0].Payload != "a4" || recs[3].Payload != "b2" {
		t.Fatalf("unexpected second batch %+v", recs)
	}
}

func TestSegmentDeleteUpToIsIdempotent(t *testing.T) {
	s := openTestSegment(t, t.TempDir(), domain.RoleReadWrite, testOptions())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.Enqueue(fmt.Sprintf("m%d", i))
	}
	eventually(t, "flush", func() bool { return s.queued() == 0 })
	recs := s.ReadBatch(ctx)
	if len(recs) != 4 {
		t.Fatalf("got %d", len(recs))
	}
	if err := s.DeleteUpTo(ctx, recs[1].ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUpTo(ctx, recs[1].ID); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Fatalf("len=%d after deleting two records", s.Len())
	}
	if err := s.DeleteUpTo(ctx, recs[3].ID); err != nil {
		t.Fatal(err)
	}
	if s.HasPendingRecords() {
		t.Fatalf("segment should be empty")
	}
}

func TestSegmentSealsAtSizeLimitAndStaysSealed(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.sizeLimit = 3
	s := openTestSegment(t, dir, domain.RoleReadWrite, opts)
	for i := 0; i < 2; i++ {
		s.Enqueue("x")
	}
	if s.IsSealed() {
		t.Fatalf("sealed too early")
	}
	s.Enqueue("x")
	if !s.IsSealed() {
		t.Fatalf("expected sealed after size_limit records")
	}
	eventually(t, "flush", func() bool { return s.queued() == 0 })
	recs := s.ReadBatch(context.Background())
	if err := s.DeleteUpTo(context.Background(), recs[len(recs)-1].ID); err != nil {
		t.Fatal(err)
	}
	if !s.IsSealed() {
		t.Fatalf("deleting records must not unseal")
	}
	s.Stop()

	reopened, err := openSegment(context.Background(), filepath.Join(dir, "seg.db"), "seg.db", domain.RoleRead, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Stop()
	if !reopened.IsSealed() {
		t.Fatalf("sealing must survive reopen")
	}
}

func TestSegmentTTLSweepRemovesExpiredRecords(t *testing.T) {
	opts := testOptions()
	opts.ttl = time.Hour
	s := openTestSegment(t, t.TempDir(), domain.RoleReadWrite, opts)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := s.call(ctx, func() {
		if _, err := s.conn.ExecWrite(insertRecord, old, "stale"); err != nil {
			t.Error(err)
		}
		if err := s.conn.Commit(); err != nil {
			t.Error(err)
		}
		s.stored.Add(1)
	}); err != nil {
		t.Fatal(err)
	}
	s.Enqueue("fresh")
	eventually(t, "flush", func() bool { return s.queued() == 0 })

	n, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired record, removed %d", n)
	}
	recs := s.ReadBatch(ctx)
	if len(recs) != 1 || recs[0].Payload != "fresh" {
		t.Fatalf("unexpected records after sweep %+v", recs)
	}
}

func TestSegmentStopFlushesAndRejects(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.flushEvery = time.Hour
	s := openTestSegment(t, dir, domain.RoleReadWrite, opts)
	for i := 0; i < 5; i++ {
		s.Enqueue(fmt.Sprintf("m%d", i))
	}
	s.Stop()
	s.Stop()
	if s.Enqueue("late") {
		t.Fatalf("enqueue after stop must be rejected")
	}
	if recs := s.ReadBatch(context.Background()); recs != nil {
		t.Fatalf("read after stop must be empty")
	}

	reopened, err := openSegment(context.Background(), filepath.Join(dir, "seg.db"), "seg.db", domain.RoleReadWrite, testOptions(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Stop()
	if reopened.Len() != 5 {
		t.Fatalf("expected 5 persisted records, got %d", reopened.Len())
	}
}

func TestSegmentOversizeCheckReconcilesAccepted(t *testing.T) {
	opts := testOptions()
	opts.sizeLimit = 4
	s := openTestSegment(t, t.TempDir(), domain.RoleReadWrite, opts)
	ctx := context.Background()
	if err := s.call(ctx, func() {
		for i := 0; i < 4; i++ {
			if _, err := s.conn.ExecWrite(insertRecord, time.Now().UnixMilli(), "direct"); err != nil {
				t.Error(err)
			}
		}
		if err := s.conn.Commit(); err != nil {
			t.Error(err)
		}
		s.checkSize()
	}); err != nil {
		t.Fatal(err)
	}
	if !s.IsSealed() {
		t.Fatalf("reconciled size should seal the segment")
	}
}
