package memory

import (
	"context"
	"fmt"
	"testing"

	"gateway/internal/storage"
)

var _ storage.Queue = (*Queue)(nil)

func TestQueuePackLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(2, 0)
	for _, p := range []string{"a", "b", "c"} {
		if !q.Put(p) {
			t.Fatalf("put %q rejected", p)
		}
	}
	first := q.GetEventPack(ctx)
	if fmt.Sprint(first) != "[a b]" {
		t.Fatalf("first pack %v", first)
	}
	q.Put("d")
	if again := q.GetEventPack(ctx); fmt.Sprint(again) != "[a b]" {
		t.Fatalf("pack must repeat until acknowledged, got %v", again)
	}
	q.EventPackProcessingDone(ctx)
	if next := q.GetEventPack(ctx); fmt.Sprint(next) != "[c d]" {
		t.Fatalf("second pack %v", next)
	}
	q.EventPackProcessingDone(ctx)
	q.EventPackProcessingDone(ctx)
	if q.Len() != 0 {
		t.Fatalf("len=%d", q.Len())
	}
}

func TestQueueLimitAndStop(t *testing.T) {
	q := NewQueue(10, 1)
	if !q.Put("a") || q.Put("b") {
		t.Fatalf("limit not enforced")
	}
	q.Stop()
	if q.Put("c") {
		t.Fatalf("put after stop accepted")
	}
	if pack := q.GetEventPack(context.Background()); pack != nil {
		t.Fatalf("stopped queue served %v", pack)
	}
}
