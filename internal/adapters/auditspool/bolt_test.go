package auditspool_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/auditspool"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

func newTestSpool(t *testing.T) (*auditspool.BoltSpool, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spool.db")
	s, err := auditspool.Open(path)
	if err != nil {
		t.Fatalf("failed to open spool: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func entry(id string, at time.Time) domain.AuditEntry {
	return domain.AuditEntry{
		EntryID:      id,
		ActorID:      "agent-1",
		Action:       domain.AuditActionDecide,
		ResourceType: domain.ResourceRefund,
		ResourceID:   "refund-1",
		Result:       domain.AuditSuccess,
		OccurredAt:   at,
	}
}

func TestPushPeekPreservesOrder(t *testing.T) {
	s, _ := newTestSpool(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"e-3", "e-1", "e-2"} {
		if err := s.Push(ctx, entry(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	got, err := s.Peek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	want := []string{"e-3", "e-1", "e-2"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].EntryID != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], got[i].EntryID)
		}
	}
	if !got[0].OccurredAt.Equal(base) {
		t.Fatalf("occurred_at not preserved: %s", got[0].OccurredAt)
	}
}

func TestPushSameEntryTwiceIsNoop(t *testing.T) {
	s, _ := newTestSpool(t)
	ctx := context.Background()
	e := entry("dup", time.Now().UTC())
	if err := s.Push(ctx, e); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := s.Push(ctx, e); err != nil {
		t.Fatalf("second push: %v", err)
	}
	n, err := s.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 spooled entry, got %d", n)
	}
}

func TestAckRemovesOnlyListedEntries(t *testing.T) {
	s, _ := newTestSpool(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Push(ctx, entry(id, now)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if err := s.Ack(ctx, []string{"a", "c", "unknown"}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	got, err := s.Peek(ctx, 0)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(got) != 1 || got[0].EntryID != "b" {
		t.Fatalf("expected only b to remain, got %+v", got)
	}
}

func TestPeekLimit(t *testing.T) {
	s, _ := newTestSpool(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Push(ctx, entry(id, now)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	got, err := s.Peek(ctx, 2)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(got) != 2 || got[0].EntryID != "a" || got[1].EntryID != "b" {
		t.Fatalf("unexpected peek result: %+v", got)
	}
}

func TestSpoolSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	ctx := context.Background()
	s, err := auditspool.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Push(ctx, entry("persisted", time.Now().UTC())); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := auditspool.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	n, err := reopened.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected spooled entry after reopen, got %d", n)
	}
}
