package app

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"libraryhub/pkg/domain"
	"libraryhub/pkg/queue"
	"libraryhub/pkg/store"
)

func auditEntry(id, event string) domain.AuditEntry {
	return domain.AuditEntry{
		ID:        id,
		ActorID:   "STAFF-AB-00000001",
		Event:     event,
		Success:   true,
		Details:   json.RawMessage(`{"status_code":200}`),
		AuditedAt: epoch,
	}
}

func waitForAudit(t *testing.T, s store.Store, n int) []domain.AuditEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := s.ListAudit(context.Background(), 0)
		if err != nil {
			t.Fatalf("list audit: %v", err)
		}
		if len(entries) >= n {
			return entries
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d audit entries", n)
	return nil
}

func TestMemoryRecorderPersistsEntries(t *testing.T) {
	s := store.NewMemoryStore()
	rec := NewMemoryRecorder(s, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	rec.Record(auditEntry("a1", "CHECKOUT"))
	rec.Record(auditEntry("a2", "RETURN_BOOK"))
	entries := waitForAudit(t, s, 2)
	if entries[0].Event != "RETURN_BOOK" {
		t.Fatalf("newest entry first, got %s", entries[0].Event)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestMemoryRecorderDropsWhenFull(t *testing.T) {
	s := store.NewMemoryStore()
	rec := NewMemoryRecorder(s, 1)
	rec.Record(auditEntry("a1", "CHECKOUT"))
	rec.Record(auditEntry("a2", "CHECKOUT"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	entries, _ := s.ListAudit(context.Background(), 0)
	if len(entries) != 1 {
		t.Fatalf("expected buffered entry drained and overflow dropped, got %d", len(entries))
	}
}

func TestStreamRecorderRoundTrip(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.NewRedisStreamQueue(client, queue.RedisQueueConfig{
		Stream: "test:audit",
		Group:  "audit-writers",
		Block:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	s := store.NewMemoryStore()
	rec := NewStreamRecorder(s, q, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rec.Run(ctx) }()

	rec.Record(auditEntry("s1", "SCHEDULE_BOOK"))
	entries := waitForAudit(t, s, 1)
	if entries[0].ID != "s1" || entries[0].Event != "SCHEDULE_BOOK" || !entries[0].AuditedAt.Equal(epoch) {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestStreamRecorderRecordDoesNotWaitOnRedis(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	client := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.NewRedisStreamQueue(client, queue.RedisQueueConfig{Stream: "test:audit"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	rec := NewStreamRecorder(store.NewMemoryStore(), q, 1, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range []string{"a1", "a2", "a3"} {
			rec.Record(auditEntry(id, "CHECKOUT"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Record waited on an unresponsive redis")
	}
	if got := len(rec.entries); got != 2 {
		t.Fatalf("buffered entries = %d, want 2 with the overflow dropped", got)
	}
}

func TestKafkaMirrorPublishesAndForwards(t *testing.T) {
	s := store.NewMemoryStore()
	writer := &fakeWriter{}
	mirror := NewKafkaMirror(NewMemoryRecorder(s, 8), writer, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mirror.Run(ctx) }()

	mirror.Record(auditEntry("k1", "CREATE_BOOK"))
	waitForAudit(t, s, 1)
	deadline := time.Now().Add(2 * time.Second)
	for writer.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.msgs) != 1 || string(writer.msgs[0].Key) != "STAFF-AB-00000001" {
		t.Fatalf("unexpected kafka messages: %+v", writer.msgs)
	}
	if !writer.closed {
		t.Fatalf("writer should be closed on shutdown")
	}
}

func TestListAuditCapsLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		_ = env.store.AppendAudit(context.Background(), auditEntry(string(rune('a'+i)), "LIST_BOOKS"))
	}
	entries, err := env.app.ListAudit(context.Background(), 2)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}
