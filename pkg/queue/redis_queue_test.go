package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStreamQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID := newPendingQueueMessage(t, []byte(`{"event":"CHECKOUT"}`))

	if err := q.requeueAndAck(ctx, msgID, []byte(`{"event":"CHECKOUT"}`), 1); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["payload"] != `{"event":"CHECKOUT"}` || got.Values["attempts"] != "1" {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisStreamQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID := newPendingQueueMessage(t, []byte(`{"event":"RETURN_BOOK"}`))

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, []byte(`{"event":"RETURN_BOOK"}`), 1); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisStreamQueueRetriesThenDrops(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedisStreamQueue(client, RedisQueueConfig{
		Stream:     "test:audit",
		Group:      "test-group",
		MaxRetries: 2,
		Block:      10 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := q.Enqueue(ctx, []byte(`{"event":"LOGIN_USER"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, 1, func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, msg.Attempts)
			if len(attempts) == 2 {
				close(done)
			}
			return errors.New("store down")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not retried")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("unexpected attempts: %v", attempts)
	}
}

func TestNewRedisStreamQueueRequiresStream(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if _, err := NewRedisStreamQueue(client, RedisQueueConfig{}); err == nil {
		t.Fatalf("expected missing stream to fail")
	}
	if _, err := NewRedisStreamQueue(nil, RedisQueueConfig{Stream: "s"}); err == nil {
		t.Fatalf("expected nil client to fail")
	}
}

func newPendingQueueMessage(t *testing.T, payload []byte) (*RedisStreamQueue, context.Context, string) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedisStreamQueue(client, RedisQueueConfig{
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	if _, err := q.Enqueue(ctx, payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID
}
