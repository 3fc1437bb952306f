package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"libraryhub/pkg/domain"
	"libraryhub/pkg/queue"
	"libraryhub/pkg/store"
)

// Recorder accepts audit entries without blocking the request path.
// Run drives the background delivery until ctx is canceled.
type Recorder interface {
	Record(e domain.AuditEntry)
	Run(ctx context.Context) error
}

// MemoryRecorder buffers entries in a channel and persists them from a
// single worker. Entries are dropped with a warning when the buffer is full.
type MemoryRecorder struct {
	store   store.Store
	entries chan domain.AuditEntry
}

func NewMemoryRecorder(s store.Store, buffer int) *MemoryRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryRecorder{store: s, entries: make(chan domain.AuditEntry, buffer)}
}

func (r *MemoryRecorder) Record(e domain.AuditEntry) {
	select {
	case r.entries <- e:
	default:
		slog.Warn("audit buffer full, entry dropped", "event", e.Event, "actor", e.ActorID)
	}
}

// Run persists entries until ctx is canceled, then drains what is buffered.
func (r *MemoryRecorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.entries:
			r.persist(ctx, e)
		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

func (r *MemoryRecorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-r.entries:
			r.persist(ctx, e)
		default:
			return
		}
	}
}

func (r *MemoryRecorder) persist(ctx context.Context, e domain.AuditEntry) {
	if err := r.store.AppendAudit(ctx, e); err != nil {
		slog.Error("audit write failed", "event", e.Event, "actor", e.ActorID, "err", err)
	}
}

// StreamRecorder buffers entries and publishes them to a Redis stream from
// Run, which also consumes the stream and persists entries, retrying failed
// writes. Entries are dropped with a warning when the buffer is full.
type StreamRecorder struct {
	store       store.Store
	queue       *queue.RedisStreamQueue
	concurrency int
	entries     chan domain.AuditEntry
}

func NewStreamRecorder(s store.Store, q *queue.RedisStreamQueue, concurrency, buffer int) *StreamRecorder {
	if concurrency <= 0 {
		concurrency = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &StreamRecorder{store: s, queue: q, concurrency: concurrency, entries: make(chan domain.AuditEntry, buffer)}
}

func (r *StreamRecorder) Record(e domain.AuditEntry) {
	select {
	case r.entries <- e:
	default:
		slog.Warn("audit buffer full, entry dropped", "event", e.Event, "actor", e.ActorID)
	}
}

func (r *StreamRecorder) publishLoop(ctx context.Context) {
	for {
		select {
		case e := <-r.entries:
			r.enqueue(ctx, e)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case e := <-r.entries:
					r.enqueue(drainCtx, e)
				default:
					return
				}
			}
		}
	}
}

func (r *StreamRecorder) enqueue(ctx context.Context, e domain.AuditEntry) {
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Error("audit encode failed", "event", e.Event, "err", err)
		return
	}
	if _, err := r.queue.Enqueue(ctx, payload); err != nil {
		slog.Error("audit enqueue failed", "event", e.Event, "actor", e.ActorID, "err", err)
	}
}

// Run publishes buffered entries and persists consumed ones until ctx is
// canceled. Entries still buffered at cancellation are published before
// Run returns.
func (r *StreamRecorder) Run(ctx context.Context) error {
	pubCtx, stop := context.WithCancel(ctx)
	defer stop()
	published := make(chan struct{})
	go func() {
		defer close(published)
		r.publishLoop(pubCtx)
	}()
	err := r.queue.Run(ctx, r.concurrency, func(ctx context.Context, msg queue.Message) error {
		var e domain.AuditEntry
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			slog.Error("audit decode failed", "id", msg.ID, "err", err)
			return nil
		}
		if err := r.store.AppendAudit(ctx, e); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// redelivered after a write that did land
				return nil
			}
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
	stop()
	<-published
	return err
}

// MessageWriter is the subset of *kafka.Writer used by KafkaMirror.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for the audit topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
		MaxAttempts:  3,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
	}
}

// KafkaMirror forwards entries to an inner Recorder and also publishes them
// to Kafka, keyed by actor so one actor's events stay ordered.
type KafkaMirror struct {
	inner   Recorder
	writer  MessageWriter
	entries chan domain.AuditEntry
	once    sync.Once
}

func NewKafkaMirror(inner Recorder, writer MessageWriter, buffer int) *KafkaMirror {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaMirror{inner: inner, writer: writer, entries: make(chan domain.AuditEntry, buffer)}
}

func (m *KafkaMirror) Record(e domain.AuditEntry) {
	m.inner.Record(e)
	select {
	case m.entries <- e:
	default:
		slog.Warn("audit mirror buffer full, entry dropped", "event", e.Event)
	}
}

// Run drives both the inner recorder and the Kafka publisher.
func (m *KafkaMirror) Run(ctx context.Context) error {
	innerDone := make(chan error, 1)
	go func() { innerDone <- m.inner.Run(ctx) }()
	defer m.once.Do(func() {
		if err := m.writer.Close(); err != nil {
			slog.Warn("close kafka writer", "err", err)
		}
	})
	for {
		select {
		case e := <-m.entries:
			m.publish(ctx, e)
		case <-ctx.Done():
			return <-innerDone
		}
	}
}

func (m *KafkaMirror) publish(ctx context.Context, e domain.AuditEntry) {
	value, err := json.Marshal(e)
	if err != nil {
		slog.Error("audit encode failed", "event", e.Event, "err", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(e.ActorID),
		Value: value,
		Time:  e.AuditedAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Event)},
		},
	}
	if err := m.writer.WriteMessages(ctx, msg); err != nil && ctx.Err() == nil {
		slog.Error("audit mirror publish failed", "event", e.Event, "err", err)
	}
}

// ListAudit returns the newest audit entries.
func (a *App) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > defaultAuditListCap {
		limit = defaultAuditListCap
	}
	entries, err := a.store.ListAudit(ctx, limit)
	if err != nil {
		return nil, Internal(fmt.Errorf("list audit: %w", err))
	}
	return entries, nil
}
