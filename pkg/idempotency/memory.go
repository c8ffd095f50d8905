package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MemoryInbox is an in-process Processor for the memory backend and tests.
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[string]*InboxEntry
	config  InboxConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

var _ Processor = (*MemoryInbox)(nil)

// NewMemoryInbox creates an empty in-memory inbox.
func NewMemoryInbox(cfg InboxConfig, logger *zap.Logger) *MemoryInbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryInbox{
		entries: make(map[string]*InboxEntry),
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("inbox"),
		now:     time.Now,
	}
}

// Process implements Processor.
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	return process(ctx, m, m.config, m.tracer, m.logger, key, handlerName, payload, fn)
}

func (m *MemoryInbox) get(_ context.Context, key string) (*InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if e.ExpiresAt != nil && m.now().After(*e.ExpiresAt) {
		delete(m.entries, key)
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryInbox) start(_ context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return errNotStarted
		}
		e.Status = StatusStarted
		e.UpdatedAt = now
		return nil
	}
	m.entries[key] = &InboxEntry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expiresAt,
	}
	return nil
}

func (m *MemoryInbox) markRecoverable(ctx context.Context, key string) error {
	return m.markStatus(ctx, key, StatusRecoverable, nil)
}

func (m *MemoryInbox) markStatus(_ context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		e.Status = status
		if result != nil {
			e.Result = result
		}
		e.UpdatedAt = m.now()
	}
	return nil
}
