package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/curebird/curebird/pkg/workerpool"
)

// Counter counts delivered remote changes.
type Counter interface {
	Inc()
}

// Feed delivers changes that other instances committed to the local
// notifier. Delivery runs on a worker pool sharded by topic, so changes to
// one collection stay ordered while collections proceed independently.
type Feed struct {
	notifier Notifier
	origin   string
	pool     *workerpool.Pool
	consumed Counter
	logger   *zap.Logger
	seq      uint64
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithConsumedCounter counts changes handed to the notifier.
func WithConsumedCounter(c Counter) FeedOption {
	return func(f *Feed) { f.consumed = c }
}

// NewFeed creates a feed. Changes stamped with origin came from this
// instance, which already notified locally, and are dropped.
func NewFeed(notifier Notifier, origin string, cfg workerpool.Config, logger *zap.Logger, opts ...FeedOption) (*Feed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{notifier: notifier, origin: origin, logger: logger}
	for _, opt := range opts {
		opt(f)
	}

	pool, err := workerpool.New(cfg, f.deliver, logger.Named("feed-pool"))
	if err != nil {
		return nil, fmt.Errorf("feed pool: %w", err)
	}
	f.pool = pool
	return f, nil
}

// Start launches the delivery workers.
func (f *Feed) Start() { f.pool.Start() }

// Stop drains pending deliveries.
func (f *Feed) Stop() error { return f.pool.Stop() }

// Handle accepts one transported change. When the topic's worker is
// saturated it waits for room, holding the consumer back, so no change is
// lost to a busy neighbour. It returns only ctx or shutdown errors.
func (f *Feed) Handle(ctx context.Context, data []byte) error {
	change, err := UnmarshalChange(data)
	if err != nil {
		f.logger.Warn("undecodable change dropped", zap.Error(err))
		return nil
	}
	if change.Topic == "" || (f.origin != "" && change.Origin == f.origin) {
		return nil
	}

	task := &workerpool.Task{
		ID:      strconv.FormatUint(atomic.AddUint64(&f.seq, 1), 10),
		Key:     change.Topic,
		Payload: change,
	}
	if err := f.pool.SubmitWait(ctx, task); err != nil {
		return fmt.Errorf("deliver change on %s: %w", change.Topic, err)
	}
	return nil
}

// ErrBacklogged is reported while delivery queues are nearly full.
var ErrBacklogged = errors.New("change feed delivery is backlogged")

// Check is a readiness check: it fails while deliveries back up.
func (f *Feed) Check(context.Context) error {
	if !f.pool.IsHealthy() {
		return ErrBacklogged
	}
	return nil
}

// Stats reports the delivery pool statistics.
func (f *Feed) Stats() workerpool.Stats { return f.pool.Stats() }

func (f *Feed) deliver(ctx context.Context, task *workerpool.Task) error {
	change := task.Payload.(Change)
	f.notifier.Notify(ctx, change.Topic)
	if f.consumed != nil {
		f.consumed.Inc()
	}
	return nil
}
