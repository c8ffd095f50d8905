package store

import (
	"context"
	"errors"
	"sync"
)

// EmitFunc hands a snapshot to the subscriber. It returns false once the
// stream has been closed.
type EmitFunc func(Snapshot) bool

// Stream is a Subscription fed by a single producer goroutine. Backends use it
// so that every subscription closes the same way.
type Stream struct {
	snapshots chan Snapshot
	ctx       context.Context
	cancel    context.CancelFunc
	finished  chan struct{}
	closeOnce sync.Once
	err       error
}

// StartStream runs produce in its own goroutine. produce must return when ctx
// is cancelled; a non-nil error other than the cancellation becomes Err().
func StartStream(parent context.Context, produce func(ctx context.Context, emit EmitFunc) error) *Stream {
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		snapshots: make(chan Snapshot),
		ctx:       ctx,
		cancel:    cancel,
		finished:  make(chan struct{}),
	}

	go func() {
		err := produce(ctx, s.emit)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			err = nil
		}
		s.err = err
		close(s.finished)
		close(s.snapshots)
	}()

	return s
}

func (s *Stream) emit(snap Snapshot) bool {
	select {
	case s.snapshots <- snap:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Snapshots implements Subscription.
func (s *Stream) Snapshots() <-chan Snapshot { return s.snapshots }

// Err implements Subscription.
func (s *Stream) Err() error {
	select {
	case <-s.finished:
		return s.err
	default:
		return nil
	}
}

// Close stops the producer and waits for it to exit.
func (s *Stream) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.finished
	return nil
}
