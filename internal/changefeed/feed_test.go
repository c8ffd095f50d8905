package changefeed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/curebird/curebird/pkg/workerpool"
)

type countingCounter struct{ n int64 }

func (c *countingCounter) Inc() { atomic.AddInt64(&c.n, 1) }

func encode(t *testing.T, c Change) []byte {
	t.Helper()
	b, err := c.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestFeed_DeliversRemoteChangesToWatchers(t *testing.T) {
	hub := NewHub()
	counter := &countingCounter{}
	feed, err := NewFeed(hub, "instance-a", workerpool.Config{Workers: 2, QueueSize: 8}, nil, WithConsumedCounter(counter))
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	feed.Start()

	topic := "artifacts/app/users/u1/medical_records"
	w := hub.Watch(topic)
	defer w.Stop()

	change := Change{Topic: topic, Kind: KindInsert, DocumentID: "d1", Origin: "instance-b", Timestamp: time.Now()}
	if err := feed.Handle(context.Background(), encode(t, change)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case <-w.C():
	case <-time.After(2 * time.Second):
		t.Fatal("remote change did not reach the watcher")
	}

	feed.Stop()
	if atomic.LoadInt64(&counter.n) != 1 {
		t.Fatalf("expected 1 consumed change, got %d", counter.n)
	}
}

func TestFeed_DropsOwnAndMalformedChanges(t *testing.T) {
	hub := NewHub()
	feed, err := NewFeed(hub, "instance-a", workerpool.Config{Workers: 1, QueueSize: 8}, nil)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	feed.Start()

	w := hub.Watch("t")
	defer w.Stop()

	own := Change{Topic: "t", Kind: KindUpdate, Origin: "instance-a"}
	if err := feed.Handle(context.Background(), encode(t, own)); err != nil {
		t.Fatalf("handle own: %v", err)
	}
	if err := feed.Handle(context.Background(), []byte("{not json")); err != nil {
		t.Fatalf("malformed changes should be dropped, got %v", err)
	}
	feed.Stop()

	select {
	case <-w.C():
		t.Fatal("own change should not be redelivered")
	default:
	}
	if s := feed.Stats(); s.TasksSubmitted != 0 {
		t.Fatalf("expected nothing submitted, got %d", s.TasksSubmitted)
	}
}

func TestChange_MarshalRoundTrip(t *testing.T) {
	in := Change{Topic: "t", Kind: KindDelete, DocumentID: "d", Origin: "o", Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	out, err := UnmarshalChange(encode(t, in))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("timestamp: got %v, want %v", out.Timestamp, in.Timestamp)
	}
	out.Timestamp = in.Timestamp
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestFeed_CheckReportsIdleFeedReady(t *testing.T) {
	feed, err := NewFeed(NewHub(), "instance-a", workerpool.Config{Workers: 1, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	feed.Start()
	defer feed.Stop()

	if err := feed.Check(context.Background()); err != nil {
		t.Fatalf("idle feed should be ready, got %v", err)
	}
}

type gatedNotifier struct {
	release chan struct{}
	gated   string
	seen    chan string
}

func (n *gatedNotifier) Notify(_ context.Context, topic string) {
	if topic == n.gated {
		<-n.release
	}
	n.seen <- topic
}

func TestFeed_SaturatedWorkerDelaysButKeepsQuietTopic(t *testing.T) {
	n := &gatedNotifier{release: make(chan struct{}), gated: "busy", seen: make(chan string, 8)}
	feed, err := NewFeed(n, "instance-a", workerpool.Config{Workers: 1, QueueSize: 1}, nil)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	feed.Start()
	defer feed.Stop()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := feed.Handle(ctx, encode(t, Change{Topic: "busy", Kind: KindUpdate, Origin: "instance-b"})); err != nil {
			t.Fatalf("handle busy: %v", err)
		}
		if i == 0 {
			deadline := time.Now().Add(time.Second)
			for feed.Stats().QueueDepth != 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}
	}

	handled := make(chan error, 1)
	go func() {
		handled <- feed.Handle(ctx, encode(t, Change{Topic: "quiet", Kind: KindInsert, Origin: "instance-b"}))
	}()
	select {
	case err := <-handled:
		t.Fatalf("handle returned while the worker was saturated: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(n.release)
	if err := <-handled; err != nil {
		t.Fatalf("handle quiet: %v", err)
	}
	var got []string
	for len(got) < 3 {
		select {
		case topic := <-n.seen:
			got = append(got, topic)
		case <-time.After(2 * time.Second):
			t.Fatalf("quiet change never delivered; got %v", got)
		}
	}
	if got[2] != "quiet" {
		t.Fatalf("unexpected delivery order %v", got)
	}
}

func TestFeed_HandleGivesUpWithContext(t *testing.T) {
	n := &gatedNotifier{release: make(chan struct{}), gated: "busy", seen: make(chan string, 8)}
	feed, err := NewFeed(n, "", workerpool.Config{Workers: 1, QueueSize: 1}, nil)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	feed.Start()
	defer func() {
		close(n.release)
		feed.Stop()
	}()

	busy := encode(t, Change{Topic: "busy", Kind: KindUpdate})
	feed.Handle(context.Background(), busy)
	deadline := time.Now().Add(time.Second)
	for feed.Stats().QueueDepth != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	feed.Handle(context.Background(), busy)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := feed.Handle(ctx, busy); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
