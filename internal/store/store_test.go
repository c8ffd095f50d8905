package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPath_RoundTrip(t *testing.T) {
	p := Path{AppID: "1:256:web:fd2b", UserID: "uid-1", Domain: DomainAppointments}
	got, err := ParsePath(p.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
	if p.String() != "artifacts/1:256:web:fd2b/users/uid-1/appointments" {
		t.Fatalf("unexpected path string %q", p.String())
	}
}

func TestParsePath_Rejects(t *testing.T) {
	for _, s := range []string{"", "artifacts/a/users", "foo/a/users/u/d", "artifacts/a/people/u/d", "artifacts//users/u/d"} {
		if _, err := ParsePath(s); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("%q: expected ErrInvalidPath, got %v", s, err)
		}
	}
}

func TestSortDocs(t *testing.T) {
	d := func(id, date string) Document {
		return Document{ID: id, Fields: map[string]any{"date": date}}
	}
	docs := []Document{d("a", "2024-01-01"), d("c", "2024-05-01"), d("b", "2024-05-01"), {ID: "z"}}
	SortDocs(docs)

	want := []string{"b", "c", "a", "z"}
	for i, doc := range docs {
		if doc.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, doc.ID, want[i])
		}
	}
}

func TestMergeFields_DoesNotAliasInput(t *testing.T) {
	base := map[string]any{"details": map[string]any{"notes": "x"}, "doctorName": "A"}
	merged := MergeFields(base, map[string]any{"doctorName": "B"})
	merged["details"].(map[string]any)["notes"] = "changed"

	if base["details"].(map[string]any)["notes"] != "x" {
		t.Fatal("merge aliased nested map")
	}
	if merged["doctorName"] != "B" {
		t.Fatalf("patch not applied: %v", merged["doctorName"])
	}
}

func TestAsTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in   any
		ok   bool
		want time.Time
	}{
		{ts, true, ts},
		{"2024-03-01", true, ts},
		{"2024-03-01T00:00:00Z", true, ts},
		{"not a date", false, time.Time{}},
		{nil, false, time.Time{}},
		{42, false, time.Time{}},
	}
	for _, c := range cases {
		got, ok := AsTime(c.in)
		if ok != c.ok || !got.Equal(c.want) {
			t.Errorf("AsTime(%v) = %v, %v; want %v, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestStream_ProducerErrorSurfacesOnErr(t *testing.T) {
	boom := errors.New("permission denied")
	s := StartStream(context.Background(), func(ctx context.Context, emit EmitFunc) error {
		emit(Snapshot{})
		return boom
	})

	<-s.Snapshots()
	if _, ok := <-s.Snapshots(); ok {
		t.Fatal("expected channel to close after producer error")
	}
	if !errors.Is(s.Err(), boom) {
		t.Fatalf("expected producer error, got %v", s.Err())
	}
}

func TestStream_CloseUnblocksProducer(t *testing.T) {
	s := StartStream(context.Background(), func(ctx context.Context, emit EmitFunc) error {
		for emit(Snapshot{}) {
		}
		return ctx.Err()
	})

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	if s.Err() != nil {
		t.Fatalf("expected nil Err after Close, got %v", s.Err())
	}
}
