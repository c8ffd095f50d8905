package fsstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/curebird/curebird/internal/store"
)

func TestToUpdates_SortedTopLevelPaths(t *testing.T) {
	when := time.Date(2024, 3, 9, 0, 0, 0, 0, time.FixedZone("IST", 19800))
	got := toUpdates(map[string]any{"reason": "Checkup", "date": when, "details.notes": "x"})

	if len(got) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(got))
	}
	wantKeys := []string{"date", "details.notes", "reason"}
	for i, u := range got {
		if len(u.FieldPath) != 1 || u.FieldPath[0] != wantKeys[i] || u.Path != "" {
			t.Errorf("update %d: unexpected path %+v", i, u)
		}
	}
	if ts := got[0].Value.(time.Time); ts.Location() != time.UTC || !ts.Equal(when) {
		t.Errorf("date should be stored as UTC, got %v", ts)
	}
}

// Runs against the emulator when FIRESTORE_EMULATOR_HOST is set.
func TestStore_AgainstEmulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{ProjectID: "curebird-test"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	path := store.Path{AppID: "app", UserID: uuid.NewString(), Domain: store.DomainAppointments}
	sub, err := s.Subscribe(ctx, path)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	next := func() store.Snapshot {
		t.Helper()
		select {
		case snap := <-sub.Snapshots():
			return snap
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for snapshot")
		}
		return store.Snapshot{}
	}
	if snap := next(); len(snap.Docs) != 0 {
		t.Fatalf("expected empty collection, got %d", len(snap.Docs))
	}

	id, err := s.Insert(ctx, path, map[string]any{"date": time.Now().UTC(), "doctorName": "Dr. Iyer", "status": "upcoming"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if snap := next(); len(snap.Docs) != 1 || snap.Docs[0].ID != id {
		t.Fatalf("expected inserted doc, got %+v", snap.Docs)
	}

	if err := s.Update(ctx, path, "missing", map[string]any{"status": "completed"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, path, "missing"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}
