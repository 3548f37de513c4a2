package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/izzyreal/otastage/internal/updater"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history", "otastage-test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestAppendAndListEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, op := range []string{updater.OpCheck, updater.OpApplyScheduled} {
		if _, err := s.AppendEvent(ctx, Event{
			Operation:  op,
			FromPhase:  string(updater.PhaseNoUpdate),
			ToPhase:    string(updater.PhaseScheduled),
			ToVersion:  "1.1",
			CreatedUTC: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.ListEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Operation != updater.OpApplyScheduled || events[1].Operation != updater.OpCheck {
		t.Fatalf("expected newest first: %+v", events)
	}
	if !events[1].CreatedUTC.Equal(base) || events[1].ToVersion != "1.1" || events[1].FromVersion != "" {
		t.Fatalf("unexpected event: %+v", events[1])
	}

	limited, err := s.ListEvents(ctx, 1)
	if err != nil {
		t.Fatalf("ListEvents(1): %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit not applied: %d", len(limited))
	}
}

func TestEventsArePruned(t *testing.T) {
	s := openTestStore(t)
	s.SetKeepEvents(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(ctx, Event{Operation: updater.OpCheck, FromPhase: "no_update", ToPhase: "no_update"}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	events, err := s.ListEvents(ctx, 100)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 || events[0].ID != 5 || events[2].ID != 3 {
		t.Fatalf("unexpected events after pruning: %+v", events)
	}
}

func TestRecordTransitionUpdatesAppState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.RecordTransition(ctx, updater.Transition{
		Operation: updater.OpDownloadNow,
		From:      updater.State{Phase: updater.PhaseNoUpdate},
		To:        updater.State{Phase: updater.PhaseCorrupt},
		Version:   "1.1",
		Err:       "mirror release 1.1: download file: status=500",
		At:        at,
	})
	if err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}
	state, err := s.ListAppState(ctx)
	if err != nil {
		t.Fatalf("ListAppState: %v", err)
	}
	if state[KeyLastStatus] != "failed" || state[KeyPhase] != "corrupt" || state[KeyTargetVersion] != "1.1" {
		t.Fatalf("unexpected app state: %#v", state)
	}
	if state[KeyMessage] != "mirror release 1.1: download file: status=500" {
		t.Fatalf("unexpected message %q", state[KeyMessage])
	}

	events, err := s.ListEvents(ctx, 1)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Error == "" || events[0].ToPhase != "corrupt" || !events[0].CreatedUTC.Equal(at) {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestAppStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, found, err := s.GetAppState(ctx, "missing"); err != nil || found {
		t.Fatalf("missing key: found=%v err=%v", found, err)
	}
	if err := s.SetAppState(ctx, "update_message", "first"); err != nil {
		t.Fatalf("SetAppState: %v", err)
	}
	if err := s.SetAppStates(ctx, map[string]string{"update_message": "second", "": "ignored"}); err != nil {
		t.Fatalf("SetAppStates: %v", err)
	}
	v, found, err := s.GetAppState(ctx, "update_message")
	if err != nil || !found || v != "second" {
		t.Fatalf("GetAppState: v=%q found=%v err=%v", v, found, err)
	}
	all, err := s.ListAppState(ctx)
	if err != nil {
		t.Fatalf("ListAppState: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("unexpected app state: %#v", all)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "otastage.db")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		s, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		if _, err := s.AppendEvent(ctx, Event{Operation: updater.OpCheck, FromPhase: "no_update", ToPhase: "scheduled", Device: "sensor-7"}); err != nil {
			t.Fatalf("AppendEvent #%d: %v", i, err)
		}
		events, err := s.ListEvents(ctx, 10)
		if err != nil {
			t.Fatalf("ListEvents #%d: %v", i, err)
		}
		if len(events) != i+1 || events[0].Device != "sensor-7" {
			t.Fatalf("reopen #%d: events=%+v", i, events)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
}
