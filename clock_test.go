package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// dateServer answers every request with a Date header skewed by offset.
func dateServer(t *testing.T, offset time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", time.Now().Add(offset).UTC().Format(http.TimeFormat))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClockSync(t *testing.T) {
	clock := NewClockSync(5 * time.Second)

	if clock.Synced() {
		t.Error("ClockSync should not be synced initially")
	}

	srv := dateServer(t, time.Hour)
	if err := clock.Sync(context.Background(), srv.URL); err != nil {
		t.Fatalf("Failed to sync time: %v", err)
	}

	if !clock.Synced() {
		t.Error("ClockSync should be synced after calling Sync()")
	}

	// Date has one second resolution.
	offset := clock.Offset()
	if offset < time.Hour-2*time.Second || offset > time.Hour+time.Second {
		t.Errorf("Expected offset close to 1h, got %v", offset)
	}

	diff := clock.Now().Sub(time.Now())
	if diff < time.Hour-2*time.Second || diff > time.Hour+time.Second {
		t.Errorf("Synced time differs unexpectedly from system time: %v", diff)
	}
}

func TestClockSyncAveragesTargets(t *testing.T) {
	clock := NewClockSync(5 * time.Second)
	ahead := dateServer(t, 10*time.Second)
	further := dateServer(t, 20*time.Second)

	if err := clock.Sync(context.Background(), ahead.URL, further.URL); err != nil {
		t.Fatalf("Failed to sync time: %v", err)
	}

	offset := clock.Offset()
	if offset < 13*time.Second || offset > 16*time.Second {
		t.Errorf("Expected averaged offset close to 15s, got %v", offset)
	}
}

func TestClockSyncSkipsBadTargets(t *testing.T) {
	noDate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Date"] = nil
	}))
	t.Cleanup(noDate.Close)

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	clock := NewClockSync(time.Second)
	if err := clock.Sync(context.Background(), noDate.URL, closed.URL); err == nil {
		t.Fatal("Expected an error when no target has a usable Date header")
	}

	if clock.Synced() {
		t.Error("ClockSync should stay unsynced after a failed Sync()")
	}

	diff := clock.Now().Sub(time.Now())
	if diff > time.Second || diff < -time.Second {
		t.Errorf("Unsynced clock should follow local time, got diff %v", diff)
	}

	good := dateServer(t, 0)
	if err := clock.Sync(context.Background(), noDate.URL, good.URL); err != nil {
		t.Fatalf("Expected one good target to be enough: %v", err)
	}
}

func TestClockSyncCancelled(t *testing.T) {
	srv := dateServer(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clock := NewClockSync(time.Second)
	if err := clock.Sync(ctx, srv.URL); err == nil {
		t.Error("Expected Sync to fail with a cancelled context")
	}
}
