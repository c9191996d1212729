package session

import (
	"context"
	"testing"
	"time"
)

func TestReaperEndsStaleSessions(t *testing.T) {
	fixture := newServiceFixture(t)
	record := mustCreate(t, fixture, "file-1", "user-a", "alice")

	reaper, err := NewReaper(ReaperConfig{
		Sessions:  fixture.service,
		Threshold: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected reaper error: %v", err)
	}

	// Fresh sessions survive a sweep.
	reaper.Sweep(context.Background())
	var stored Record
	if err := fixture.db.Where("id = ?", record.ID).Take(&stored).Error; err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if !stored.IsActive {
		t.Fatal("expected fresh session to survive the sweep")
	}

	// Past the threshold without any activity signal the session is reaped.
	fixture.clock.Advance(11 * time.Minute)
	reaper.Sweep(context.Background())
	if err := fixture.db.Where("id = ?", record.ID).Take(&stored).Error; err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if stored.IsActive {
		t.Fatal("expected stale session to be reaped")
	}
	if stored.LeftAt == nil {
		t.Fatal("expected reaped session to have left_at stamped")
	}
}

func TestReaperSparesActiveSessionsWithOldJoinTime(t *testing.T) {
	fixture := newServiceFixture(t)
	record := mustCreate(t, fixture, "file-1", "user-a", "alice")

	reaper, err := NewReaper(ReaperConfig{
		Sessions:  fixture.service,
		Threshold: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected reaper error: %v", err)
	}

	// A long-lived session keeps sending frames: joinedAt is well past the
	// threshold but the activity marker stays fresh.
	fixture.clock.Advance(9 * time.Minute)
	fixture.service.Touch(record.ID)
	fixture.clock.Advance(9 * time.Minute)
	fixture.service.Touch(record.ID)
	fixture.clock.Advance(9 * time.Minute)

	reaper.Sweep(context.Background())

	var stored Record
	if err := fixture.db.Where("id = ?", record.ID).Take(&stored).Error; err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if !stored.IsActive {
		t.Fatal("expected active session to be left untouched despite old joinedAt")
	}
}

func TestReaperRunStopsOnContextCancel(t *testing.T) {
	fixture := newServiceFixture(t)
	reaper, err := NewReaper(ReaperConfig{
		Sessions: fixture.service,
		Interval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected reaper error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected reaper to stop after context cancellation")
	}
}
