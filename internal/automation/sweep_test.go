package automation

import (
	"context"
	"testing"
	"time"
)

type fakeSweepStore struct {
	calls        int
	staleAfter   time.Duration
	offlineAfter time.Duration
	returnCount  int
	returnErr    error
}

func (f *fakeSweepStore) SweepStaleWorkers(ctx context.Context, staleAfter, offlineAfter time.Duration) (int, error) {
	f.calls++
	f.staleAfter = staleAfter
	f.offlineAfter = offlineAfter
	return f.returnCount, f.returnErr
}

func TestSweeper_RunOnce_DelegatesThresholds(t *testing.T) {
	fake := &fakeSweepStore{returnCount: 2}
	sw := NewSweeper(fake, nil, 0, 0)
	sw.runOnce(context.Background())

	if fake.calls != 1 {
		t.Fatalf("expected exactly one sweep call, got %d", fake.calls)
	}
	if fake.staleAfter != DefaultStaleAfter {
		t.Fatalf("expected default stale threshold, got %v", fake.staleAfter)
	}
	if fake.offlineAfter != DefaultOfflineAfter {
		t.Fatalf("expected default offline threshold, got %v", fake.offlineAfter)
	}
}

func TestSweeper_RunOnce_CustomThresholds(t *testing.T) {
	fake := &fakeSweepStore{}
	sw := NewSweeper(fake, nil, 10*time.Second, time.Minute)
	sw.runOnce(context.Background())

	if fake.staleAfter != 10*time.Second {
		t.Fatalf("expected custom stale threshold, got %v", fake.staleAfter)
	}
	if fake.offlineAfter != time.Minute {
		t.Fatalf("expected custom offline threshold, got %v", fake.offlineAfter)
	}
}

func TestSweeper_StartAndStop(t *testing.T) {
	fake := &fakeSweepStore{}
	sw := NewSweeper(fake, nil, 0, 0)
	if err := sw.Start(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	sw.Stop()

	if fake.calls == 0 {
		t.Fatal("expected at least one sweep tick before Stop returned")
	}
}
