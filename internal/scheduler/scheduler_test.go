package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunStopsAfterMaxRounds(t *testing.T) {
	s := New(Options{Interval: 20 * time.Millisecond, Immediate: true, MaxRounds: 3}, zerolog.Nop())

	var calls int
	err := s.Run(context.Background(), func(ctx context.Context, at time.Time) error {
		calls++
		if calls == 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 rounds, got %d", calls)
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, func(ctx context.Context, at time.Time) error {
		t.Fatal("round should not run")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestNextRunAlignment(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 10, 7, 30, 0, time.UTC)

	if got := s.nextRun(now); !got.Equal(time.Date(2024, 1, 1, 10, 10, 0, 0, time.UTC)) {
		t.Fatalf("misaligned next run: %s", got)
	}
	onBoundary := time.Date(2024, 1, 1, 10, 10, 0, 0, time.UTC)
	if got := s.nextRun(onBoundary); !got.Equal(onBoundary.Add(5 * time.Minute)) {
		t.Fatalf("on a boundary the next slot is expected: %s", got)
	}
}
