package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewLaneValidation(t *testing.T) {
	work := func(context.Context) error { return nil }

	tests := []struct {
		name  string
		lane  string
		every time.Duration
		work  func(context.Context) error
		ok    bool
	}{
		{"valid", "encryptor", time.Second, work, true},
		{"missing name", "", time.Second, work, false},
		{"zero interval", "deleter", 0, work, false},
		{"missing work", "retention", time.Second, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLane(tt.lane, tt.every, tt.work, zerolog.Nop(), nil)
			if (err == nil) != tt.ok {
				t.Fatalf("NewLane error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestLaneSkipsOverlappingRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runs := 0

	lane, err := NewLane("encryptor", time.Hour, func(context.Context) error {
		runs++
		close(started)
		<-release
		return nil
	}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewLane: %v", err)
	}

	type outcome struct {
		ran bool
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		ran, err := lane.TryRun(context.Background())
		first <- outcome{ran, err}
	}()
	<-started

	ran, err := lane.TryRun(context.Background())
	if err != nil || ran {
		t.Fatalf("overlapping TryRun = %v, %v; want skipped", ran, err)
	}

	close(release)
	got := <-first
	if got.err != nil || !got.ran {
		t.Fatalf("first TryRun = %v, %v", got.ran, got.err)
	}
	if runs != 1 {
		t.Fatalf("work ran %d times, want 1", runs)
	}
}

func TestLaneReportsWorkError(t *testing.T) {
	errBoom := errors.New("boom")
	lane, err := NewLane("reconciler", time.Hour, func(context.Context) error { return errBoom }, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewLane: %v", err)
	}
	ran, err := lane.TryRun(context.Background())
	if !ran || !errors.Is(err, errBoom) {
		t.Fatalf("TryRun = %v, %v", ran, err)
	}
	// The guard is released after a failed run.
	if ran, _ := lane.TryRun(context.Background()); !ran {
		t.Fatalf("lane stayed busy after a failed run")
	}
}

func TestLaneRunStopsOnCancel(t *testing.T) {
	ticks := make(chan struct{}, 8)
	lane, err := NewLane("retention", 5*time.Millisecond, func(context.Context) error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return nil
	}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewLane: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lane.Run(ctx) }()

	select {
	case <-ticks:
	case <-time.After(5 * time.Second):
		t.Fatalf("lane never ticked")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
