package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		minutes int
		want    string
		err     bool
	}{
		{1, "*/1 * * * *", false},
		{10, "*/10 * * * *", false},
		{30, "*/30 * * * *", false},
		{60, "0 */1 * * *", false},
		{180, "0 */3 * * *", false},
		{7, "@every 7m", false},
		{90, "@every 90m", false},
		{300, "@every 300m", false},
		{1439, "@every 1439m", false},
		{0, "", true},
		{1440, "", true},
	}
	for _, tt := range tests {
		got, err := Spec(tt.minutes)
		if tt.err {
			if !errors.Is(err, ErrInvalidInterval) {
				t.Fatalf("Spec(%d) err = %v, want ErrInvalidInterval", tt.minutes, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("Spec(%d) = %q, %v; want %q", tt.minutes, got, err, tt.want)
		}
	}
}

func TestEveryAlignsToClock(t *testing.T) {
	t.Parallel()
	s, err := Every(10)
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2024, 5, 1, 12, 3, 20, 0, time.UTC)
	if got, want := s.Next(at), time.Date(2024, 5, 1, 12, 10, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	s, _ = Every(7)
	if got := s.Next(at); got.Sub(at) != 7*time.Minute {
		t.Fatalf("@every 7m Next = %v (delta %v)", got, got.Sub(at))
	}
}

func TestLoopRereadsIntervalEachIteration(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reads, runs atomic.Int32
	l := &Loop{
		Name:     "test",
		Interval: func() int { reads.Add(1); return 10 },
		Fallback: 60,
		Cycle: func(context.Context) error {
			if runs.Add(1) == 3 {
				cancel()
			}
			return nil
		},
	}
	l.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	err := l.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if runs.Load() != 3 || reads.Load() != 3 {
		t.Fatalf("runs=%d reads=%d, want 3/3", runs.Load(), reads.Load())
	}
}

func TestLoopCycleOutlivesCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	var cycleErr atomic.Value
	l := &Loop{
		Name:     "test",
		Interval: func() int { return 0 }, // invalid, falls back
		Fallback: 5,
		Cycle: func(c context.Context) error {
			cancel()
			time.Sleep(20 * time.Millisecond)
			if c.Err() != nil {
				cycleErr.Store(c.Err())
			}
			return nil
		},
	}
	l.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	_ = l.Run(ctx)
	if v := cycleErr.Load(); v != nil {
		t.Fatalf("cycle context canceled with parent: %v", v)
	}
}
