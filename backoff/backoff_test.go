package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	t.Parallel()

	c := NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestExponentialDoubling(t *testing.T) {
	t.Parallel()

	e := NewExponential(time.Second, time.Minute)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialCap(t *testing.T) {
	t.Parallel()

	e := NewExponential(time.Second, 10*time.Second)
	if got := e.Delay(20); got != 10*time.Second {
		t.Errorf("Delay(20) = %v, want capped at 10s", got)
	}
}

func TestExponentialJitterBounds(t *testing.T) {
	t.Parallel()

	e := NewExponentialWithJitter(time.Second, time.Minute)
	for range 100 {
		got := e.Delay(3) // base would be 4s
		if got < 0 || got > 4*time.Second {
			t.Fatalf("jittered Delay(3) = %v, want in [0, 4s]", got)
		}
	}
}

func TestDefaultStrategy(t *testing.T) {
	t.Parallel()

	s := DefaultStrategy()
	for attempt := 1; attempt <= 12; attempt++ {
		if got := s.Delay(attempt); got < 0 || got > 30*time.Second {
			t.Fatalf("Delay(%d) = %v, want in [0, 30s]", attempt, got)
		}
	}
}
