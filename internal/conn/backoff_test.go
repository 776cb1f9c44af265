package conn

import (
	"testing"
	"time"
)

func TestBackoffDoublesWithoutJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 60 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, c := range cases {
		if got := b.Next(c.attempt); got != c.want {
			t.Errorf("Next(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			got := b.Next(attempt)
			base := Backoff{Base: b.Base, Cap: b.Cap}.Next(attempt)
			lo := base - time.Duration(float64(base)*b.Jitter)
			hi := base + time.Duration(float64(base)*b.Jitter)
			if got < lo || got > hi {
				t.Fatalf("Next(%d) = %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}

func TestBackoffNonPositiveAttempt(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Minute}
	if got := b.Next(0); got != time.Second {
		t.Fatalf("Next(0) = %v", got)
	}
	if got := b.Next(-3); got != time.Second {
		t.Fatalf("Next(-3) = %v", got)
	}
}
