package dispatch

import (
	"testing"
	"time"
)

func TestNextDelayDoubles(t *testing.T) {
	base := time.Minute
	limit := time.Hour

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute}, // clamped to the first step
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 16 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour}, // 64m capped
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := NextDelay(tt.attempt, base, limit, 0); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	base := 10 * time.Minute
	limit := time.Hour
	lo := time.Duration(float64(base) * 0.75)
	hi := time.Duration(float64(base) * 1.25)

	for i := 0; i < 200; i++ {
		got := NextDelay(1, base, limit, 0.25)
		if got < lo || got > hi {
			t.Fatalf("NextDelay with 25%% jitter = %v, want within [%v, %v]", got, lo, hi)
		}
	}
}
