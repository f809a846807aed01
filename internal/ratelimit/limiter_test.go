package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterRate(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want float64
	}{
		{"positive", 100, 100},
		{"zero is unlimited", 0, 0},
		{"negative is unlimited", -5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.rate).Rate(); got != tt.want {
				t.Errorf("Rate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLimiterUnlimitedNeverBlocks(t *testing.T) {
	l := New(0)
	start := time.Now()
	for range 1000 {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("unlimited waits took %v", elapsed)
	}
}

func TestLimiterPacesPermits(t *testing.T) {
	l := New(50) // 20ms interval
	ctx := context.Background()

	start := time.Now()
	for range 6 {
		if err := l.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// first permit is immediate, five more need ~100ms
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("6 permits at 50/s took %v, want >= 90ms", elapsed)
	}
}

func TestLimiterWaitCancelled(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := l.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestLimiterSetRate(t *testing.T) {
	l := New(0)
	l.SetRate(500)
	if l.Rate() != 500 {
		t.Errorf("Rate() = %v, want 500", l.Rate())
	}
	l.SetRate(0)
	if l.Rate() != 0 {
		t.Errorf("Rate() = %v, want 0", l.Rate())
	}
}
