package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNewAppliesDefaults(t *testing.T) {
	l := New(Config{})
	if !l.Allow() {
		t.Fatal("expected first call to be allowed under default burst")
	}
}

func TestAllowRespectsBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	if !l.Allow() {
		t.Fatal("expected first token to be available")
	}
	if l.Allow() {
		t.Fatal("expected burst of 1 to be exhausted after one call")
	}
}

func TestWaitBlocksUntilTokenAvailable(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1000, Burst: 1})
	l.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("expected token to free up within deadline: %v", err)
	}
}

func TestResetRestoresBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	l.Allow()
	l.Reset()
	if !l.Allow() {
		t.Fatal("expected Reset to restore available burst")
	}
}
