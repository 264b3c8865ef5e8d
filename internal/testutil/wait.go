package testutil

import (
	"testing"
	"time"
)

const DefaultWait = 2 * time.Second

// Eventually polls cond until it holds or d elapses.
func Eventually(t testing.TB, d time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	if d <= 0 {
		d = DefaultWait
	}
	deadline := time.Now().Add(d)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
