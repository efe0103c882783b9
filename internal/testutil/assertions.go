package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RequireEventually waits for a condition to become true within a timeout.
// Fails the test immediately if the condition is not met.
func RequireEventually(t *testing.T, condition func() bool, timeout, tick time.Duration, msgAndArgs ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for !condition() {
		if time.Now().After(deadline) {
			require.Fail(t, "condition not met within timeout", msgAndArgs...)
			return
		}

		time.Sleep(tick)
	}
}

// AssertNever asserts that a condition stays false for the whole duration.
func AssertNever(t *testing.T, condition func() bool, duration, tick time.Duration, msgAndArgs ...any) {
	t.Helper()

	deadline := time.Now().Add(duration)

	for time.Now().Before(deadline) {
		if condition() {
			assert.Fail(t, "condition became true unexpectedly", msgAndArgs...)
			return
		}

		time.Sleep(tick)
	}
}
