package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowEnforcesPerActionBudgets(t *testing.T) {
	rl := NewRateLimiter()

	allowed, _ := rl.Allow("user-1", "send_message")
	assert.True(t, allowed)

	// Burn the rest of the bucket
	var denied bool
	for i := 0; i < 30; i++ {
		if ok, wait := rl.Allow("user-1", "send_message"); !ok {
			denied = true
			assert.Greater(t, wait.Nanoseconds(), int64(0))
			break
		}
	}
	assert.True(t, denied, "bucket should run dry under sustained sends")

	// Budgets are per user and per action
	allowed, _ = rl.Allow("user-2", "send_message")
	assert.True(t, allowed)
	allowed, _ = rl.Allow("user-1", "typing")
	assert.True(t, allowed)
}
