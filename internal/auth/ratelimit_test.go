package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowsUntilThreshold(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond, time.Second, 2.0)
	require.True(t, rl.Allow("1.2.3.4"))

	rl.RecordFailure("1.2.3.4")
	require.True(t, rl.Allow("1.2.3.4"), "first failure is free")

	rl.RecordFailure("1.2.3.4")
	require.False(t, rl.Allow("1.2.3.4"), "second failure reaches the threshold")
}

func TestRateLimiter_BlockExpiresThenGrows(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond, time.Second, 2.0)

	rl.RecordFailure("5.6.7.8")
	require.False(t, rl.Allow("5.6.7.8"))
	time.Sleep(20 * time.Millisecond)
	require.True(t, rl.Allow("5.6.7.8"))

	rl.RecordFailure("5.6.7.8")
	rl.mu.Lock()
	secondDelay := rl.clients["5.6.7.8"].blockedTill.Sub(rl.clients["5.6.7.8"].lastFailure)
	rl.mu.Unlock()
	require.Greater(t, secondDelay, 10*time.Millisecond)
}

func TestRateLimiter_SuccessResetsStreak(t *testing.T) {
	rl := DefaultRateLimiter()
	for i := 0; i < 5; i++ {
		rl.RecordFailure("9.9.9.9")
	}
	require.False(t, rl.Allow("9.9.9.9"))

	rl.RecordSuccess("9.9.9.9")
	require.True(t, rl.Allow("9.9.9.9"))
}

func TestRateLimiter_IndependentClients(t *testing.T) {
	rl := NewRateLimiter(1, time.Second, 60*time.Second, 2.0)
	rl.RecordFailure("1.1.1.1")
	require.False(t, rl.Allow("1.1.1.1"))
	require.True(t, rl.Allow("2.2.2.2"))
}
