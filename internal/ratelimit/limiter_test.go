package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl := NewRateLimiter(50, 3)
	assert.InDelta(t, 3.0, rl.GetCurrentTokens(), 0.1)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.tryAcquire(), "burst token %d", i)
	}
	assert.False(t, rl.tryAcquire())

	// 50/s refills one token in 20ms
	time.Sleep(40 * time.Millisecond)
	assert.True(t, rl.tryAcquire())
}

func TestRateLimiter_RefillCapsAtBurst(t *testing.T) {
	rl := NewRateLimiter(1000, 2)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, rl.GetCurrentTokens(), 2.0)
}

func TestRateLimiter_MinimumBurstIsOne(t *testing.T) {
	rl := NewRateLimiter(1, 0)
	assert.True(t, rl.tryAcquire())
	assert.False(t, rl.tryAcquire())
}

func TestRateLimiter_WaitBlocksForToken(t *testing.T) {
	rl := NewRateLimiter(20, 1)
	require.NoError(t, rl.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	rl := NewRateLimiter(0.1, 1)
	rl.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_DrainAfterTooManyRequests(t *testing.T) {
	rl := NewRateLimiter(100, 10)
	rl.Drain()
	assert.Less(t, rl.GetCurrentTokens(), 1.0)

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestRateLimiter_Cooldown(t *testing.T) {
	rl := NewRateLimiter(1000, 10)
	assert.Zero(t, rl.CooldownRemaining())

	rl.SetCooldown(60 * time.Millisecond)
	// a shorter Retry-After does not cut the first one short
	rl.SetCooldown(10 * time.Millisecond)
	assert.Greater(t, rl.CooldownRemaining(), 30*time.Millisecond)
	assert.False(t, rl.tryAcquire(), "tokens are held during a cooldown")

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Zero(t, rl.CooldownRemaining())
}

func TestRateLimiter_CooldownExtends(t *testing.T) {
	rl := NewRateLimiter(1000, 10)
	rl.SetCooldown(10 * time.Millisecond)
	rl.SetCooldown(80 * time.Millisecond)
	assert.Greater(t, rl.CooldownRemaining(), 50*time.Millisecond)
}

func TestRateLimiter_ConcurrentWaiters(t *testing.T) {
	rl := NewRateLimiter(500, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- rl.Wait(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestRateLimiter_NilNeverBlocks(t *testing.T) {
	var rl *RateLimiter
	assert.NoError(t, rl.Wait(context.Background()))
}
