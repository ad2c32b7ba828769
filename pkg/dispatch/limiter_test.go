package dispatch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zimads/adsentinel/pkg/dispatch"
)

func TestLimiter_PerMinute(t *testing.T) {
	l := dispatch.NewLimiter(2, 100)
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	ok, _ := l.Allow(t0)
	assert.True(t, ok)
	ok, _ = l.Allow(t0)
	assert.True(t, ok)

	ok, wait := l.Allow(t0)
	assert.False(t, ok)
	assert.InDelta(t, (30 * time.Second).Seconds(), wait.Seconds(), 0.01)

	ok, _ = l.Allow(t0.Add(30 * time.Second))
	assert.True(t, ok)
}

func TestLimiter_PerHour(t *testing.T) {
	l := dispatch.NewLimiter(100, 2)
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow(t0.Add(time.Duration(i) * time.Second))
		assert.True(t, ok)
	}

	ok, wait := l.Allow(t0.Add(2 * time.Second))
	assert.False(t, ok)
	assert.Greater(t, wait, 25*time.Minute)
}

func TestLimiter_DenialConsumesNothing(t *testing.T) {
	l := dispatch.NewLimiter(10, 1)
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	ok, _ := l.Allow(t0)
	assert.True(t, ok)

	// Hour window is empty; repeated denials must not drain the minute window.
	for i := 0; i < 20; i++ {
		ok, _ = l.Allow(t0)
		assert.False(t, ok)
	}

	ok, _ = l.Allow(t0.Add(time.Hour))
	assert.True(t, ok)
}

func TestLimiter_Unlimited(t *testing.T) {
	l := dispatch.NewLimiter(0, 0)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		ok, _ := l.Allow(now)
		assert.True(t, ok)
	}
}
