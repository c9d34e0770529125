package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_StartsAtGivenTime(t *testing.T) {
	start := Date(2025, time.August, 11, 10, 0)
	clock := NewClock(start)
	assert.Equal(t, start, clock.Now())
}

func TestClock_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	clock := NewClock(time.Date(2025, time.August, 11, 13, 0, 0, 0, loc))
	assert.Equal(t, Date(2025, time.August, 11, 10, 0), clock.Now())
	assert.Equal(t, time.UTC, clock.Now().Location())
}

func TestClock_Advance(t *testing.T) {
	clock := NewClock(Date(2025, time.August, 11, 10, 0))

	got := clock.Advance(48 * time.Hour)
	assert.Equal(t, Date(2025, time.August, 13, 10, 0), got)
	assert.Equal(t, got, clock.Now())
}

func TestClock_Set(t *testing.T) {
	clock := NewClock(Date(2025, time.August, 11, 10, 0))
	clock.Set(Date(2030, time.January, 1, 0, 0))
	assert.Equal(t, Date(2030, time.January, 1, 0, 0), clock.Now())
}

func TestClock_ConcurrentAdvance(t *testing.T) {
	clock := NewClock(Date(2025, time.August, 11, 10, 0))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, Date(2025, time.August, 11, 10, 0).Add(100*time.Second), clock.Now())
}
