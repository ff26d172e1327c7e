package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestClock_StartsAtStart(t *testing.T) {
	clock := NewClock(epoch, time.Second)
	assert.Equal(t, int64(0), clock.Ticks())
	assert.Equal(t, epoch, clock.Now())
}

func TestClock_AdvancesByStep(t *testing.T) {
	clock := NewClock(epoch, time.Minute)

	assert.Equal(t, epoch, clock.Now())
	assert.Equal(t, epoch.Add(time.Minute), clock.Now())
	assert.Equal(t, epoch.Add(2*time.Minute), clock.Now())
	assert.Equal(t, int64(3), clock.Ticks())
}

func TestClock_Reset(t *testing.T) {
	clock := NewClock(epoch, time.Second)
	clock.Now()
	clock.Now()

	clock.Reset()
	assert.Equal(t, int64(0), clock.Ticks())
	assert.Equal(t, epoch, clock.Now())
}

func TestClock_ConcurrentDistinct(t *testing.T) {
	clock := NewClock(epoch, time.Millisecond)

	var mu sync.Mutex
	seen := make(map[time.Time]bool)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ts := clock.Now()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 500, "every timestamp is unique")
	assert.Equal(t, int64(500), clock.Ticks())
}
