package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSeenCache_Duplicates(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	c := NewSeenCache(10*time.Minute, 100).WithClock(clock.Now)
	ctx := context.Background()

	fresh, err := c.MarkSeen(ctx, "evt-1")
	if err != nil {
		t.Fatalf("MarkSeen error: %v", err)
	}
	if !fresh {
		t.Error("first MarkSeen should report a new ID")
	}

	fresh, _ = c.MarkSeen(ctx, "evt-1")
	if fresh {
		t.Error("second MarkSeen inside the TTL should report a duplicate")
	}

	fresh, _ = c.MarkSeen(ctx, "evt-2")
	if !fresh {
		t.Error("a different ID should be new")
	}
}

func TestSeenCache_Expiration(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	c := NewSeenCache(10*time.Minute, 100).WithClock(clock.Now)
	ctx := context.Background()

	_, _ = c.MarkSeen(ctx, "evt-1")

	clock.Advance(9 * time.Minute)
	if fresh, _ := c.MarkSeen(ctx, "evt-1"); fresh {
		t.Error("ID should still be remembered before the TTL elapses")
	}

	clock.Advance(2 * time.Minute)
	if fresh, _ := c.MarkSeen(ctx, "evt-1"); !fresh {
		t.Error("ID should be forgotten once the TTL elapses")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %v, want 1", c.Len())
	}
}

func TestSeenCache_CapacityEvictsOldest(t *testing.T) {
	c := NewSeenCache(time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = c.MarkSeen(ctx, fmt.Sprintf("evt-%d", i))
	}

	if c.Len() != 3 {
		t.Errorf("Len() = %v, want 3", c.Len())
	}
	if fresh, _ := c.MarkSeen(ctx, "evt-0"); !fresh {
		t.Error("oldest ID should have been evicted")
	}
	if fresh, _ := c.MarkSeen(ctx, "evt-4"); fresh {
		t.Error("newest ID should still be remembered")
	}
}

func TestSeenCache_ConcurrentMarkSeen(t *testing.T) {
	c := NewSeenCache(time.Hour, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.MarkSeen(ctx, "same-id"); ok {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("fresh = %v, want exactly 1", fresh)
	}
}

func TestSeenCache_Clear(t *testing.T) {
	c := NewSeenCache(time.Hour, 10)
	ctx := context.Background()

	_, _ = c.MarkSeen(ctx, "evt-1")
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("Len() = %v after Clear, want 0", c.Len())
	}
}
