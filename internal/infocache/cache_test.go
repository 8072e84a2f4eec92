// SPDX-License-Identifier: MIT
package infocache

import (
	"fmt"
	"testing"
	"time"
)

func TestGetSetAndEviction(t *testing.T) {
	c := New(3, time.Hour)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}

	// "a" is now most recent; inserting "d" must evict "b".
	c.Set("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
	if stats.CurrentSize != 3 {
		t.Errorf("size = %d, want 3", stats.CurrentSize)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", "v")
	if _, ok := c.Get("k"); !ok {
		t.Fatal("fresh entry must be visible")
	}

	now = now.Add(61 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry must be dropped on access")
	}
	if c.Stats().CurrentSize != 0 {
		t.Error("expired entry must be removed from the map")
	}
}

func TestSetUpdatesExisting(t *testing.T) {
	c := New(2, time.Hour)
	c.Set("k", 1)
	c.Set("k", 2)
	if v, _ := c.Get("k"); v != 2 {
		t.Errorf("Get = %v, want 2", v)
	}
	if c.Stats().CurrentSize != 1 {
		t.Error("update must not grow the cache")
	}
}

func TestCapacityDefault(t *testing.T) {
	c := New(0, 0)
	for i := 0; i < DefaultCapacity+10; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	if got := c.Stats().CurrentSize; got != DefaultCapacity {
		t.Errorf("size = %d, want %d", got, DefaultCapacity)
	}
}

func TestClear(t *testing.T) {
	c := New(5, time.Hour)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()
	if c.Stats().CurrentSize != 0 {
		t.Error("Clear must empty the cache")
	}
	if _, ok := c.Get("a"); ok {
		t.Error("entry survived Clear")
	}
}

func TestDelete(t *testing.T) {
	c := New(5, time.Hour)
	c.Set("a", 1)
	c.Delete("a")
	c.Delete("missing") // no-op
	if _, ok := c.Get("a"); ok {
		t.Error("entry survived Delete")
	}
}
