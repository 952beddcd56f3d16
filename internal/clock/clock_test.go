package clock

import (
	"sync"
	"testing"
	"time"
)

func TestManual_SetAndAdd(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c := NewManual(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("expected %v, got %v", start, got)
	}

	c.Add(90 * time.Minute)
	if got, want := c.Now(), start.Add(90*time.Minute); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	next := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	c.Set(next)
	if got := c.Now(); !got.Equal(next) {
		t.Fatalf("expected %v, got %v", next, got)
	}
}

func TestManual_ConcurrentAdd(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			c.Add(time.Second)
			_ = c.Now()
		})
	}
	wg.Wait()

	if got, want := c.Now(), start.Add(50*time.Second); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestReal_TruncatesToSeconds(t *testing.T) {
	now := Real{}.Now()
	if now.Nanosecond() != 0 {
		t.Fatalf("expected whole seconds, got %v", now)
	}
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", now.Location())
	}
}
