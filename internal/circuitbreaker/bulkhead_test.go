package circuitbreaker

import (
	"sync"
	"testing"
)

func TestBulkhead_AllowsUpToLimit(t *testing.T) {
	bh := NewBulkhead(map[string]int{"browserless": 3})

	for i := 0; i < 3; i++ {
		if _, ok := bh.Acquire("browserless"); !ok {
			t.Fatalf("expected Acquire on slot %d", i)
		}
	}
	if _, ok := bh.Acquire("browserless"); ok {
		t.Fatal("expected rejection at concurrency limit")
	}
	if got := bh.InFlight("browserless"); got != 3 {
		t.Errorf("InFlight = %d, want 3", got)
	}
}

func TestBulkhead_ReleaseFreesSlot(t *testing.T) {
	bh := NewBulkhead(map[string]int{"apify": 1})

	release, ok := bh.Acquire("apify")
	if !ok {
		t.Fatal("expected first Acquire")
	}
	if _, ok := bh.Acquire("apify"); ok {
		t.Fatal("expected rejection at limit")
	}

	release()
	release() // second call is a no-op
	if got := bh.InFlight("apify"); got != 0 {
		t.Fatalf("InFlight = %d after release, want 0", got)
	}
	if _, ok := bh.Acquire("apify"); !ok {
		t.Fatal("expected Acquire after release")
	}
}

func TestBulkhead_UncappedProviders(t *testing.T) {
	bh := NewBulkhead(map[string]int{"exa": 0})
	for i := 0; i < 100; i++ {
		if _, ok := bh.Acquire("exa"); !ok {
			t.Fatal("zero limit means uncapped")
		}
		if _, ok := bh.Acquire("jina"); !ok {
			t.Fatal("unconfigured provider means uncapped")
		}
	}

	var nilBulkhead *Bulkhead
	if _, ok := nilBulkhead.Acquire("exa"); !ok {
		t.Fatal("nil bulkhead admits everything")
	}
}

func TestBulkhead_ConcurrentAccess(t *testing.T) {
	bh := NewBulkhead(map[string]int{"firecrawl": 5})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if release, ok := bh.Acquire("firecrawl"); ok {
				release()
			}
		}()
	}
	wg.Wait()

	if got := bh.InFlight("firecrawl"); got != 0 {
		t.Errorf("InFlight = %d after all releases, want 0", got)
	}
}
