package cache

import (
	"fmt"
	"testing"

	"github.com/kiln-media/kiln/internal/domain"
)

func res(url string, size int64) domain.Result {
	return domain.Result{ArtifactURL: url, SizeBytes: size}
}

func TestCacheHitMiss(t *testing.T) {
	c := NewSimilarity(1 << 20)

	if _, ok := c.Get("fp-a"); ok {
		t.Fatal("Get() on empty cache reported a hit")
	}

	c.Put("fp-a", res("sim://a", 100))

	got, ok := c.Get("fp-a")
	if !ok {
		t.Fatal("Get(fp-a) = miss, want hit")
	}
	if got.ArtifactURL != "sim://a" {
		t.Errorf("Get(fp-a).ArtifactURL = %q, want sim://a", got.ArtifactURL)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("Stats() hits=%d misses=%d, want 1/1", st.Hits, st.Misses)
	}
}

func TestCacheEvictsLRU(t *testing.T) {
	c := NewSimilarity(300)
	c.Put("fp-a", res("sim://a", 100))
	c.Put("fp-b", res("sim://b", 100))
	c.Put("fp-c", res("sim://c", 100))

	// Touch a so b becomes least-recently-used.
	if _, ok := c.Get("fp-a"); !ok {
		t.Fatal("Get(fp-a) = miss, want hit")
	}

	c.Put("fp-d", res("sim://d", 100))

	if _, ok := c.Get("fp-b"); ok {
		t.Error("fp-b survived eviction, want evicted as least-recently-used")
	}
	for _, fp := range []string{"fp-a", "fp-c", "fp-d"} {
		if _, ok := c.Get(fp); !ok {
			t.Errorf("Get(%s) = miss, want hit", fp)
		}
	}
	if st := c.Stats(); st.Evictions != 1 {
		t.Errorf("Stats().Evictions = %d, want 1", st.Evictions)
	}
}

func TestCacheByteBudget(t *testing.T) {
	c := NewSimilarity(1000)
	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("fp-%d", i), res("sim://x", 250))
	}

	if got := c.SizeBytes(); got > 1000 {
		t.Errorf("SizeBytes() = %d, exceeds budget 1000", got)
	}
	if got := c.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4 (250-byte entries in a 1000-byte budget)", got)
	}
}

func TestCacheOversizedEntry(t *testing.T) {
	c := NewSimilarity(500)
	c.Put("fp-small", res("sim://s", 100))
	c.Put("fp-huge", res("sim://h", 900))

	if _, ok := c.Get("fp-huge"); ok {
		t.Error("oversized entry was cached, want rejected")
	}
	if _, ok := c.Get("fp-small"); !ok {
		t.Error("small entry was evicted by an oversized Put, want retained")
	}
}

func TestCacheReplaceInPlace(t *testing.T) {
	c := NewSimilarity(1000)
	c.Put("fp-a", res("sim://v1", 200))
	c.Put("fp-a", res("sim://v2", 300))

	got, ok := c.Get("fp-a")
	if !ok {
		t.Fatal("Get(fp-a) = miss, want hit")
	}
	if got.ArtifactURL != "sim://v2" {
		t.Errorf("Get(fp-a).ArtifactURL = %q, want sim://v2", got.ArtifactURL)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	if c.SizeBytes() != 300 {
		t.Errorf("SizeBytes() = %d, want 300", c.SizeBytes())
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := NewSimilarity(1000)
	c.Put("fp-a", res("sim://a", 100))

	if !c.Invalidate("fp-a") {
		t.Fatal("Invalidate(fp-a) = false, want true")
	}
	if c.Invalidate("fp-a") {
		t.Error("Invalidate(fp-a) twice = true, want false")
	}
	if _, ok := c.Get("fp-a"); ok {
		t.Error("Get(fp-a) after Invalidate = hit, want miss")
	}
	if c.SizeBytes() != 0 {
		t.Errorf("SizeBytes() = %d after invalidate, want 0", c.SizeBytes())
	}
}
