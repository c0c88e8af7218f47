package avatar

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// countingSource serves clips from a map and counts fetches per descriptor.
type countingSource struct {
	mu      sync.Mutex
	fetches map[string]int
	fail    map[string]error
}

func newCountingSource() *countingSource {
	return &countingSource{
		fetches: make(map[string]int),
		fail:    make(map[string]error),
	}
}

func (s *countingSource) FetchClip(_ context.Context, desc ClipDescriptor) (*Clip, error) {
	s.mu.Lock()
	s.fetches[desc.ID]++
	err := s.fail[desc.ID]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Clip{Descriptor: desc, Duration: 1}, nil
}

func (s *countingSource) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[id]
}

func TestClipCache_MemoizesByDescriptorID(t *testing.T) {
	t.Parallel()

	src := newCountingSource()
	cache := NewClipCache(src)
	desc := ClipDescriptor{ID: "wave", SourcePath: "wave.glb"}

	first, err := cache.Get(t.Context(), desc)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := cache.Get(t.Context(), desc)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second {
		t.Error("expected the same cached clip instance")
	}
	if got := src.count("wave"); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}
}

func TestClipCache_ErrorNotCached(t *testing.T) {
	t.Parallel()

	src := newCountingSource()
	src.fail["broken"] = errors.New("404")
	cache := NewClipCache(src)
	desc := ClipDescriptor{ID: "broken"}

	if _, err := cache.Get(t.Context(), desc); err == nil {
		t.Fatal("expected fetch error")
	}

	src.mu.Lock()
	delete(src.fail, "broken")
	src.mu.Unlock()

	if _, err := cache.Get(t.Context(), desc); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := src.count("broken"); got != 2 {
		t.Errorf("expected 2 fetches across failure and retry, got %d", got)
	}
}

func TestClipCache_InvalidateForcesRefetch(t *testing.T) {
	t.Parallel()

	src := newCountingSource()
	cache := NewClipCache(src)
	desc := ClipDescriptor{ID: "idle"}

	if _, err := cache.Get(t.Context(), desc); err != nil {
		t.Fatalf("Get: %v", err)
	}
	cache.Invalidate("idle")
	if _, err := cache.Get(t.Context(), desc); err != nil {
		t.Fatalf("Get after Invalidate: %v", err)
	}
	if got := src.count("idle"); got != 2 {
		t.Errorf("expected refetch after invalidation, got %d fetches", got)
	}
	if cache.Len() != 1 {
		t.Errorf("cache Len() = %d, want 1", cache.Len())
	}
}

func TestClipCache_ConcurrentGetsShareOneFetch(t *testing.T) {
	t.Parallel()

	src := newCountingSource()
	cache := NewClipCache(src)
	desc := ClipDescriptor{ID: "run"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), desc); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	// Singleflight may admit a second fetch across the cache-fill boundary,
	// but never one per caller.
	if got := src.count("run"); got > 2 {
		t.Errorf("expected coalesced fetches, got %d", got)
	}
}
