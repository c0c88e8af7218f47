// Package mock provides an in-memory test double for the history.Store
// interface.
package mock

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/animavox/animavox/pkg/history"
)

// Store is an in-memory implementation of history.Store.
//
// It behaves like a real store (ordering, similarity search over embedded
// lines, random sampling) so orchestrator tests can run against it without a
// database. Set Err fields to inject failures.
type Store struct {
	mu sync.Mutex

	messages map[string][]history.Message // keyed by session ID
	lore     map[string][]history.LoreLine

	// AppendErr, if non-nil, is returned from AppendMessage.
	AppendErr error

	// LoreErr, if non-nil, is returned from UpsertLore, SearchLore, and
	// SampleLore.
	LoreErr error

	// Closed reports whether Close was called.
	Closed bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		messages: make(map[string][]history.Message),
		lore:     make(map[string][]history.LoreLine),
	}
}

// AppendMessage implements history.Store.
func (s *Store) AppendMessage(_ context.Context, msg history.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

// Messages implements history.Store.
func (s *Store) Messages(_ context.Context, sessionID string, limit int) ([]history.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]history.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// UpsertLore implements history.Store.
func (s *Store) UpsertLore(_ context.Context, agentID string, lines []string, vectors [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoreErr != nil {
		return s.LoreErr
	}
	set := make([]history.LoreLine, len(lines))
	for i, line := range lines {
		set[i] = history.LoreLine{Text: line}
		if vectors != nil && vectors[i] != nil {
			set[i].Embedding = vectors[i]
		}
	}
	s.lore[agentID] = set
	return nil
}

// SearchLore implements history.Store using exact cosine distance.
func (s *Store) SearchLore(_ context.Context, agentID string, vector []float32, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoreErr != nil {
		return nil, s.LoreErr
	}

	type scored struct {
		text string
		dist float64
	}
	var candidates []scored
	for _, line := range s.lore[agentID] {
		if line.Embedding == nil {
			continue
		}
		candidates = append(candidates, scored{line.Text, cosineDistance(vector, line.Embedding)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })

	if k < len(candidates) {
		candidates = candidates[:k]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.text
	}
	return out, nil
}

// SampleLore implements history.Store.
func (s *Store) SampleLore(_ context.Context, agentID string, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoreErr != nil {
		return nil, s.LoreErr
	}

	lines := s.lore[agentID]
	idx := rand.Perm(len(lines))
	if k > len(idx) {
		k = len(idx)
	}
	out := make([]string, 0, k)
	for _, i := range idx[:k] {
		out = append(out, lines[i].Text)
	}
	return out, nil
}

// Close implements history.Store.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
}

// cosineDistance returns 1 - cosine similarity. Mismatched lengths score as
// maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// Ensure Store implements history.Store at compile time.
var _ history.Store = (*Store)(nil)
