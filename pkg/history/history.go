// Package history defines persistence for conversation transcripts and agent
// lore.
//
// A Store keeps two things: the append-only message log of each chat session,
// and a per-agent lore index — short background snippets that get sampled into
// the system prompt. When lore lines carry embedding vectors the index can be
// searched by similarity; without vectors a random sample is still available.
//
// The store is optional everywhere it is consumed: a nil Store disables
// persistence and the runtime keeps working from in-memory history alone.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("history: not found")

// Role values for Message.Role.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Message is a single persisted chat turn.
type Message struct {
	// SessionID identifies the conversation this message belongs to.
	SessionID string

	// AgentID identifies the speaking or addressed agent.
	AgentID string

	// Role is RoleUser or RoleAgent.
	Role string

	// Content is the plain message text (already sanitized).
	Content string

	// CreatedAt is when the message was recorded. The zero value means "now"
	// at insert time.
	CreatedAt time.Time
}

// LoreLine is one lore snippet with its optional embedding.
type LoreLine struct {
	// Text is the lore snippet.
	Text string

	// Embedding is the snippet's vector, or nil when no embeddings provider
	// was configured at index time.
	Embedding []float32
}

// Store persists chat messages and agent lore.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// AppendMessage records one chat turn.
	AppendMessage(ctx context.Context, msg Message) error

	// Messages returns the most recent messages of a session in chronological
	// order. limit <= 0 means no limit.
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// UpsertLore replaces the lore set of an agent. vectors may be nil, or
	// must have the same length as lines; a nil element leaves that line
	// unembedded.
	UpsertLore(ctx context.Context, agentID string, lines []string, vectors [][]float32) error

	// SearchLore returns up to k lore lines of the agent ordered by ascending
	// cosine distance to vector. Lines without embeddings are not considered.
	SearchLore(ctx context.Context, agentID string, vector []float32, k int) ([]string, error)

	// SampleLore returns up to k lore lines of the agent chosen uniformly at
	// random.
	SampleLore(ctx context.Context, agentID string, k int) ([]string, error)

	// Close releases the store's resources.
	Close()
}
