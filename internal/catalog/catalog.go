// Package catalog is the HTTP client for the backend content catalog: the
// animation clips, avatar assets and agent personas available to the client.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/animavox/animavox/internal/avatar"
	"github.com/animavox/animavox/internal/chat"
)

// maxBodyBytes caps catalog responses to keep a misbehaving backend from
// exhausting memory.
const maxBodyBytes = 8 << 20

// ValidationError reports a catalog response that parsed but fails the
// schema, or did not parse at all.
type ValidationError struct {
	Resource string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog: invalid %s response: %v", e.Resource, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AnimationEntry is one clip in the animation catalog.
type AnimationEntry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SourcePath string `json:"source_path"`
	Loop       bool   `json:"loop"`
}

// Descriptor converts the entry for the avatar runtime's clip cache.
func (e AnimationEntry) Descriptor() avatar.ClipDescriptor {
	return avatar.ClipDescriptor{
		ID:         e.ID,
		Name:       e.Name,
		SourcePath: e.SourcePath,
		Loop:       e.Loop,
	}
}

// AvatarEntry is one selectable avatar asset.
type AvatarEntry struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	AssetURL     string         `json:"asset_url"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// AgentEntry is one agent persona as served by the catalog.
type AgentEntry struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Bio               string            `json:"bio,omitempty"`
	Adjectives        []string          `json:"adjectives,omitempty"`
	Topics            []string          `json:"topics,omitempty"`
	Knowledge         []string          `json:"knowledge,omitempty"`
	Lore              []string          `json:"lore,omitempty"`
	Style             []string          `json:"style,omitempty"`
	IdleLines         []string          `json:"idle_lines,omitempty"`
	IdleDelaySeconds  int               `json:"idle_delay_seconds,omitempty"`
	Animations        map[string]string `json:"animations,omitempty"`
	VoiceID           string            `json:"voice_id,omitempty"`
	VoiceInstructions map[string]string `json:"voice_instructions,omitempty"`
}

// Profile converts the entry for the conversation orchestrator.
func (e *AgentEntry) Profile() chat.AgentProfile {
	return chat.AgentProfile{
		ID:                e.ID,
		Name:              e.Name,
		Bio:               e.Bio,
		Adjectives:        e.Adjectives,
		Topics:            e.Topics,
		Knowledge:         e.Knowledge,
		Lore:              e.Lore,
		Style:             e.Style,
		IdleLines:         e.IdleLines,
		IdleDelay:         time.Duration(e.IdleDelaySeconds) * time.Second,
		Animations:        e.Animations,
		VoiceID:           e.VoiceID,
		VoiceInstructions: e.VoiceInstructions,
	}
}

// Client talks to the catalog service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a catalog client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("catalog: base URL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Animations lists the available animation clips.
func (c *Client) Animations(ctx context.Context) ([]AnimationEntry, error) {
	var entries []AnimationEntry
	if err := c.getJSON(ctx, "/animations", "animations", &entries); err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e.ID == "" || e.SourcePath == "" {
			return nil, &ValidationError{
				Resource: "animations",
				Err:      fmt.Errorf("entry %d missing id or source_path", i),
			}
		}
	}
	return entries, nil
}

// Avatars lists the available avatar assets.
func (c *Client) Avatars(ctx context.Context) ([]AvatarEntry, error) {
	var entries []AvatarEntry
	if err := c.getJSON(ctx, "/avatars", "avatars", &entries); err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e.ID == "" || e.AssetURL == "" {
			return nil, &ValidationError{
				Resource: "avatars",
				Err:      fmt.Errorf("entry %d missing id or asset_url", i),
			}
		}
	}
	return entries, nil
}

// Agent fetches one agent persona by ID.
func (c *Client) Agent(ctx context.Context, id string) (*AgentEntry, error) {
	if id == "" {
		return nil, errors.New("catalog: agent id must not be empty")
	}
	var entry AgentEntry
	if err := c.getJSON(ctx, "/agents/"+id, "agent", &entry); err != nil {
		return nil, err
	}
	if entry.ID == "" || entry.Name == "" {
		return nil, &ValidationError{
			Resource: "agent",
			Err:      errors.New("missing id or name"),
		}
	}
	return &entry, nil
}

// getJSON performs one authenticated GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, path, resource string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("catalog: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: fetching %s: %w", resource, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog: fetching %s: unexpected status %d", resource, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("catalog: reading %s response: %w", resource, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ValidationError{Resource: resource, Err: err}
	}
	return nil
}
