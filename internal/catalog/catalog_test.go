package catalog

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnimations(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, map[string]string{
		"/animations": `[
			{"id":"idle-01","name":"Breathing Idle","source_path":"anims/idle.glb","loop":true},
			{"id":"talk-01","name":"Talking","source_path":"anims/talk.glb","loop":true}
		]`,
	})
	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	entries, err := c.Animations(t.Context())
	if err != nil {
		t.Fatalf("Animations: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	desc := entries[0].Descriptor()
	if desc.ID != "idle-01" || desc.SourcePath != "anims/idle.glb" || !desc.Loop {
		t.Errorf("unexpected descriptor: %+v", desc)
	}
}

func TestAnimations_MissingIDFails(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, map[string]string{
		"/animations": `[{"name":"nameless","source_path":"x.glb"}]`,
	})
	c, _ := NewClient(srv.URL)

	_, err := c.Animations(t.Context())
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAnimations_MalformedBodyFails(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, map[string]string{
		"/animations": `{"not":"a list"`,
	})
	c, _ := NewClient(srv.URL)

	_, err := c.Animations(t.Context())
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAvatars(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, map[string]string{
		"/avatars": `[{"id":"av-1","name":"Aiko","asset_url":"models/aiko.vrm","config":{"scale":1.0}}]`,
	})
	c, _ := NewClient(srv.URL)

	entries, err := c.Avatars(t.Context())
	if err != nil {
		t.Fatalf("Avatars: %v", err)
	}
	if len(entries) != 1 || entries[0].AssetURL != "models/aiko.vrm" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestAgent_ProfileConversion(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, map[string]string{
		"/agents/aiko": `{
			"id":"aiko","name":"Aiko","bio":"A companion.",
			"adjectives":["cheerful"],"idle_lines":["Tell me something fun."],
			"idle_delay_seconds":7,
			"animations":{"IDLE":"idle-01","TALK":"talk-01"},
			"voice_id":"echo",
			"voice_instructions":{"tone":"warm"}
		}`,
	})
	c, _ := NewClient(srv.URL)

	entry, err := c.Agent(t.Context(), "aiko")
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}

	p := entry.Profile()
	if p.ID != "aiko" || p.Name != "Aiko" {
		t.Errorf("unexpected identity: %+v", p)
	}
	if p.IdleDelay != 7*time.Second {
		t.Errorf("IdleDelay = %v, want 7s", p.IdleDelay)
	}
	if p.Animations["TALK"] != "talk-01" {
		t.Errorf("Animations = %v", p.Animations)
	}
	if p.VoiceInstructions["tone"] != "warm" {
		t.Errorf("VoiceInstructions = %v", p.VoiceInstructions)
	}
}

func TestAgent_EmptyID(t *testing.T) {
	t.Parallel()

	c, _ := NewClient("http://example.invalid")
	if _, err := c.Agent(t.Context(), ""); err == nil {
		t.Error("expected error for empty agent id")
	}
}

func TestClient_SendsBearerToken(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/", WithToken("secret-token"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Animations(t.Context()); err != nil {
		t.Fatalf("Animations: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestClient_Non200Status(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c, _ := NewClient(srv.URL)
	if _, err := c.Animations(t.Context()); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(""); err == nil {
		t.Error("expected error for empty base URL")
	}
}
