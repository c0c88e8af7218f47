// Package chat drives the conversation with a single agent. The Orchestrator
// turns user messages into LLM completions, sanitizes the reply, synthesizes
// speech and hands the audio to the avatar runtime. It also runs the idle loop
// that keeps the agent chatting unprompted.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animavox/animavox/pkg/history"
	"github.com/animavox/animavox/pkg/provider/embeddings"
	"github.com/animavox/animavox/pkg/provider/llm"
	"github.com/animavox/animavox/pkg/provider/tts"
)

// errorReply is spoken when the LLM request fails, so the user is never left
// hanging without feedback.
const errorReply = "Sorry, I encountered an error."

// fillerPrompt drives idle chatter when the profile has no idle lines.
const fillerPrompt = "Share a brief thought about any random topic that interests you."

// defaultHistoryLimit caps how many past turns go into each completion.
const defaultHistoryLimit = 50

// loreSampleSize is how many lore snippets get woven into the system prompt.
const loreSampleSize = 3

// Avatar is the slice of the avatar runtime the orchestrator needs. A nil
// onEnd is allowed; implementations call it exactly once when playback
// finishes, is cancelled or fails.
type Avatar interface {
	Speak(ctx context.Context, audio []byte, mimeType string, onEnd func()) error
	CancelSpeech()
	IsSpeaking() bool
}

// NullAvatar discards speech immediately. Used in text-only mode and in tests.
type NullAvatar struct{}

func (NullAvatar) Speak(_ context.Context, _ []byte, _ string, onEnd func()) error {
	if onEnd != nil {
		onEnd()
	}
	return nil
}

func (NullAvatar) CancelSpeech()    {}
func (NullAvatar) IsSpeaking() bool { return false }

var _ Avatar = NullAvatar{}

// Message is one turn of the in-memory transcript.
type Message struct {
	// Role is history.RoleUser or history.RoleAgent.
	Role string

	// Content is the sanitized message text.
	Content string

	// Read marks user messages the agent has already answered. Agent
	// messages are always read.
	Read bool

	// CreatedAt is when the message was appended.
	CreatedAt time.Time
}

// Orchestrator runs the conversation for one agent in one session.
type Orchestrator struct {
	profile   AgentProfile
	llm       llm.Provider
	avatar    Avatar
	tts       tts.Provider
	emb       embeddings.Provider
	store     history.Store
	log       *slog.Logger
	sessionID string
	histLimit int
	onMessage func(Message)

	mu         sync.Mutex
	messages   []Message
	idleCancel context.CancelFunc
	idleDone   chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTTS enables speech synthesis. Without it the agent replies text-only.
func WithTTS(p tts.Provider) Option {
	return func(o *Orchestrator) { o.tts = p }
}

// WithEmbeddings enables similarity-based lore retrieval. Requires a store.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(o *Orchestrator) { o.emb = p }
}

// WithStore enables transcript and lore persistence.
func WithStore(s history.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithSessionID sets the session under which messages are persisted.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.sessionID = id }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithHistoryLimit caps the number of past turns sent to the LLM.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) { o.histLimit = n }
}

// WithMessageHandler registers a callback invoked for every appended message,
// user and agent alike. The callback runs on the orchestrator's goroutine and
// must not block.
func WithMessageHandler(fn func(Message)) Option {
	return func(o *Orchestrator) { o.onMessage = fn }
}

// New builds an Orchestrator for the given profile. provider is required;
// avatar may be nil, which selects NullAvatar.
func New(profile AgentProfile, provider llm.Provider, avatar Avatar, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, errors.New("chat: llm provider is required")
	}
	if avatar == nil {
		avatar = NullAvatar{}
	}
	o := &Orchestrator{
		profile:   profile,
		llm:       provider,
		avatar:    avatar,
		log:       slog.Default(),
		sessionID: "default",
		histLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Messages returns a snapshot of the in-memory transcript.
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// PostUserMessage appends an unread user message without answering it. The
// idle loop picks it up on its next pass. Used by the transport path where
// replies are paced by the loop rather than the sender.
func (o *Orchestrator) PostUserMessage(ctx context.Context, text string) {
	o.append(ctx, Message{Role: history.RoleUser, Content: text})
}

// HandleUserMessage appends the user message and answers it immediately,
// interrupting any speech in progress. It blocks until the reply has been
// spoken (or appended, in text-only mode).
func (o *Orchestrator) HandleUserMessage(ctx context.Context, text string) error {
	o.avatar.CancelSpeech()
	msg := Message{Role: history.RoleUser, Content: text, Read: true}
	o.append(ctx, msg)
	return o.respond(ctx, "")
}

// HandleAgentReply takes a reply produced outside the local LLM path (the
// backend chat channel), sanitizes it, appends it to the transcript and
// speaks it. Empty content after sanitization is dropped. It blocks until
// speech finishes.
func (o *Orchestrator) HandleAgentReply(ctx context.Context, content string) error {
	text := ExtractText(content)
	if text == "" {
		o.log.Debug("chat: dropping empty backend reply", "agent", o.profile.ID, "raw_len", len(content))
		return nil
	}
	o.avatar.CancelSpeech()
	o.append(ctx, Message{Role: history.RoleAgent, Content: text, Read: true})

	select {
	case <-o.speak(ctx, text):
	case <-ctx.Done():
		o.avatar.CancelSpeech()
		return ctx.Err()
	}
	return nil
}

// StartIdleLoop launches the background loop that answers pending user
// messages and produces idle chatter. Calling it while a loop is already
// running is a no-op.
func (o *Orchestrator) StartIdleLoop(ctx context.Context) {
	o.mu.Lock()
	if o.idleCancel != nil {
		o.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.idleCancel = cancel
	o.idleDone = done
	o.mu.Unlock()

	go func() {
		defer close(done)
		o.idleLoop(loopCtx)
	}()
}

// StopIdleLoop cancels the idle loop and any speech in progress, then waits
// for the loop goroutine to exit. Safe to call when no loop is running.
func (o *Orchestrator) StopIdleLoop() {
	o.mu.Lock()
	cancel := o.idleCancel
	done := o.idleDone
	o.idleCancel = nil
	o.idleDone = nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	o.avatar.CancelSpeech()
	<-done
}

func (o *Orchestrator) idleLoop(ctx context.Context) {
	delay := o.profile.IdleDelay
	if delay <= 0 {
		delay = DefaultIdleDelay
	}
	backoff := time.Second

	if !sleepCtx(ctx, delay) {
		return
	}
	for {
		if o.avatar.IsSpeaking() {
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		var err error
		if _, ok := o.takeUnread(); ok {
			err = o.respond(ctx, "")
		} else {
			err = o.respond(ctx, o.idlePrompt())
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.Warn("chat: idle turn failed", "agent", o.profile.ID, "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// takeUnread marks the newest unread user message as read and returns it.
func (o *Orchestrator) takeUnread() (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].Role == history.RoleUser && !o.messages[i].Read {
			o.messages[i].Read = true
			return o.messages[i], true
		}
	}
	return Message{}, false
}

// idlePrompt picks a random idle line, falling back to the generic filler.
func (o *Orchestrator) idlePrompt() string {
	if len(o.profile.IdleLines) == 0 {
		return fillerPrompt
	}
	return o.profile.IdleLines[rand.IntN(len(o.profile.IdleLines))]
}

// respond runs one full turn: build the prompt, complete, sanitize, append
// the agent message, synthesize and speak. instruction, when non-empty, is
// sent as a trailing user-role message without entering the transcript. The
// call blocks until speech finishes.
func (o *Orchestrator) respond(ctx context.Context, instruction string) error {
	req := llm.CompletionRequest{
		SystemPrompt: o.buildSystemPrompt(ctx),
		Messages:     o.promptMessages(instruction),
	}

	resp, err := o.llm.Complete(ctx, req)
	if err != nil {
		o.append(ctx, Message{Role: history.RoleAgent, Content: errorReply, Read: true})
		return fmt.Errorf("chat: completion failed: %w", err)
	}

	text := ExtractText(resp.Content)
	if text == "" {
		o.log.Debug("chat: empty reply after sanitization", "agent", o.profile.ID, "raw_len", len(resp.Content))
		return nil
	}
	o.append(ctx, Message{Role: history.RoleAgent, Content: text, Read: true})

	select {
	case <-o.speak(ctx, text):
	case <-ctx.Done():
		o.avatar.CancelSpeech()
		return ctx.Err()
	}
	return nil
}

// promptMessages converts the recent transcript plus an optional trailing
// instruction into LLM messages.
func (o *Orchestrator) promptMessages(instruction string) []llm.Message {
	o.mu.Lock()
	recent := o.messages
	if o.histLimit > 0 && len(recent) > o.histLimit {
		recent = recent[len(recent)-o.histLimit:]
	}
	msgs := make([]llm.Message, 0, len(recent)+1)
	for _, m := range recent {
		role := "user"
		if m.Role == history.RoleAgent {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	o.mu.Unlock()

	if instruction != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: instruction})
	}
	return msgs
}

// buildSystemPrompt renders the persona prompt with a fresh lore sample.
func (o *Orchestrator) buildSystemPrompt(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: Generate dialog for the character %s.\n\n", o.profile.Name)

	if o.profile.Bio != "" {
		fmt.Fprintf(&b, "# About %s:\n%s\n\n", o.profile.Name, o.profile.Bio)
	}
	if lore := o.loreSnippets(ctx); len(lore) > 0 {
		fmt.Fprintf(&b, "# Lore:\n%s\n\n", strings.Join(lore, "\n"))
	}
	if len(o.profile.Adjectives) > 0 {
		fmt.Fprintf(&b, "# Attributes:\n%s\n\n", strings.Join(o.profile.Adjectives, ", "))
	}
	if len(o.profile.Topics) > 0 {
		fmt.Fprintf(&b, "# Topics of interest:\n%s\n\n", strings.Join(o.profile.Topics, ", "))
	}
	if len(o.profile.Knowledge) > 0 {
		fmt.Fprintf(&b, "# Knowledge:\n%s\n\n", strings.Join(o.profile.Knowledge, "\n"))
	}
	if len(o.profile.Style) > 0 {
		fmt.Fprintf(&b, "# Message Style Directions:\n%s\n\n", strings.Join(o.profile.Style, "\n"))
	}

	b.WriteString("# Response Format:\n")
	b.WriteString("Respond with a single JSON object containing your reply, like:\n")
	b.WriteString("```json\n{\"text\": \"your reply here\"}\n```\n")
	b.WriteString("Do not include anything outside the JSON object.")
	return b.String()
}

// loreSnippets picks the lore sample for this turn. With a store and an
// embeddings provider it retrieves the lines most similar to the latest user
// message; with just a store it samples at random; otherwise it samples the
// profile's lore in memory. Retrieval failures degrade to the next tier.
func (o *Orchestrator) loreSnippets(ctx context.Context) []string {
	if o.store != nil {
		if o.emb != nil {
			if query := o.lastUserText(); query != "" {
				vec, err := o.emb.Embed(ctx, query)
				if err == nil {
					lines, err := o.store.SearchLore(ctx, o.profile.ID, vec, loreSampleSize)
					if err == nil && len(lines) > 0 {
						return lines
					}
					if err != nil {
						o.log.Warn("chat: lore search failed", "agent", o.profile.ID, "error", err)
					}
				} else {
					o.log.Warn("chat: lore query embedding failed", "agent", o.profile.ID, "error", err)
				}
			}
		}
		lines, err := o.store.SampleLore(ctx, o.profile.ID, loreSampleSize)
		if err == nil && len(lines) > 0 {
			return lines
		}
		if err != nil {
			o.log.Warn("chat: lore sampling failed", "agent", o.profile.ID, "error", err)
		}
	}

	pool := o.profile.Lore
	if len(pool) <= loreSampleSize {
		return pool
	}
	picks := rand.Perm(len(pool))[:loreSampleSize]
	sort.Ints(picks)
	out := make([]string, 0, loreSampleSize)
	for _, i := range picks {
		out = append(out, pool[i])
	}
	return out
}

func (o *Orchestrator) lastUserText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].Role == history.RoleUser {
			return o.messages[i].Content
		}
	}
	return ""
}

// speak synthesizes text and hands the audio to the avatar. The returned
// channel closes when playback ends. Synthesis or playback failures degrade
// to text-only and close the channel immediately.
func (o *Orchestrator) speak(ctx context.Context, text string) <-chan struct{} {
	done := make(chan struct{})
	if o.tts == nil {
		close(done)
		return done
	}

	res, err := o.tts.Synthesize(ctx, tts.SpeechRequest{
		Text:         text,
		VoiceID:      o.profile.VoiceID,
		Instructions: o.voiceInstructions(),
	})
	if err != nil || res == nil || len(res.Audio) == 0 {
		if err != nil {
			o.log.Warn("chat: speech synthesis failed, replying text only", "agent", o.profile.ID, "error", err)
		}
		close(done)
		return done
	}

	var once sync.Once
	end := func() { once.Do(func() { close(done) }) }
	if err := o.avatar.Speak(ctx, res.Audio, res.MIMEType, end); err != nil {
		o.log.Warn("chat: avatar playback failed", "agent", o.profile.ID, "error", err)
		end()
	}
	return done
}

// voiceInstructions flattens the profile's delivery directions into the
// instruction string TTS providers expect.
func (o *Orchestrator) voiceInstructions() string {
	if len(o.profile.VoiceInstructions) == 0 {
		return "Speak in a normal tone."
	}
	keys := make([]string, 0, len(o.profile.VoiceInstructions))
	for k := range o.profile.VoiceInstructions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+o.profile.VoiceInstructions[k])
	}
	return strings.Join(lines, "\n")
}

// append records a message in memory, notifies the handler and persists it
// best effort.
func (o *Orchestrator) append(ctx context.Context, msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	o.mu.Lock()
	o.messages = append(o.messages, msg)
	handler := o.onMessage
	o.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
	if o.store != nil {
		err := o.store.AppendMessage(ctx, history.Message{
			SessionID: o.sessionID,
			AgentID:   o.profile.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
		if err != nil {
			o.log.Warn("chat: message persistence failed", "session", o.sessionID, "error", err)
		}
	}
}

// sleepCtx waits for d or until ctx is cancelled. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
