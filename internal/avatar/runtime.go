package avatar

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/animavox/animavox/internal/lipsync"
)

// ErrAlreadySpeaking is returned by Speak while a speech session is active.
// Sessions are rejected, never queued.
var ErrAlreadySpeaking = errors.New("avatar: a speech session is already active")

const (
	// crossFadeDur is the idle<->transient blend window.
	crossFadeDur = 0.5

	// transientFadeOut is the quick fade applied to a transient action that
	// gets replaced by another transient.
	transientFadeOut = 0.2

	// uncacheGrace keeps a faded-out action on the mixer long enough for
	// its fade to finish rendering.
	uncacheGrace = 1.0
)

// Runtime owns one avatar: its asset, animation mixer, idle and transient
// action slots and the lip-sync engine. The host render loop calls Update
// every frame and reads MouthOpenness for the viseme blend shape.
type Runtime struct {
	cache *ClipCache
	audio *lipsync.Engine
	log   *slog.Logger

	mu        sync.Mutex
	asset     *Asset
	mixer     *Mixer
	idle      *Action
	idleDesc  ClipDescriptor
	transient *Action
	talkDesc  *ClipDescriptor
	speaking  bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the logger. Defaults to slog.Default.
func WithRuntimeLogger(log *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.log = log }
}

// NewRuntime returns a Runtime with an empty mixer. cache and audio are
// required.
func NewRuntime(cache *ClipCache, audio *lipsync.Engine, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		cache: cache,
		audio: audio,
		log:   slog.Default(),
		mixer: NewMixer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.mixer.OnFinished(r.actionFinished)
	return r
}

// SetAsset binds a newly loaded asset. Any running speech is cancelled and
// all actions are dropped with the old mixer, since actions bind to a rig.
func (r *Runtime) SetAsset(a *Asset) {
	r.CancelSpeech()

	r.mu.Lock()
	r.asset = a
	r.mixer = NewMixer()
	r.mixer.OnFinished(r.actionFinished)
	r.idle = nil
	r.idleDesc = ClipDescriptor{}
	r.transient = nil
	r.mu.Unlock()
}

// Asset returns the bound asset, or nil.
func (r *Runtime) Asset() *Asset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.asset
}

// SetTalkClip selects the animation played during speech. A nil descriptor
// leaves speech without a gesture.
func (r *Runtime) SetTalkClip(desc *ClipDescriptor) {
	r.mu.Lock()
	r.talkDesc = desc
	r.mu.Unlock()
}

// LoadIdle makes desc the looping idle animation. A different idle already
// playing is cross-faded out over 0.5s and removed after a grace window; the
// first idle snaps to full weight. On a clip-load failure the previous state
// is kept.
func (r *Runtime) LoadIdle(ctx context.Context, desc ClipDescriptor) error {
	clip, err := r.cache.Get(ctx, desc)
	if err != nil {
		r.log.Warn("avatar: idle clip load failed, keeping current animation", "clip", desc.ID, "error", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idle != nil && r.idleDesc.ID == desc.ID {
		return nil
	}
	if r.idle == nil {
		r.idle = r.mixer.Play(clip, true, 1)
	} else {
		prev := r.idle
		next := r.mixer.Play(clip, true, 0)
		r.mixer.CrossFade(prev, next, crossFadeDur)
		r.mixer.ScheduleUncache(prev, uncacheGrace)
		r.idle = next
	}
	r.idleDesc = desc
	return nil
}

// PlayTransient starts a one-shot or looping gesture, cross-fading from idle
// over 0.5s. An already active transient is faded out over 0.2s first.
// Non-looping transients revert to idle on their own when they finish.
func (r *Runtime) PlayTransient(ctx context.Context, desc ClipDescriptor, loop bool) error {
	clip, err := r.cache.Get(ctx, desc)
	if err != nil {
		r.log.Warn("avatar: transient clip load failed, keeping current animation", "clip", desc.ID, "error", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transient != nil {
		r.mixer.FadeTo(r.transient, 0, transientFadeOut)
		r.mixer.ScheduleUncache(r.transient, uncacheGrace)
	}
	next := r.mixer.Play(clip, loop, 0)
	r.mixer.CrossFade(r.idle, next, crossFadeDur)
	r.transient = next
	return nil
}

// RevertToIdle fades out the current transient and brings idle back to full
// weight. No-op without a transient.
func (r *Runtime) RevertToIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revertToIdleLocked()
}

func (r *Runtime) revertToIdleLocked() {
	if r.transient == nil {
		return
	}
	r.mixer.FadeTo(r.transient, 0, crossFadeDur)
	r.mixer.ScheduleUncache(r.transient, uncacheGrace)
	if r.idle != nil {
		r.mixer.FadeTo(r.idle, 1, crossFadeDur)
	}
	r.transient = nil
}

// actionFinished reverts to idle when the finished action is the current
// transient. Identity is compared, not the clip, since actions share clips.
func (r *Runtime) actionFinished(a *Action) {
	r.mu.Lock()
	isCurrent := a == r.transient
	r.mu.Unlock()
	if isCurrent {
		r.RevertToIdle()
	}
}

// Speak starts one speech session: the talk gesture, audio playback and the
// mouth envelope. It returns ErrAlreadySpeaking while a session is active.
// onEnd fires exactly once when playback finishes, fails or is cancelled;
// decode failures degrade to a silent no-op utterance that still completes.
func (r *Runtime) Speak(ctx context.Context, audio []byte, mimeType string, onEnd func()) error {
	r.mu.Lock()
	if r.speaking {
		r.mu.Unlock()
		return ErrAlreadySpeaking
	}
	r.speaking = true
	talk := r.talkDesc
	r.mu.Unlock()

	if talk != nil {
		// A missing gesture clip is not worth failing the utterance over.
		_ = r.PlayTransient(ctx, *talk, true)
	}

	end := func() { r.finishSpeech(onEnd) }
	if err := r.audio.Start(ctx, audio, mimeType, end); err != nil {
		r.log.Warn("avatar: audio decode failed, completing silently", "error", err)
		end()
	}
	return nil
}

// finishSpeech clears the speaking flag, reverts the gesture and notifies the
// caller. Safe against double invocation.
func (r *Runtime) finishSpeech(onEnd func()) {
	r.mu.Lock()
	if !r.speaking {
		r.mu.Unlock()
		return
	}
	r.speaking = false
	r.revertToIdleLocked()
	r.mu.Unlock()

	if onEnd != nil {
		onEnd()
	}
}

// CancelSpeech force-stops the active session, if any. Idempotent.
func (r *Runtime) CancelSpeech() {
	r.mu.Lock()
	speaking := r.speaking
	r.mu.Unlock()
	if !speaking {
		return
	}
	// Stop fires the engine's completion callback, which runs finishSpeech.
	r.audio.Stop()
}

// IsSpeaking reports whether a speech session is active.
func (r *Runtime) IsSpeaking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speaking
}

// SetVolume sets the playback gain, clamped to [0, 1].
func (r *Runtime) SetVolume(v float64) { r.audio.SetVolume(v) }

// Volume returns the playback gain.
func (r *Runtime) Volume() float64 { return r.audio.Volume() }

// MouthOpenness returns the current viseme weight in [0, 1]. Rigs without an
// open-mouth blend shape always read 0.
func (r *Runtime) MouthOpenness() float64 {
	r.mu.Lock()
	asset := r.asset
	r.mu.Unlock()
	if asset == nil || !asset.Viseme.Supported {
		return 0
	}
	return r.audio.Sample()
}

// Update advances the animation mixer by delta seconds. The host render loop
// calls it once per frame; the runtime never schedules itself.
func (r *Runtime) Update(delta float64) {
	r.mu.Lock()
	mixer := r.mixer
	r.mu.Unlock()
	mixer.Update(delta)
}

// Mixer exposes the current mixer for render-side state reads.
func (r *Runtime) Mixer() *Mixer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mixer
}
