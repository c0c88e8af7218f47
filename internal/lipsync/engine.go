// Package lipsync turns synthesized speech audio into a mouth-openness
// signal. The engine paces a decoded track in real time, forwards each frame
// to an optional playback sink and exposes the smoothed amplitude envelope
// for the avatar's viseme blend shapes.
package lipsync

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// framePeriod is the analysis cadence. 50 frames per second tracks speech
// plosives closely enough while staying well below render rate.
const framePeriod = 20 * time.Millisecond

// smoothingFactor is the per-frame low-pass weight applied to the envelope.
const smoothingFactor = 0.25

// deadZone suppresses mouth flutter from breath and room noise.
const deadZone = 0.1

// Sink receives paced playback audio as little-endian 16-bit mono PCM at the
// track's sample rate. Implementations must tolerate being called every
// frame period.
type Sink interface {
	Write(pcm []byte) error
}

// NullSink discards playback audio. The envelope is still produced.
type NullSink struct{}

func (NullSink) Write([]byte) error { return nil }

var _ Sink = NullSink{}

// playback is one running track.
type playback struct {
	cancel  context.CancelFunc
	onEnded func()
	once    sync.Once
	done    chan struct{}
}

// end fires the completion callback exactly once, whether playback ran to
// completion, was stopped or failed.
func (p *playback) end() {
	p.once.Do(func() {
		if p.onEnded != nil {
			p.onEnded()
		}
	})
}

// Engine drives lip-sync analysis for one avatar.
type Engine struct {
	sink Sink
	log  *slog.Logger

	mu       sync.Mutex
	volume   float64
	openness float64
	current  *playback
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSink routes paced audio to a playback sink. Defaults to NullSink.
func WithSink(s Sink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// NewEngine returns an Engine with volume 1.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		sink:   NullSink{},
		log:    slog.Default(),
		volume: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start decodes audio and begins paced playback. Any track already playing
// is stopped first and its completion callback fires. onEnded, if non-nil, is
// called exactly once when this track finishes, is stopped or fails.
func (e *Engine) Start(ctx context.Context, audio []byte, mimeType string, onEnded func()) error {
	track, err := Decode(audio, mimeType)
	if err != nil {
		return err
	}

	playCtx, cancel := context.WithCancel(ctx)
	p := &playback{
		cancel:  cancel,
		onEnded: onEnded,
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	prev := e.current
	e.current = p
	e.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go e.run(playCtx, p, track)
	return nil
}

// Playing reports whether a track is currently being paced.
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Sample returns the current mouth openness in [0, 1]. It is 0 whenever no
// track is playing.
func (e *Engine) Sample() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openness
}

// SetVolume sets the playback gain, clamped to [0, 1]. The envelope is
// computed from the original samples, so muting the sink does not close the
// mouth.
func (e *Engine) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	e.mu.Lock()
	e.volume = v
	e.mu.Unlock()
}

// Volume returns the current playback gain.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// Stop cancels the running track, if any, and waits for its goroutine to
// exit. The track's completion callback fires before Stop returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	p := e.current
	e.mu.Unlock()
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

// run paces the track frame by frame until it ends or the context cancels.
func (e *Engine) run(ctx context.Context, p *playback, track *Track) {
	defer func() {
		e.mu.Lock()
		if e.current == p {
			e.current = nil
			e.openness = 0
		}
		e.mu.Unlock()
		p.end()
		close(p.done)
	}()

	frameLen := track.SampleRate * int(framePeriod/time.Millisecond) / 1000
	if frameLen <= 0 {
		return
	}

	ticker := time.NewTicker(framePeriod)
	defer ticker.Stop()

	smoothed := 0.0
	for pos := 0; pos < len(track.Samples); pos += frameLen {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		end := pos + frameLen
		if end > len(track.Samples) {
			end = len(track.Samples)
		}
		frame := track.Samples[pos:end]

		e.mu.Lock()
		gain := e.volume
		e.mu.Unlock()
		if err := e.sink.Write(pcm16Bytes(frame, float32(gain))); err != nil {
			e.log.Warn("lipsync: playback sink failed", "error", err)
			return
		}

		peak := 0.0
		for _, s := range frame {
			if a := math.Abs(float64(s)); a > peak {
				peak = a
			}
		}
		smoothed += (shape(peak) - smoothed) * smoothingFactor

		e.mu.Lock()
		if e.current == p {
			e.openness = smoothed
		}
		e.mu.Unlock()
	}
}

// shape maps a frame's peak amplitude to mouth openness. The sigmoid keeps
// quiet speech visible while saturating shouts, and the dead zone pins
// silence fully shut.
func shape(peak float64) float64 {
	v := 1 / (1 + math.Exp(-45*peak+5))
	if v < deadZone {
		return 0
	}
	if v > 1 {
		v = 1
	}
	return v
}
