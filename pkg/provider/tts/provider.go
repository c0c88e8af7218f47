// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI or ElevenLabs)
// and presents a uniform request/response interface: the orchestrator hands in
// the sanitized reply text plus a voice selection and receives one complete
// audio buffer ready for the lip-sync engine to decode.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile describes a single synthesizable voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider is the provider name this voice belongs to (e.g., "elevenlabs").
	Provider string

	// Metadata holds provider-specific labels (accent, gender, category, ...).
	Metadata map[string]string
}

// SpeechRequest carries everything a provider needs to synthesize one utterance.
type SpeechRequest struct {
	// Text is the plain text to speak. Must be non-empty.
	Text string

	// VoiceID selects the voice. Empty means the provider default.
	VoiceID string

	// Instructions optionally steers delivery style (tone, pacing, emotion)
	// for providers that support it. Ignored otherwise.
	Instructions string
}

// SpeechResult is the synthesized audio for one utterance.
type SpeechResult struct {
	// Audio is the encoded or raw audio payload.
	Audio []byte

	// MIMEType describes the payload encoding (e.g., "audio/wav",
	// "audio/pcm;rate=16000").
	MIMEType string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
type Provider interface {
	// Synthesize converts req.Text into audio using the requested voice.
	//
	// Returns an error if the request is invalid, the provider cannot be
	// reached, or ctx is cancelled before synthesis completes.
	Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
