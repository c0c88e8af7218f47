package chat

import "time"

// Animation state names used in AgentProfile.Animations.
const (
	StateIdle = "IDLE"
	StateTalk = "TALK"
)

// AgentProfile describes the persona an orchestrator speaks as. Profiles come
// from the agent catalog; all fields except Name are optional.
type AgentProfile struct {
	// ID is the catalog identifier of the agent.
	ID string

	// Name is the character's display name, woven into the system prompt.
	Name string

	// Bio is the character background description.
	Bio string

	// Adjectives characterize the persona ("cheerful", "curious").
	Adjectives []string

	// Topics the character likes to bring up during idle chatter.
	Topics []string

	// Knowledge items injected verbatim into the system prompt.
	Knowledge []string

	// Lore snippets; a small random or similarity-based sample is included
	// per generation.
	Lore []string

	// Style directions for message phrasing.
	Style []string

	// IdleLines is the pool of prompts used for unprompted chatter. When
	// empty a generic filler prompt is used instead.
	IdleLines []string

	// IdleDelay is the pause between idle utterances. Zero means
	// DefaultIdleDelay.
	IdleDelay time.Duration

	// Animations maps animation state names (StateIdle, StateTalk) to clip
	// descriptor IDs from the animation catalog.
	Animations map[string]string

	// VoiceID selects the TTS voice.
	VoiceID string

	// VoiceInstructions steers TTS delivery style, keyed by aspect
	// ("tone", "pacing").
	VoiceInstructions map[string]string
}

// DefaultIdleDelay is used when a profile does not set IdleDelay.
const DefaultIdleDelay = 10 * time.Second
