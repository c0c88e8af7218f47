package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AgentChanged bool // agent id switched; profile and history must be refetched

	AvatarAssetChanged      bool // asset_path changed; the avatar must be reloaded
	AvatarAnimationsChanged bool // idle or talk animation binding changed
	VolumeChanged           bool
	NewVolume               float64
}

// Any reports whether the diff contains any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.AgentChanged ||
		d.AvatarAssetChanged || d.AvatarAnimationsChanged || d.VolumeChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Agent selection
	if old.Agent.ID != new.Agent.ID {
		d.AgentChanged = true
	}

	// Avatar
	if old.Avatar.AssetPath != new.Avatar.AssetPath {
		d.AvatarAssetChanged = true
	}
	if old.Avatar.IdleAnimation != new.Avatar.IdleAnimation ||
		old.Avatar.TalkAnimation != new.Avatar.TalkAnimation {
		d.AvatarAnimationsChanged = true
	}
	if old.Avatar.Volume != new.Avatar.Volume {
		d.VolumeChanged = true
		d.NewVolume = new.Avatar.Volume
	}

	return d
}
