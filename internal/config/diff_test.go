package config_test

import (
	"testing"

	"github.com/animavox/animavox/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Agent:  config.AgentConfig{ID: "aiko"},
		Avatar: config.AvatarConfig{AssetPath: "models/aiko.vrm", IdleAnimation: "idle-01", Volume: 0.8},
	}
	d := config.Diff(cfg, cfg)
	if d.Any() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if !d.Any() {
		t.Error("expected Any()=true")
	}
}

func TestDiff_AgentChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Agent: config.AgentConfig{ID: "aiko"}}
	new := &config.Config{Agent: config.AgentConfig{ID: "hana"}}

	d := config.Diff(old, new)
	if !d.AgentChanged {
		t.Error("expected AgentChanged=true")
	}
	if d.AvatarAssetChanged || d.VolumeChanged {
		t.Errorf("unexpected avatar changes: %+v", d)
	}
}

func TestDiff_AvatarAssetChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Avatar: config.AvatarConfig{AssetPath: "models/aiko.vrm"}}
	new := &config.Config{Avatar: config.AvatarConfig{AssetPath: "models/hana.vrm"}}

	d := config.Diff(old, new)
	if !d.AvatarAssetChanged {
		t.Error("expected AvatarAssetChanged=true")
	}
	if d.AvatarAnimationsChanged {
		t.Error("expected AvatarAnimationsChanged=false")
	}
}

func TestDiff_AnimationBindingsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Avatar: config.AvatarConfig{IdleAnimation: "idle-01", TalkAnimation: "talk-01"}}
	new := &config.Config{Avatar: config.AvatarConfig{IdleAnimation: "idle-02", TalkAnimation: "talk-01"}}

	d := config.Diff(old, new)
	if !d.AvatarAnimationsChanged {
		t.Error("expected AvatarAnimationsChanged=true")
	}
	if d.AvatarAssetChanged {
		t.Error("expected AvatarAssetChanged=false")
	}
}

func TestDiff_VolumeChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Avatar: config.AvatarConfig{Volume: 0.8}}
	new := &config.Config{Avatar: config.AvatarConfig{Volume: 0.3}}

	d := config.Diff(old, new)
	if !d.VolumeChanged {
		t.Error("expected VolumeChanged=true")
	}
	if d.NewVolume != 0.3 {
		t.Errorf("expected NewVolume=0.3, got %.2f", d.NewVolume)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Agent:  config.AgentConfig{ID: "aiko"},
		Avatar: config.AvatarConfig{AssetPath: "a.vrm", IdleAnimation: "idle-01", Volume: 1},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		Agent:  config.AgentConfig{ID: "hana"},
		Avatar: config.AvatarConfig{AssetPath: "b.vrm", IdleAnimation: "idle-02", Volume: 0.5},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.AgentChanged || !d.AvatarAssetChanged ||
		!d.AvatarAnimationsChanged || !d.VolumeChanged {
		t.Errorf("expected all change flags set, got %+v", d)
	}
}
