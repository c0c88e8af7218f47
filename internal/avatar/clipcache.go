package avatar

import (
	"context"
	"fmt"
	"sync"

	"github.com/qmuntal/gltf"
	"golang.org/x/sync/singleflight"
)

// ClipDescriptor identifies one skeletal animation in the catalog.
// Immutable once fetched.
type ClipDescriptor struct {
	ID         string
	Name       string
	SourcePath string
	Loop       bool
}

// Clip is loaded animation data bound to a compatible humanoid rig.
type Clip struct {
	Descriptor ClipDescriptor

	// Duration is the clip length in seconds.
	Duration float64

	// Channels is the number of animated node channels, kept for
	// diagnostics.
	Channels int
}

// ClipSource fetches raw clip data for a descriptor.
type ClipSource interface {
	FetchClip(ctx context.Context, desc ClipDescriptor) (*Clip, error)
}

// GLTFClipSource loads clips from glTF files at the descriptor's SourcePath.
type GLTFClipSource struct{}

// FetchClip parses the file and takes its first animation. The duration is
// the largest keyframe time across all samplers.
func (GLTFClipSource) FetchClip(_ context.Context, desc ClipDescriptor) (*Clip, error) {
	doc, err := gltf.Open(desc.SourcePath)
	if err != nil {
		return nil, &LoadError{Path: desc.SourcePath, Err: err}
	}
	if len(doc.Animations) == 0 {
		return nil, &LoadError{Path: desc.SourcePath, Err: fmt.Errorf("no animations in file")}
	}

	anim := doc.Animations[0]
	duration := 0.0
	for _, s := range anim.Samplers {
		in := int(s.Input)
		if in >= len(doc.Accessors) {
			continue
		}
		acc := doc.Accessors[in]
		if len(acc.Max) > 0 && acc.Max[0] > duration {
			duration = acc.Max[0]
		}
	}
	if duration <= 0 {
		return nil, &LoadError{Path: desc.SourcePath, Err: fmt.Errorf("animation has no keyframes")}
	}

	return &Clip{
		Descriptor: desc,
		Duration:   duration,
		Channels:   len(anim.Channels),
	}, nil
}

var _ ClipSource = GLTFClipSource{}

// ClipCache memoizes loaded clips by descriptor ID for the life of the
// process. Concurrent requests for the same descriptor share one fetch.
//
// Clips are keyed by descriptor alone, shared across avatars. This assumes
// all rigs are retarget-compatible; avatars with incompatible skeletons need
// a (descriptor, rig) key instead.
type ClipCache struct {
	source ClipSource
	group  singleflight.Group

	mu    sync.Mutex
	clips map[string]*Clip
}

// NewClipCache returns an empty cache backed by source.
func NewClipCache(source ClipSource) *ClipCache {
	return &ClipCache{
		source: source,
		clips:  make(map[string]*Clip),
	}
}

// Get returns the cached clip for desc, fetching and caching it on first use.
func (c *ClipCache) Get(ctx context.Context, desc ClipDescriptor) (*Clip, error) {
	c.mu.Lock()
	if clip, ok := c.clips[desc.ID]; ok {
		c.mu.Unlock()
		return clip, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(desc.ID, func() (any, error) {
		clip, err := c.source.FetchClip(ctx, desc)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.clips[desc.ID] = clip
		c.mu.Unlock()
		return clip, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Clip), nil
}

// Invalidate drops one cached entry. The next Get refetches it.
func (c *ClipCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.clips, id)
	c.mu.Unlock()
	c.group.Forget(id)
}

// Len returns the number of cached clips.
func (c *ClipCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clips)
}
