package avatar

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSuperseded is returned when a load finished after a newer load replaced
// it. The fetched asset is disposed, never attached.
var ErrSuperseded = errors.New("avatar: load superseded by a newer request")

// AssetSource fetches an avatar asset by reference. Implementations must
// honor context cancellation.
type AssetSource interface {
	Fetch(ctx context.Context, ref string) (*Asset, error)
}

// FileAssetSource loads assets from the local filesystem.
type FileAssetSource struct{}

func (FileAssetSource) Fetch(ctx context.Context, ref string) (*Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadAsset(ref)
}

var _ AssetSource = FileAssetSource{}

// Loader swaps the active avatar asset without races: each Load cancels any
// load still in flight, and only the most recently requested asset can become
// current. Superseded results are disposed.
type Loader struct {
	source AssetSource
	log    *slog.Logger
	onSwap func(*Asset)

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	current    *Asset
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithSwapHandler registers a callback invoked with each newly current asset.
// The Runtime uses it to rebind its mixer.
func WithSwapHandler(fn func(*Asset)) LoaderOption {
	return func(l *Loader) { l.onSwap = fn }
}

// WithLoaderLogger sets the logger. Defaults to slog.Default.
func WithLoaderLogger(log *slog.Logger) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// NewLoader returns a Loader backed by source.
func NewLoader(source AssetSource, opts ...LoaderOption) *Loader {
	l := &Loader{source: source, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches ref and makes it the current asset. A Load started while
// another is in flight supersedes it: the older fetch is cancelled and its
// result, should it still arrive, is disposed and reported as ErrSuperseded.
// On failure the previous asset stays current.
func (l *Loader) Load(ctx context.Context, ref string) (*Asset, error) {
	l.mu.Lock()
	l.generation++
	gen := l.generation
	if l.cancel != nil {
		l.cancel()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	asset, err := l.source.Fetch(loadCtx, ref)

	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		if asset != nil {
			asset.Dispose()
		}
		return nil, ErrSuperseded
	}
	if err != nil {
		l.mu.Unlock()
		l.log.Warn("avatar: asset load failed, keeping previous", "ref", ref, "error", err)
		return nil, err
	}

	prev := l.current
	l.current = asset
	onSwap := l.onSwap
	l.mu.Unlock()

	if prev != nil {
		prev.Dispose()
	}
	if onSwap != nil {
		onSwap(asset)
	}
	l.log.Info("avatar: asset loaded", "ref", ref, "name", asset.Name, "lipsync", asset.Viseme.Supported)
	return asset, nil
}

// Current returns the active asset, or nil before the first successful load.
func (l *Loader) Current() *Asset {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Close cancels any in-flight load and disposes the current asset.
func (l *Loader) Close() {
	l.mu.Lock()
	l.generation++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	cur := l.current
	l.current = nil
	l.mu.Unlock()
	if cur != nil {
		cur.Dispose()
	}
}
