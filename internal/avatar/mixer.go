package avatar

import "sync"

// Action is one playable instance of a clip on the mixer. Several actions may
// share a clip; identity is the pointer.
type Action struct {
	clip *Clip
	loop bool

	time   float64
	weight float64

	// Linear weight fade, expressed in mixer time.
	fadeFrom  float64
	fadeTo    float64
	fadeStart float64
	fadeEnd   float64

	finished bool
	stopped  bool
}

// Clip returns the clip this action plays.
func (a *Action) Clip() *Clip { return a.clip }

// Weight returns the action's current blend weight in [0, 1].
func (a *Action) Weight() float64 { return a.weight }

// Time returns the action's local playback time in seconds.
func (a *Action) Time() float64 { return a.time }

// Finished reports whether a non-looping action ran past its clip end.
func (a *Action) Finished() bool { return a.finished }

// Mixer blends animation actions in its own deterministic clock: time only
// advances through Update, so transitions are exactly reproducible in tests.
// The mixer is not safe for concurrent use; the owning Runtime serializes
// access.
type Mixer struct {
	mu sync.Mutex

	now     float64
	actions []*Action

	// uncacheAt maps an action to the mixer time at which it is removed.
	uncacheAt map[*Action]float64

	onFinished func(*Action)
}

// NewMixer returns an empty mixer at time zero.
func NewMixer() *Mixer {
	return &Mixer{uncacheAt: make(map[*Action]float64)}
}

// OnFinished registers the callback fired once per non-looping action when it
// runs past its clip end. The callback runs inside Update.
func (m *Mixer) OnFinished(fn func(*Action)) {
	m.mu.Lock()
	m.onFinished = fn
	m.mu.Unlock()
}

// Play creates an action for clip at the given initial weight and starts it.
func (m *Mixer) Play(clip *Clip, loop bool, weight float64) *Action {
	a := &Action{clip: clip, loop: loop, weight: weight}
	m.mu.Lock()
	m.actions = append(m.actions, a)
	m.mu.Unlock()
	return a
}

// FadeTo linearly drives an action's weight to target over dur seconds. A
// zero duration applies the target immediately.
func (m *Mixer) FadeTo(a *Action, target, dur float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dur <= 0 {
		a.weight = target
		a.fadeEnd = 0
		return
	}
	a.fadeFrom = a.weight
	a.fadeTo = target
	a.fadeStart = m.now
	a.fadeEnd = m.now + dur
}

// CrossFade fades from out and into in over the same window.
func (m *Mixer) CrossFade(out, in *Action, dur float64) {
	if out != nil {
		m.FadeTo(out, 0, dur)
	}
	if in != nil {
		m.FadeTo(in, 1, dur)
	}
}

// Stop freezes an action and drops its weight to zero immediately.
func (m *Mixer) Stop(a *Action) {
	m.mu.Lock()
	a.stopped = true
	a.weight = 0
	a.fadeEnd = 0
	m.mu.Unlock()
}

// ScheduleUncache removes the action from the mixer after grace seconds,
// leaving any running fade-out time to finish.
func (m *Mixer) ScheduleUncache(a *Action, grace float64) {
	m.mu.Lock()
	m.uncacheAt[a] = m.now + grace
	m.mu.Unlock()
}

// Now returns the mixer's clock in seconds.
func (m *Mixer) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// ActiveActions returns the actions currently on the mixer.
func (m *Mixer) ActiveActions() []*Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Action, len(m.actions))
	copy(out, m.actions)
	return out
}

// Update advances the mixer clock by delta seconds: fades progress, looping
// actions wrap, non-looping actions that pass their clip end fire the
// finished callback once, and uncache deadlines are collected.
func (m *Mixer) Update(delta float64) {
	if delta <= 0 {
		return
	}

	m.mu.Lock()
	m.now += delta
	now := m.now
	onFinished := m.onFinished

	var justFinished []*Action
	for _, a := range m.actions {
		if a.stopped {
			continue
		}

		if a.fadeEnd > 0 {
			if now >= a.fadeEnd {
				a.weight = a.fadeTo
				a.fadeEnd = 0
			} else {
				frac := (now - a.fadeStart) / (a.fadeEnd - a.fadeStart)
				a.weight = a.fadeFrom + (a.fadeTo-a.fadeFrom)*frac
			}
		}

		a.time += delta
		if a.clip != nil && a.clip.Duration > 0 && a.time >= a.clip.Duration {
			if a.loop {
				for a.time >= a.clip.Duration {
					a.time -= a.clip.Duration
				}
			} else if !a.finished {
				a.finished = true
				a.time = a.clip.Duration
				justFinished = append(justFinished, a)
			}
		}
	}

	var kept []*Action
	for _, a := range m.actions {
		if deadline, ok := m.uncacheAt[a]; ok && now >= deadline {
			delete(m.uncacheAt, a)
			a.stopped = true
			a.weight = 0
			continue
		}
		kept = append(kept, a)
	}
	m.actions = kept
	m.mu.Unlock()

	if onFinished != nil {
		for _, a := range justFinished {
			onFinished(a)
		}
	}
}
