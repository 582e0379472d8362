package geosampler

import (
	"context"
	"sync"
	"time"

	"backend-salesrephub/internal/shared/geo"
)

// DefaultMaxAge is how old the last fix may be for a one-shot read.
const DefaultMaxAge = 30 * time.Second

// Feed is the Platform backed by fixes the operator's device posts to us.
type Feed struct {
	mu        sync.Mutex
	available bool
	maxAge    time.Duration
	last      *geo.Position
	lastAt    time.Time
	watchers  map[uint64]watcher
	waiters   []chan geo.Position
	nextID    uint64
	now       func() time.Time
}

type watcher struct {
	onFix func(geo.Position)
	onErr func(error)
}

func NewFeed(maxAge time.Duration) *Feed {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Feed{
		available: true,
		maxAge:    maxAge,
		watchers:  make(map[uint64]watcher),
		now:       time.Now,
	}
}

func (f *Feed) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

// SetAvailable toggles the capability; e.g. the device revoked permission.
func (f *Feed) SetAvailable(ok bool) {
	f.mu.Lock()
	f.available = ok
	f.mu.Unlock()
}

func (f *Feed) MaxAge() time.Duration { return f.maxAge }

// Publish validates pos and hands it to every watcher and pending one-shot
// reader. Invalid fixes go to the watchers' error callbacks instead.
func (f *Feed) Publish(pos geo.Position) error {
	if err := pos.Point().Validate(); err != nil {
		f.mu.Lock()
		ws := f.snapshotWatchers()
		f.mu.Unlock()
		for _, w := range ws {
			if w.onErr != nil {
				w.onErr(err)
			}
		}
		return err
	}

	f.mu.Lock()
	if !f.available {
		f.mu.Unlock()
		return ErrNoCapability
	}
	p := pos
	f.last = &p
	f.lastAt = f.now()
	waiters := f.waiters
	f.waiters = nil
	ws := f.snapshotWatchers()
	f.mu.Unlock()

	for _, ch := range waiters {
		ch <- pos
	}
	for _, w := range ws {
		w.onFix(pos)
	}
	return nil
}

func (f *Feed) snapshotWatchers() []watcher {
	out := make([]watcher, 0, len(f.watchers))
	for _, w := range f.watchers {
		out = append(out, w)
	}
	return out
}

// CurrentPosition returns the last fix if it is fresh enough, otherwise
// blocks for the next one until ctx is done.
func (f *Feed) CurrentPosition(ctx context.Context) (geo.Position, error) {
	f.mu.Lock()
	if !f.available {
		f.mu.Unlock()
		return geo.Position{}, ErrNoCapability
	}
	if f.last != nil && f.now().Sub(f.lastAt) <= f.maxAge {
		pos := *f.last
		f.mu.Unlock()
		return pos, nil
	}
	ch := make(chan geo.Position, 1)
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	select {
	case pos := <-ch:
		return pos, nil
	case <-ctx.Done():
		f.dropWaiter(ch)
		return geo.Position{}, ctx.Err()
	}
}

func (f *Feed) dropWaiter(ch chan geo.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w == ch {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

func (f *Feed) Watch(onFix func(geo.Position), onErr func(error)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return nil, ErrNoCapability
	}
	f.nextID++
	id := f.nextID
	f.watchers[id] = watcher{onFix: onFix, onErr: onErr}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watchers, id)
			f.mu.Unlock()
		})
	}, nil
}

// Watchers reports how many watch subscriptions are live.
func (f *Feed) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}
