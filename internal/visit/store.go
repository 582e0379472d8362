package visit

import (
	"fmt"
	"sort"
	"time"
)

// Store is the local roster of visit targets for one operator. It is not safe
// for concurrent use; the owning shift machine serialises access.
type Store struct {
	targets []Target
	index   map[string]int
	// dirty holds targets carrying local mutations the backend has not
	// confirmed yet.
	dirty map[string]bool
}

func NewStore(targets ...Target) *Store {
	s := &Store{dirty: map[string]bool{}}
	s.replace(targets)
	return s
}

func (s *Store) replace(targets []Target) {
	s.targets = make([]Target, 0, len(targets))
	s.index = make(map[string]int, len(targets))
	for _, t := range targets {
		if _, dup := s.index[t.ID]; dup {
			continue
		}
		t.EvidenceImages = append([]string(nil), t.EvidenceImages...)
		s.index[t.ID] = len(s.targets)
		s.targets = append(s.targets, t)
	}
	sort.SliceStable(s.targets, func(i, j int) bool {
		a, b := s.targets[i], s.targets[j]
		if !a.ScheduledDate.Equal(b.ScheduledDate) {
			if a.ScheduledDate.IsZero() || b.ScheduledDate.IsZero() {
				return !a.ScheduledDate.IsZero()
			}
			return a.ScheduledDate.Before(b.ScheduledDate)
		}
		return a.Priority < b.Priority
	})
	for i, t := range s.targets {
		s.index[t.ID] = i
	}
}

// Reconcile replaces the roster with backend state. While a session is open,
// fields the core owns on targets it mutated locally survive until the
// backend confirms them, and a target never moves back out of completed.
func (s *Store) Reconcile(remote []Target, sessionOpen bool) {
	merged := make([]Target, 0, len(remote))
	for _, r := range remote {
		local, ok := s.Get(r.ID)
		if !ok {
			merged = append(merged, r)
			continue
		}
		switch {
		case r.Status == StatusCompleted:
			delete(s.dirty, r.ID)
		case sessionOpen && s.dirty[r.ID]:
			r = withOwnedFields(r, local)
		case local.Status == StatusCompleted:
			r = withOwnedFields(r, local)
		case local.Status == StatusInProgress && r.Status == StatusPending && sessionOpen:
			r.Status = StatusInProgress
		}
		merged = append(merged, r)
	}
	if !sessionOpen {
		s.dirty = map[string]bool{}
	}
	keep := map[string]bool{}
	for _, t := range merged {
		keep[t.ID] = true
	}
	for id := range s.dirty {
		if !keep[id] {
			delete(s.dirty, id)
		}
	}
	s.replace(merged)
}

func withOwnedFields(remote, local Target) Target {
	remote.Status = local.Status
	remote.EvidenceImages = local.EvidenceImages
	remote.Comments = local.Comments
	remote.StartingOdometer = local.StartingOdometer
	remote.EstimatedDistanceKm = local.EstimatedDistanceKm
	remote.DistanceSource = local.DistanceSource
	remote.CompletedAt = local.CompletedAt
	return remote
}

func (s *Store) Get(id string) (Target, bool) {
	i, ok := s.index[id]
	if !ok {
		return Target{}, false
	}
	t := s.targets[i]
	t.EvidenceImages = append([]string(nil), t.EvidenceImages...)
	return t, true
}

// Update applies fn to the stored target and marks it dirty. The target is
// left untouched when fn fails.
func (s *Store) Update(id string, fn func(*Target) error) (Target, error) {
	i, ok := s.index[id]
	if !ok {
		return Target{}, fmt.Errorf("visit target %s not found", id)
	}
	t := s.targets[i]
	t.EvidenceImages = append([]string(nil), t.EvidenceImages...)
	if err := fn(&t); err != nil {
		return s.targets[i], err
	}
	s.targets[i] = t
	s.dirty[id] = true
	return t, nil
}

// Confirm clears the dirty mark once the backend has accepted an update.
func (s *Store) Confirm(id string) {
	delete(s.dirty, id)
}

func (s *Store) Dirty(id string) bool {
	return s.dirty[id]
}

func (s *Store) All() []Target {
	out := make([]Target, len(s.targets))
	for i, t := range s.targets {
		t.EvidenceImages = append([]string(nil), t.EvidenceImages...)
		out[i] = t
	}
	return out
}

// Open returns the pending and in-progress targets in roster order.
func (s *Store) Open() []Target {
	var out []Target
	for _, t := range s.targets {
		if t.Status.Open() {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) OpenCount() int {
	n := 0
	for _, t := range s.targets {
		if t.Status.Open() {
			n++
		}
	}
	return n
}

func (s *Store) OpenOn(day time.Time) int {
	n := 0
	for _, t := range s.targets {
		if t.Status.Open() && t.ScheduledOn(day) {
			n++
		}
	}
	return n
}

// NextOpen picks the next target to route to: the first open target scheduled
// for day, else the first open target at all.
func (s *Store) NextOpen(day time.Time) (Target, bool) {
	fallback := -1
	for i, t := range s.targets {
		if !t.Status.Open() {
			continue
		}
		if t.ScheduledOn(day) {
			return s.copyAt(i), true
		}
		if fallback < 0 {
			fallback = i
		}
	}
	if fallback < 0 {
		return Target{}, false
	}
	return s.copyAt(fallback), true
}

func (s *Store) copyAt(i int) Target {
	t := s.targets[i]
	t.EvidenceImages = append([]string(nil), t.EvidenceImages...)
	return t
}
