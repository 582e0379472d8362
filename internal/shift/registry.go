package shift

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"backend-salesrephub/internal/geosampler"
)

// Registry owns one Machine and one position Feed per operator.
type Registry struct {
	deps Deps
	cfg  Config
	log  *slog.Logger

	mu       sync.Mutex
	machines map[string]*Machine
	feeds    map[string]*geosampler.Feed
}

func NewRegistry(deps Deps, cfg Config) *Registry {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if deps.Outbox == nil {
		deps.Outbox = NewOutbox(0, log)
	}
	return &Registry{
		deps:     deps,
		cfg:      cfg,
		log:      log,
		machines: make(map[string]*Machine),
		feeds:    make(map[string]*geosampler.Feed),
	}
}

// Get returns the operator's machine, creating it on first use.
func (r *Registry) Get(operatorID string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[operatorID]; ok {
		return m
	}
	feed := geosampler.NewFeed(r.cfg.FeedMaxAge)
	m := NewMachine(operatorID, geosampler.NewSampler(feed, r.log), r.deps, r.cfg)
	r.machines[operatorID] = m
	r.feeds[operatorID] = feed
	return m
}

func (r *Registry) Lookup(operatorID string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[operatorID]
	return m, ok
}

// Feed returns the position feed the operator's device publishes to.
func (r *Registry) Feed(operatorID string) *geosampler.Feed {
	r.Get(operatorID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds[operatorID]
}

func (r *Registry) Outbox() *Outbox {
	return r.deps.Outbox
}

func (r *Registry) all() []*Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Machine, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.machines[id])
	}
	return out
}

// FlushOutbox replays failed backend writes.
func (r *Registry) FlushOutbox(ctx context.Context) int {
	n := r.deps.Outbox.Flush(ctx)
	if n > 0 {
		r.log.Info("shift: outbox flushed", "writes", n, "pending", r.deps.Outbox.Len())
	}
	return n
}

// RefreshAll reconciles targets for every operator with a running shift.
func (r *Registry) RefreshAll(ctx context.Context) {
	for _, m := range r.all() {
		snap := m.Snapshot()
		if !snap.Session.Status.Open() {
			continue
		}
		if err := m.RefreshTargets(ctx); err != nil {
			r.log.Warn("shift: refresh targets", "operator_id", m.OperatorID(), "error", err)
		}
	}
}

// ResumeAll runs Resume for operators the backend reports with open sessions.
func (r *Registry) ResumeAll(ctx context.Context, operatorIDs []string) {
	for _, id := range operatorIDs {
		if _, err := r.Get(id).Resume(ctx); err != nil {
			r.log.Warn("shift: resume on load", "operator_id", id, "error", err)
		}
	}
}

func (r *Registry) Close() {
	for _, m := range r.all() {
		m.Close()
	}
}
