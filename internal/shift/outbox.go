package shift

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"backend-salesrephub/internal/metrics"
)

const defaultMaxAttempts = 20

// Outbox holds backend writes that failed so they can be replayed later.
// Writes sharing a key replay in order; one failure holds back the rest of
// that key until the next flush.
type Outbox struct {
	mu          sync.Mutex
	items       []outboxItem
	flushing    map[string]bool
	maxAttempts int
	log         *slog.Logger
}

type outboxItem struct {
	op       string
	key      string
	run      func(ctx context.Context) error
	attempts int
	queuedAt time.Time
}

func NewOutbox(maxAttempts int, log *slog.Logger) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Outbox{maxAttempts: maxAttempts, log: log}
}

func (o *Outbox) Add(op, key string, run func(ctx context.Context) error) {
	o.mu.Lock()
	o.items = append(o.items, outboxItem{op: op, key: key, run: run, attempts: 1, queuedAt: time.Now()})
	n := len(o.items)
	o.mu.Unlock()
	metrics.OutboxDepth.Set(float64(n))
}

// Pending reports whether writes for key are still waiting.
func (o *Outbox) Pending(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flushing[key] {
		return true
	}
	for _, it := range o.items {
		if it.key == key {
			return true
		}
	}
	return false
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Flush replays queued writes. It returns how many succeeded.
func (o *Outbox) Flush(ctx context.Context) int {
	o.mu.Lock()
	items := o.items
	o.items = nil
	o.flushing = make(map[string]bool, len(items))
	for _, it := range items {
		o.flushing[it.key] = true
	}
	o.mu.Unlock()

	var (
		keep    []outboxItem
		blocked = map[string]bool{}
		done    int
	)
	for _, it := range items {
		if ctx.Err() != nil || blocked[it.key] {
			keep = append(keep, it)
			continue
		}
		if err := it.run(ctx); err != nil {
			it.attempts++
			if it.attempts > o.maxAttempts {
				o.log.Error("outbox: giving up", "op", it.op, "key", it.key, "attempts", it.attempts-1, "queued_at", it.queuedAt, "error", err)
				continue
			}
			o.log.Warn("outbox: retry failed", "op", it.op, "key", it.key, "attempts", it.attempts-1, "error", err)
			blocked[it.key] = true
			keep = append(keep, it)
			continue
		}
		done++
	}

	o.mu.Lock()
	// writes queued while flushing go after the ones we kept
	o.items = append(keep, o.items...)
	o.flushing = nil
	n := len(o.items)
	o.mu.Unlock()
	metrics.OutboxDepth.Set(float64(n))
	return done
}
