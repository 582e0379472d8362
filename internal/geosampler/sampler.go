// Package geosampler provides one-shot and continuous location fixes on top
// of a platform location source.
package geosampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"backend-salesrephub/internal/shared/geo"
)

var (
	ErrNoCapability    = errors.New("location capability unavailable")
	ErrAlreadyWatching = errors.New("watch already active")
)

const (
	maxAttempts     = 5
	initialInterval = 500 * time.Millisecond
	maxInterval     = 8 * time.Second
	attemptTimeout  = 10 * time.Second
)

type Platform interface {
	Available() bool
	CurrentPosition(ctx context.Context) (geo.Position, error)
	Watch(onFix func(geo.Position), onErr func(error)) (stop func(), err error)
}

// Handle identifies one watch subscription.
type Handle struct {
	id uint64
}

type Sampler struct {
	platform Platform
	log      *slog.Logger

	mu      sync.Mutex
	stop    func()
	current uint64
	seq     uint64

	newBackOff func() backoff.BackOff
}

func NewSampler(p Platform, log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{platform: p, log: log, newBackOff: defaultBackOff}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, maxAttempts-1)
}

// Current returns a single fix, retrying transient failures with capped
// exponential backoff. A missing capability is returned immediately.
func (s *Sampler) Current(ctx context.Context) (geo.Position, error) {
	var (
		pos      geo.Position
		attempts int
	)
	op := func() error {
		attempts++
		if !s.platform.Available() {
			return backoff.Permanent(ErrNoCapability)
		}
		actx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		p, err := s.platform.CurrentPosition(actx)
		if errors.Is(err, ErrNoCapability) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		pos = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.log.Debug("geosampler: retrying fix", "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify)
	if errors.Is(err, ErrNoCapability) {
		return geo.Position{}, err
	}
	if err != nil {
		return geo.Position{}, fmt.Errorf("current position after %d attempts: %w", attempts, err)
	}
	return pos, nil
}

// Start begins continuous sampling. Only one watch may run per sampler.
func (s *Sampler) Start(onFix func(geo.Position), onErr func(error)) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return Handle{}, ErrAlreadyWatching
	}
	if !s.platform.Available() {
		return Handle{}, ErrNoCapability
	}
	if onErr == nil {
		onErr = func(err error) {
			s.log.Warn("geosampler: watch error", "error", err)
		}
	}
	stop, err := s.platform.Watch(onFix, onErr)
	if err != nil {
		return Handle{}, err
	}
	s.seq++
	s.current = s.seq
	s.stop = stop
	return Handle{id: s.seq}, nil
}

// Stop ends the watch identified by h. Stale or repeated handles are ignored.
func (s *Sampler) Stop(h Handle) {
	s.mu.Lock()
	if s.stop == nil || h.id != s.current {
		s.mu.Unlock()
		return
	}
	stop := s.stop
	s.stop = nil
	s.current = 0
	s.mu.Unlock()
	stop()
}

func (s *Sampler) Watching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}
