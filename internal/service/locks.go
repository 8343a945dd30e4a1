package service

import (
	"context"

	"github.com/iliyamo/train-ticket-booking/internal/lock"
)

// lockSet tracks the locks one coordinator call holds.  Acquiring a key
// that is already held is a no-op, so a request touching the same bucket
// twice takes and releases its lock once.
type lockSet struct {
	d    *Deps
	op   string
	held map[string]*lock.Lock
	keys []string
}

func newLockSet(d *Deps, op string) *lockSet {
	return &lockSet{d: d, op: op, held: map[string]*lock.Lock{}}
}

func (s *lockSet) acquire(ctx context.Context, key string) bool {
	if _, ok := s.held[key]; ok {
		return true
	}
	lk, ok := s.d.Locks.TryLock(ctx, key, s.d.Config.LockWait, s.d.Config.LockHold)
	if !ok {
		s.d.Metrics.LockFailures.WithLabelValues(s.op).Inc()
		s.d.Log.WithField("lock_key", key).WithField("op", s.op).Info("lock not acquired")
		return false
	}
	s.held[key] = lk
	s.keys = append(s.keys, key)
	return true
}

// tryAcquire is acquire without waiting.
func (s *lockSet) tryAcquire(ctx context.Context, key string) bool {
	if _, ok := s.held[key]; ok {
		return true
	}
	lk, ok := s.d.Locks.TryLock(ctx, key, 0, s.d.Config.LockHold)
	if !ok {
		return false
	}
	s.held[key] = lk
	s.keys = append(s.keys, key)
	return true
}

// release frees one held key.
func (s *lockSet) release(ctx context.Context, key string) {
	lk, ok := s.held[key]
	if !ok {
		return
	}
	delete(s.held, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	if err := s.d.Locks.Unlock(ctx, lk); err != nil {
		s.d.Log.WithError(err).WithField("lock_key", key).Warn("lock release failed")
	}
}

// releaseAll frees every held lock in reverse acquisition order.  It is
// safe to call more than once.
func (s *lockSet) releaseAll(ctx context.Context) {
	for i := len(s.keys) - 1; i >= 0; i-- {
		key := s.keys[i]
		if err := s.d.Locks.Unlock(ctx, s.held[key]); err != nil {
			s.d.Log.WithError(err).WithField("lock_key", key).Warn("lock release failed")
		}
		delete(s.held, key)
	}
	s.keys = nil
}
