// Package lock implements named, TTL-bounded mutual exclusion on Redis.
//
// A lock is a key set with NX and a millisecond expiry whose value is a
// random owner token.  Release compares the token before deleting, so a
// caller whose hold time already ran out can never free a lock that
// another request has since acquired.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// KeyPrefix namespaces every lock key.
const KeyPrefix = "lock:"

// ErrNotHeld is returned by Unlock when the lock expired or belongs to
// someone else.
var ErrNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Lock is a held lock.  The zero value is never held.
type Lock struct {
	Key   string
	token string
}

// Locker acquires and releases locks.
type Locker struct {
	rdb   redis.Cmdable
	log   *logrus.Logger
	retry time.Duration
}

// New returns a Locker polling every 25ms while waiting.
func New(rdb redis.Cmdable, log *logrus.Logger) *Locker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Locker{rdb: rdb, log: log, retry: 25 * time.Millisecond}
}

// TryLock tries to acquire key for at most wait, holding it for hold once
// acquired.  Timeouts, cancellation and Redis errors all report false.
func (l *Locker) TryLock(ctx context.Context, key string, wait, hold time.Duration) (*Lock, bool) {
	full := KeyPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.rdb.SetNX(ctx, full, token, hold).Result()
		if err != nil {
			l.log.WithError(err).WithField("lock_key", full).Warn("lock acquire failed")
			return nil, false
		}
		if ok {
			return &Lock{Key: full, token: token}, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		t := time.NewTimer(min(l.retry, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false
		case <-t.C:
		}
	}
}

// Unlock releases lk if the caller still holds it.  A nil lock is a no-op.
// Release is attempted even when ctx is already cancelled.
func (l *Locker) Unlock(ctx context.Context, lk *Lock) error {
	if lk == nil || lk.token == "" {
		return nil
	}
	n, err := releaseScript.Run(context.WithoutCancel(ctx), l.rdb, []string{lk.Key}, lk.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", lk.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", lk.Key, ErrNotHeld)
	}
	lk.token = ""
	return nil
}

// Key builders for the coordinators.

func BookingKey(trainID uint64, date string, carriageTypeID uint64) string {
	return fmt.Sprintf("booking:%d:%s:%d", trainID, date, carriageTypeID)
}

func RefundKey(orderID uint64) string { return fmt.Sprintf("refund:%d", orderID) }

func ChangeKey(orderID uint64) string { return fmt.Sprintf("change:%d", orderID) }

func PayKey(orderID uint64) string { return fmt.Sprintf("pay:%d", orderID) }

func CancelKey(orderID uint64) string { return fmt.Sprintf("cancel:%d", orderID) }

func WaitlistKey(waitlistOrderID uint64) string { return fmt.Sprintf("waitlist:%d", waitlistOrderID) }

// SweepKey serializes waitlist sweeps across instances.
const SweepKey = "waitlist:sweep"
