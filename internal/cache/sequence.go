package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sequence generates order numbers of the form yyyymmdd followed by an
// eight digit daily counter.
type Sequence struct {
	rdb redis.Cmdable
	now func() time.Time
}

// NewSequence returns a Sequence reading the date from now.
func NewSequence(rdb redis.Cmdable, now func() time.Time) *Sequence {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sequence{rdb: rdb, now: now}
}

// Next returns a new order number with prefix prepended.
func (s *Sequence) Next(ctx context.Context, prefix string) (string, error) {
	day := s.now().UTC().Format("20060102")
	key := "seq:order:" + day
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("order sequence: %w", err)
	}
	if n == 1 {
		// Keep the counter only until the day has rolled over.
		_ = s.rdb.Expire(ctx, key, 48*time.Hour).Err()
	}
	return fmt.Sprintf("%s%s%08d", prefix, day, n), nil
}
