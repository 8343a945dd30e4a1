package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// Mappings stores change pairings under change:map:<newTicketId>.
type Mappings struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewMappings returns a mapping store.  A non-positive ttl keeps pairings
// until they are consumed.
func NewMappings(rdb redis.Cmdable, ttl time.Duration) *Mappings {
	return &Mappings{rdb: rdb, ttl: ttl}
}

func mappingKey(newTicketID uint64) string { return fmt.Sprintf("change:map:%d", newTicketID) }

// Put records a pairing.
func (m *Mappings) Put(ctx context.Context, cm model.ChangeMapping) error {
	ttl := m.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := m.rdb.Set(ctx, mappingKey(cm.NewTicketID), cm.Value(), ttl).Err(); err != nil {
		return fmt.Errorf("put change mapping %d: %w", cm.NewTicketID, err)
	}
	return nil
}

// Get returns the pairing of newTicketID.  ok is false when there is none;
// a payload that cannot be decoded is returned as model.ErrMalformedMapping.
func (m *Mappings) Get(ctx context.Context, newTicketID uint64) (cm model.ChangeMapping, ok bool, err error) {
	raw, err := m.rdb.Get(ctx, mappingKey(newTicketID)).Result()
	if errors.Is(err, redis.Nil) {
		return model.ChangeMapping{}, false, nil
	}
	if err != nil {
		return model.ChangeMapping{}, false, fmt.Errorf("get change mapping %d: %w", newTicketID, err)
	}
	cm, err = model.ParseChangeMapping(newTicketID, raw)
	if err != nil {
		return model.ChangeMapping{}, false, err
	}
	return cm, true, nil
}

// Delete removes the pairing of newTicketID.
func (m *Mappings) Delete(ctx context.Context, newTicketID uint64) error {
	if err := m.rdb.Del(ctx, mappingKey(newTicketID)).Err(); err != nil {
		return fmt.Errorf("delete change mapping %d: %w", newTicketID, err)
	}
	return nil
}
