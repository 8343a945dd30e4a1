// Package stock keeps the hot seat counts of every inventory bucket in
// Redis.  Decrements and increments run as single Lua scripts so there is
// no read-modify-write window between concurrent bookings.
package stock

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// Code is the status returned by the stock scripts.  Only CodeOK means the
// count changed.
type Code int64

const (
	CodeOK              Code = 1
	CodeInsufficient    Code = 0
	CodeMissing         Code = -1
	CodeInvalidQuantity Code = -2
	CodeCorrupt         Code = -3
)

// OK reports whether the script applied the change.
func (c Code) OK() bool { return c == CodeOK }

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInsufficient:
		return "insufficient stock"
	case CodeMissing:
		return "stock key missing"
	case CodeInvalidQuantity:
		return "invalid quantity"
	case CodeCorrupt:
		return "corrupt stock value"
	}
	return "unknown stock error (" + strconv.FormatInt(int64(c), 10) + ")"
}

// Both scripts share the same validation prologue: quantity must be a
// positive integer and the stored value a non-negative integer.
const prologue = `
	local qty = tonumber(ARGV[1])
	if qty == nil or qty <= 0 or qty ~= math.floor(qty) then
		return -2
	end
	local raw = redis.call('GET', KEYS[1])
	if raw == false then
		return -1
	end
	local cur = tonumber(raw)
	if cur == nil or cur < 0 or cur ~= math.floor(cur) then
		return -3
	end
`

var decrScript = redis.NewScript(prologue + `
	if cur < qty then
		return 0
	end
	redis.call('DECRBY', KEYS[1], qty)
	return 1
`)

var incrScript = redis.NewScript(prologue + `
	redis.call('INCRBY', KEYS[1], qty)
	return 1
`)

// Store reads and mutates stock counters.
type Store struct {
	rdb redis.Cmdable
}

// NewStore returns a Store bound to the given Redis client.
func NewStore(rdb redis.Cmdable) *Store { return &Store{rdb: rdb} }

// Decr atomically takes qty seats from key.
func (s *Store) Decr(ctx context.Context, key model.StockKey, qty int64) (Code, error) {
	return s.run(ctx, decrScript, key, qty)
}

// Incr atomically returns qty seats to key.  A missing key is not created.
func (s *Store) Incr(ctx context.Context, key model.StockKey, qty int64) (Code, error) {
	return s.run(ctx, incrScript, key, qty)
}

func (s *Store) run(ctx context.Context, script *redis.Script, key model.StockKey, qty int64) (Code, error) {
	res, err := script.Run(ctx, s.rdb, []string{key.String()}, qty).Int64()
	if err != nil {
		return 0, fmt.Errorf("stock script %s: %w", key, err)
	}
	return Code(res), nil
}

// Get returns the current count of key.  ok is false when the key has not
// been populated yet.
func (s *Store) Get(ctx context.Context, key model.StockKey) (n int64, ok bool, err error) {
	n, err = s.rdb.Get(ctx, key.String()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stock get %s: %w", key, err)
	}
	return n, true, nil
}

// Set overwrites the count of key.
func (s *Store) Set(ctx context.Context, key model.StockKey, n int64) error {
	if err := s.rdb.Set(ctx, key.String(), n, 0).Err(); err != nil {
		return fmt.Errorf("stock set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent populates key from the durable inventory unless another
// request already did.  It reports whether the value was written.
func (s *Store) SetIfAbsent(ctx context.Context, key model.StockKey, n int64) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key.String(), n, 0).Result()
	if err != nil {
		return false, fmt.Errorf("stock setnx %s: %w", key, err)
	}
	return ok, nil
}
