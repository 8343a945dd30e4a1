package config

import (
	"os"
	"time"
)

// BookingConfig tunes the booking coordinators, the waitlist scheduler
// and the unpaid-order expiry sweep.
type BookingConfig struct {
	LockWait              time.Duration // how long a coordinator waits for a lock
	LockHold              time.Duration // lock lease once acquired
	LockSorted            bool          // acquire booking locks in key order
	DefaultUnitPriceCents int64         // price used when a bucket has no inventory row
	RefundWindow          time.Duration // refunds close this long before departure
	OrderCacheTTL         time.Duration
	ChangeMappingTTL      time.Duration // 0 keeps pairings until paid or cancelled
	WaitlistInterval      time.Duration
	WaitlistBatch         int
	UnpaidOrderTimeout    time.Duration // 0 disables the expiry sweep
	ExpirySweepInterval   time.Duration
	SeatsPerCarriage      int
	TimetableZone         *time.Location // zone of timetable stop offsets
}

// LoadBookingConfig reads the booking tunables, falling back to defaults.
func LoadBookingConfig() BookingConfig {
	c := BookingConfig{
		LockWait:              envDur("LOCK_WAIT", 5*time.Second),
		LockHold:              envDur("LOCK_HOLD", 30*time.Second),
		LockSorted:            envBool("LOCK_SORTED", false),
		DefaultUnitPriceCents: int64(envInt("DEFAULT_UNIT_PRICE_CENTS", 10000)),
		RefundWindow:          envDur("REFUND_WINDOW", 24*time.Hour),
		OrderCacheTTL:         envDur("ORDER_CACHE_TTL", 10*time.Minute),
		ChangeMappingTTL:      envDur("CHANGE_MAPPING_TTL", 0),
		WaitlistInterval:      envDur("WAITLIST_INTERVAL", 30*time.Second),
		WaitlistBatch:         envInt("WAITLIST_BATCH", 100),
		UnpaidOrderTimeout:    envDur("UNPAID_ORDER_TIMEOUT", 0),
		ExpirySweepInterval:   envDur("EXPIRY_SWEEP_INTERVAL", time.Minute),
		SeatsPerCarriage:      envInt("SEATS_PER_CARRIAGE", 80),
		TimetableZone:         envLocation("TIMETABLE_TZ", time.UTC),
	}
	if c.LockHold <= 0 {
		c.LockHold = 30 * time.Second
	}
	if c.LockWait < 0 {
		c.LockWait = 0
	}
	if c.WaitlistInterval <= 0 {
		c.WaitlistInterval = 30 * time.Second
	}
	if c.WaitlistBatch < 1 {
		c.WaitlistBatch = 100
	}
	if c.ExpirySweepInterval <= 0 {
		c.ExpirySweepInterval = time.Minute
	}
	if c.SeatsPerCarriage < 1 {
		c.SeatsPerCarriage = 80
	}
	c.ChangeMappingTTL = pairingTTL(c.ChangeMappingTTL, c.UnpaidOrderTimeout, c.ExpirySweepInterval)
	return c
}

// envLocation reads an IANA zone name; unknown names fall back to d.
func envLocation(k string, d *time.Location) *time.Location {
	name := os.Getenv(k)
	if name == "" {
		return d
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return d
	}
	return loc
}

// pairingTTL bounds the lifetime of a change pairing.  A pairing may only
// expire after the expiry sweep has had the chance to cancel its unpaid
// replacement order; without the sweep it never expires.
func pairingTTL(ttl, unpaid, sweep time.Duration) time.Duration {
	if ttl <= 0 || unpaid <= 0 {
		return 0
	}
	if floor := unpaid + 2*sweep; ttl < floor {
		return floor
	}
	return ttl
}

// DefaultBookingConfig returns the tunables used when nothing is set.
func DefaultBookingConfig() BookingConfig {
	return BookingConfig{
		LockWait:              5 * time.Second,
		LockHold:              30 * time.Second,
		DefaultUnitPriceCents: 10000,
		RefundWindow:          24 * time.Hour,
		OrderCacheTTL:         10 * time.Minute,
		WaitlistInterval:      30 * time.Second,
		WaitlistBatch:         100,
		ExpirySweepInterval:   time.Minute,
		SeatsPerCarriage:      80,
		TimetableZone:         time.UTC,
	}
}
