package config

import "time"

// Allocation strategies for a reservation line item.
const (
	AllocationSelect = "select"
	AllocationSplit  = "split"
)

// CacheConfig tunes the availability cache tiers.  ShardTTL and
// AvailabilityTTL bound the Redis entries; LocalTTL bounds the in-process
// LRU.
type CacheConfig struct {
	Prefix          string
	LocalSize       int
	LocalTTL        time.Duration
	ShardTTL        time.Duration
	AvailabilityTTL time.Duration
}

// LoadCacheConfig reads CACHE_PREFIX, LOCAL_CACHE_SIZE, LOCAL_CACHE_TTL,
// SHARD_CACHE_TTL and AVAILABILITY_CACHE_TTL.
func LoadCacheConfig() CacheConfig {
	c := CacheConfig{
		Prefix:          envStr("CACHE_PREFIX", "capacity"),
		LocalSize:       envInt("LOCAL_CACHE_SIZE", 10000),
		LocalTTL:        envDur("LOCAL_CACHE_TTL", 2*time.Second),
		ShardTTL:        envDur("SHARD_CACHE_TTL", 5*time.Second),
		AvailabilityTTL: envDur("AVAILABILITY_CACHE_TTL", 2*time.Second),
	}
	if c.LocalSize < 1 {
		c.LocalSize = 1
	}
	if c.LocalTTL <= 0 {
		c.LocalTTL = 2 * time.Second
	}
	return c
}

// ReservationConfig drives the reservation engine.
type ReservationConfig struct {
	TTL         time.Duration
	Selection   string // round_robin | random
	MaxAttempts int
	Allocation  string // select | split
}

// LoadReservationConfig reads RESERVATION_TTL, SHARD_SELECTION,
// SHARD_MAX_ATTEMPTS and RESERVATION_ALLOCATION.
func LoadReservationConfig() ReservationConfig {
	c := ReservationConfig{
		TTL:         envDur("RESERVATION_TTL", 60*time.Second),
		Selection:   envStr("SHARD_SELECTION", "round_robin"),
		MaxAttempts: envInt("SHARD_MAX_ATTEMPTS", 3),
		Allocation:  envStr("RESERVATION_ALLOCATION", AllocationSelect),
	}
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Allocation != AllocationSplit {
		c.Allocation = AllocationSelect
	}
	return c
}

// SweeperConfig drives the expiry sweeper.
type SweeperConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
	BatchSize    int
}

// LoadSweeperConfig reads SWEEP_INITIAL_DELAY, SWEEP_INTERVAL and
// SWEEP_BATCH_SIZE.
func LoadSweeperConfig() SweeperConfig {
	c := SweeperConfig{
		InitialDelay: envDur("SWEEP_INITIAL_DELAY", 30*time.Second),
		Interval:     envDur("SWEEP_INTERVAL", 10*time.Second),
		BatchSize:    envInt("SWEEP_BATCH_SIZE", 100),
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.BatchSize < 1 {
		c.BatchSize = 100
	}
	return c
}
