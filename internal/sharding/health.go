// Package sharding decides which capacity shard a request should try.
// Nothing here holds capacity: the monitor and selector produce hints from
// cached listings and the splitter produces plans from a fresh snapshot.
// Admission is always decided by the ledger's conditional increment.
package sharding

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/iliyamo/ticket-capacity/internal/cache"
	"github.com/iliyamo/ticket-capacity/internal/model"
	"github.com/iliyamo/ticket-capacity/internal/repository"
)

// HealthMonitor lists shards with spare room, reading through the
// availability cache.
type HealthMonitor struct {
	ledger   repository.Ledger
	ttLedger repository.TicketTypeLedger
	cache    *cache.AvailabilityCache
	ttl      time.Duration
}

// NewHealthMonitor returns a monitor whose listings live for ttl in the
// shared cache tier.
func NewHealthMonitor(store repository.Store, c *cache.AvailabilityCache, ttl time.Duration) *HealthMonitor {
	return &HealthMonitor{
		ledger:   store.Ledger(),
		ttLedger: store.TicketTypeLedger(),
		cache:    c,
		ttl:      ttl,
	}
}

// AvailableShards returns ids of shards with current < max, ascending.
// With a ticket type only that type's bounded shards are considered;
// unbounded rows never appear.
func (m *HealthMonitor) AvailableShards(ctx context.Context, slot model.Slot, ticketTypeID *int64) ([]int, error) {
	if ticketTypeID == nil {
		return cache.Fetch(ctx, m.cache, slot, m.cache.Key(slot, cache.KindShards), m.ttl,
			func(ctx context.Context) ([]int, error) {
				return m.ledger.ListAvailable(ctx, slot)
			})
	}
	tt := *ticketTypeID
	return cache.Fetch(ctx, m.cache, slot, m.cache.Key(slot, cache.KindShards, strconv.FormatInt(tt, 10)), m.ttl,
		func(ctx context.Context) ([]int, error) {
			return m.ttLedger.ListAvailable(ctx, slot, tt)
		})
}

// TicketTypeBounded reports whether the ticket type has a finite cap on
// any shard of the slot.  A type with no per-type rows is not on sale and
// yields ErrNoShardsAvailable.
func (m *HealthMonitor) TicketTypeBounded(ctx context.Context, slot model.Slot, ticketTypeID int64) (bool, error) {
	shards, err := cache.Fetch(ctx, m.cache, slot, m.cache.Key(slot, cache.KindBounded, strconv.FormatInt(ticketTypeID, 10)), m.ttl,
		func(ctx context.Context) (model.TicketTypeShards, error) {
			return m.ttLedger.CountShards(ctx, slot, ticketTypeID)
		})
	if err != nil {
		return false, err
	}
	if shards.Rows == 0 {
		return false, fmt.Errorf("ticket type %d is not provisioned on %s: %w", ticketTypeID, slot, model.ErrNoShardsAvailable)
	}
	return shards.Bounded > 0, nil
}

// ShardsFor returns the candidate shards for one ticket type: its own
// bounded listing when it has a cap, otherwise the total-ledger listing.
func (m *HealthMonitor) ShardsFor(ctx context.Context, slot model.Slot, ticketTypeID int64) ([]int, error) {
	bounded, err := m.TicketTypeBounded(ctx, slot, ticketTypeID)
	if err != nil {
		return nil, err
	}
	if bounded {
		return m.AvailableShards(ctx, slot, &ticketTypeID)
	}
	return m.AvailableShards(ctx, slot, nil)
}
