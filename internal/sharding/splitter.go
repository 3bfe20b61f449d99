package sharding

import (
	"context"
	"fmt"

	"github.com/iliyamo/ticket-capacity/internal/model"
	"github.com/iliyamo/ticket-capacity/internal/repository"
)

// ShardRoom is the spare capacity of one shard in a snapshot.
type ShardRoom struct {
	ShardID   int
	Available int
}

// Splitter plans how to spread a quantity over several shards.  A plan is
// not a hold: applying it still goes through conditional increments,
// which may fail under contention.
type Splitter struct {
	ledger   repository.Ledger
	ttLedger repository.TicketTypeLedger
}

// NewSplitter returns a Splitter reading fresh snapshots from store.
func NewSplitter(store repository.Store) *Splitter {
	return &Splitter{ledger: store.Ledger(), ttLedger: store.TicketTypeLedger()}
}

// Plan allocates qty across the slot's shards in shard order.  With a
// ticket type only its bounded shards are used, each limited by the
// smaller of its own room and the total ledger's room on that shard.
func (s *Splitter) Plan(ctx context.Context, slot model.Slot, ticketTypeID *int64, qty int) ([]model.ShardAllocation, error) {
	if qty <= 0 {
		return nil, model.ErrInvalidQuantity
	}
	totals, err := s.ledger.ListShards(ctx, slot)
	if err != nil {
		return nil, err
	}
	var rooms []ShardRoom
	if ticketTypeID == nil {
		rooms = make([]ShardRoom, 0, len(totals))
		for _, sh := range totals {
			rooms = append(rooms, ShardRoom{ShardID: sh.ShardID, Available: sh.Available()})
		}
	} else {
		perType, err := s.ttLedger.ListShards(ctx, slot, *ticketTypeID)
		if err != nil {
			return nil, err
		}
		totalRoom := make(map[int]int, len(totals))
		for _, sh := range totals {
			totalRoom[sh.ShardID] = sh.Available()
		}
		for _, sh := range perType {
			if !sh.Bounded() {
				continue
			}
			rooms = append(rooms, ShardRoom{ShardID: sh.ShardID, Available: min(sh.Available(), totalRoom[sh.ShardID])})
		}
	}
	plan, err := Greedy(rooms, qty)
	if err != nil {
		return nil, fmt.Errorf("split %d units for %s: %w", qty, slot, err)
	}
	return plan, nil
}

// Greedy fills rooms in order, taking min(remaining, available) from each.
// It fails with model.ErrInsufficientCapacity when the rooms run out
// before qty is covered.
func Greedy(rooms []ShardRoom, qty int) ([]model.ShardAllocation, error) {
	remaining := qty
	var plan []model.ShardAllocation
	for _, r := range rooms {
		if remaining == 0 {
			break
		}
		if r.Available <= 0 {
			continue
		}
		take := min(remaining, r.Available)
		plan = append(plan, model.ShardAllocation{ShardID: r.ShardID, Quantity: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, fmt.Errorf("short by %d: %w", remaining, model.ErrInsufficientCapacity)
	}
	return plan, nil
}
