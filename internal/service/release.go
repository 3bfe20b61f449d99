package service

import (
	"context"
	"sort"

	"github.com/iliyamo/ticket-capacity/internal/model"
	"github.com/iliyamo/ticket-capacity/internal/repository"
)

// releaseCapacity credits back every unit held by r on the shard that
// admitted it, reading the shard ids from the reservation's tickets.  Rows
// are touched in ascending key order so two concurrent releases lock them
// in the same sequence.  It returns the number of tickets released.
func releaseCapacity(ctx context.Context, tx repository.Store, r *model.Reservation) (int, error) {
	tickets, err := tx.Tickets().ListByReservation(ctx, r.ID)
	if err != nil {
		return 0, err
	}

	byShard := model.GroupByShard(tickets)
	shards := make([]int, 0, len(byShard))
	for id := range byShard {
		shards = append(shards, id)
	}
	sort.Ints(shards)
	for _, id := range shards {
		if err := tx.Ledger().Decrement(ctx, r.Slot, id, byShard[id]); err != nil {
			return 0, err
		}
	}

	byType := model.GroupByTicketTypeShard(tickets)
	keys := make([]model.TicketTypeShard, 0, len(byType))
	for k := range byType {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TicketTypeID != keys[j].TicketTypeID {
			return keys[i].TicketTypeID < keys[j].TicketTypeID
		}
		return keys[i].ShardID < keys[j].ShardID
	})
	for _, k := range keys {
		if err := tx.TicketTypeLedger().Decrement(ctx, r.Slot, k.TicketTypeID, k.ShardID, byType[k]); err != nil {
			return 0, err
		}
	}
	return len(tickets), nil
}
