package service

import (
	"context"
	"fmt"

	"github.com/iliyamo/ticket-capacity/internal/model"
	"github.com/iliyamo/ticket-capacity/internal/repository"
)

// SplitEvenly divides total into n parts whose sizes differ by at most
// one, larger parts first.
func SplitEvenly(total, n int) []int {
	if n <= 0 {
		return nil
	}
	parts := make([]int, n)
	base, extra := total/n, total%n
	for i := range parts {
		parts[i] = base
		if i < extra {
			parts[i]++
		}
	}
	return parts
}

// ProvisionSlot creates the counter rows of one slot from catalog data.
// The event total is spread over ev.ShardCount shards; a capped ticket
// type is spread over its own shard count, and a type without a cap gets
// NULL rows on every total shard so its consumption is still counted.
// Existing rows are left untouched.
func ProvisionSlot(ctx context.Context, store repository.Store, ev model.Event, types []model.EventTicketType, date model.EventDate) (model.Slot, error) {
	slot, err := date.Slot()
	if err != nil {
		return model.Slot{}, err
	}
	if ev.ShardCount <= 0 || ev.MaxTickets < 0 {
		return model.Slot{}, fmt.Errorf("%w: event %d needs a positive shard count", model.ErrInvalidRequest, ev.ID)
	}

	totals := make([]model.ShardCounter, 0, ev.ShardCount)
	for i, m := range SplitEvenly(ev.MaxTickets, ev.ShardCount) {
		totals = append(totals, model.ShardCounter{ShardID: i, Max: m})
	}

	var perType []model.TicketTypeShardCounter
	for _, tt := range types {
		if tt.MaxPerType == nil {
			for i := 0; i < ev.ShardCount; i++ {
				perType = append(perType, model.TicketTypeShardCounter{TicketTypeID: tt.TicketTypeID, ShardID: i})
			}
			continue
		}
		n := tt.ShardCount
		if n <= 0 || n > ev.ShardCount {
			n = ev.ShardCount
		}
		for i, m := range SplitEvenly(*tt.MaxPerType, n) {
			m := m
			perType = append(perType, model.TicketTypeShardCounter{TicketTypeID: tt.TicketTypeID, ShardID: i, Max: &m})
		}
	}

	err = store.WithTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if err := tx.Ledger().InsertShards(ctx, slot, totals); err != nil {
			return err
		}
		return tx.TicketTypeLedger().InsertShards(ctx, slot, perType)
	})
	if err != nil {
		return model.Slot{}, err
	}
	return slot, nil
}
