package model

import "time"

// Ticket is one unit of consumed capacity.  ShardID is the only durable
// record of which shard admitted the unit, so rollback on expiry reads it
// back to credit the right counter.
//
// Fields:
//  ID            - tickets.id
//  Slot          - tickets.(event_id, date, start_time)
//  TicketTypeID  - tickets.ticket_type_id
//  ReservationID - tickets.reservation_id
//  ShardID       - tickets.shard_id
//  CreatedAt     - tickets.created_at
type Ticket struct {
	ID            int64
	Slot          Slot
	TicketTypeID  int64
	ReservationID int64
	ShardID       int
	CreatedAt     time.Time
}

// TicketTypeShard groups tickets by ticket type and shard for the
// per-type ledger rollback.
type TicketTypeShard struct {
	TicketTypeID int64
	ShardID      int
}

// GroupByShard counts tickets per shard.
func GroupByShard(tickets []Ticket) map[int]int {
	out := make(map[int]int)
	for _, t := range tickets {
		out[t.ShardID]++
	}
	return out
}

// GroupByTicketTypeShard counts tickets per (ticket type, shard).
func GroupByTicketTypeShard(tickets []Ticket) map[TicketTypeShard]int {
	out := make(map[TicketTypeShard]int)
	for _, t := range tickets {
		out[TicketTypeShard{TicketTypeID: t.TicketTypeID, ShardID: t.ShardID}]++
	}
	return out
}
