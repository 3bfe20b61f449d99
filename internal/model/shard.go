package model

// ShardCounter is one row of the total capacity ledger (the consumption
// table).  Current never exceeds Max; that invariant is enforced by the
// conditional UPDATE in the repository, not by any lock.
//
// Fields:
//  ShardID - consumption.shard_id
//  Current - consumption.shard_current
//  Max     - consumption.shard_max
type ShardCounter struct {
	ShardID int `json:"shardId"`
	Current int `json:"current"`
	Max     int `json:"max"`
}

// Available returns the remaining room on the shard, never negative.
func (c ShardCounter) Available() int {
	if c.Max <= c.Current {
		return 0
	}
	return c.Max - c.Current
}

// TicketTypeShardCounter is one row of the per-ticket-type ledger
// (consumption_tt).  A nil Max means the ticket type has no cap of its own
// on this shard and only the total ledger applies.
type TicketTypeShardCounter struct {
	TicketTypeID int64 `json:"ticketTypeId"`
	ShardID      int   `json:"shardId"`
	Current      int   `json:"current"`
	Max          *int  `json:"max,omitempty"`
}

// Bounded reports whether the row carries a finite cap.
func (c TicketTypeShardCounter) Bounded() bool { return c.Max != nil }

// Available returns the remaining room on a bounded row.  Unbounded rows
// report zero because their room is whatever the total ledger allows.
func (c TicketTypeShardCounter) Available() int {
	if c.Max == nil || *c.Max <= c.Current {
		return 0
	}
	return *c.Max - c.Current
}

// TicketTypeShards summarizes how a ticket type is provisioned on a slot:
// how many per-type rows exist and how many of them carry a cap.  A type
// with no rows at all is not sold on the slot.
type TicketTypeShards struct {
	Rows    int `json:"rows"`
	Bounded int `json:"bounded"`
}

// ShardAllocation is one step of a split plan: take Quantity units from
// ShardID.
type ShardAllocation struct {
	ShardID  int `json:"shardId"`
	Quantity int `json:"quantity"`
}
