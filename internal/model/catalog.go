package model

// Event, EventTicketType and EventDate are owned by the catalog.  The
// capacity subsystem only reads them when shard rows are provisioned for a
// slot; how the catalog divides MaxTickets across shards is its own
// business.

// Event describes a sellable event.
//
// Fields:
//  ID         - events.id
//  Name       - events.name
//  MaxTickets - total capacity per slot
//  ShardCount - number of total-ledger shards per slot
type Event struct {
	ID         int64
	Name       string
	MaxTickets int
	ShardCount int
}

// EventTicketType caps one ticket type within an event.  A nil MaxPerType
// means the type is only limited by the event total.
type EventTicketType struct {
	EventID      int64
	TicketTypeID int64
	MaxPerType   *int
	ShardCount   int
}

// EventDate is one scheduled occurrence of an event.
type EventDate struct {
	EventID   int64
	Date      string
	StartTime string
}

// Slot returns the slot this date describes.
func (d EventDate) Slot() (Slot, error) {
	return ParseSlot(d.EventID, d.Date, d.StartTime)
}
