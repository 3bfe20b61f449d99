// Package queue carries reservation lifecycle events over RabbitMQ: a
// publisher used by the reservation engine and the sweeper, and an audit
// consumer that appends every event to a log file.
package queue

import "time"

// Event types double as routing keys on the reservations exchange.
const (
	EventConfirmed = "reservation.confirmed"
	EventExpired   = "reservation.expired"
	EventCancelled = "reservation.cancelled"
)

// ReservationEvent is published after a reservation leaves PENDING.  It
// carries enough for downstream consumers to log, notify or reconcile
// without querying the primary database.
type ReservationEvent struct {
	Type          string    `json:"type"`
	ReservationID int64     `json:"reservation_id"`
	EventID       int64     `json:"event_id"`
	Date          string    `json:"date"`
	StartTime     string    `json:"start_time"`
	TicketCount   int       `json:"ticket_count"`
	PaymentRef    string    `json:"payment_ref,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
