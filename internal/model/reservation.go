package model

import "time"

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "PENDING"
	StatusConfirmed ReservationStatus = "CONFIRMED"
	StatusExpired   ReservationStatus = "EXPIRED"
	StatusCancelled ReservationStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s ReservationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusExpired || s == StatusCancelled
}

// Reservation is a time-bounded hold on capacity for one slot.  It is
// created PENDING with ExpiresAt = now + TTL.  Only a PENDING reservation
// whose ExpiresAt is still in the future can be confirmed; only the expiry
// sweeper moves a PENDING reservation past ExpiresAt to EXPIRED.
//
// Fields:
//  ID         - reservations.id
//  Slot       - reservations.(event_id, date, start_time)
//  Status     - reservations.status
//  PaymentRef - reservations.payment_ref (nullable, set on confirmation)
//  CreatedAt  - reservations.created_at
//  ExpiresAt  - reservations.expires_at
//  UpdatedAt  - reservations.updated_at
type Reservation struct {
	ID         int64
	Slot       Slot
	Status     ReservationStatus
	PaymentRef *string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	UpdatedAt  time.Time
}

// Confirmable reports whether the reservation may still be confirmed at
// the given instant.
func (r *Reservation) Confirmable(now time.Time) bool {
	return r.Status == StatusPending && now.Before(r.ExpiresAt)
}

// TicketRequest is one line item of a reservation request.
type TicketRequest struct {
	TicketTypeID int64 `json:"ticketTypeId"`
	Quantity     int   `json:"quantity"`
}

// ReservationResult is what callers of the reservation engine get back.
type ReservationResult struct {
	ReservationID int64             `json:"reservationId"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	TicketCount   int               `json:"ticketCount"`
	Status        ReservationStatus `json:"status"`
}

// Availability is the read-only view of remaining capacity for a slot.
// ByTicketType lists only ticket types with a finite cap.
type Availability struct {
	Slot           Slot          `json:"slot"`
	TotalAvailable int           `json:"totalAvailable"`
	ByTicketType   map[int64]int `json:"byTicketType"`
}
