package model

import "errors"

// Domain errors.  Callers compare with errors.Is; lower layers wrap these
// with fmt.Errorf("...: %w") to attach the slot, shard or reservation
// involved.
var (
	// ErrInsufficientCapacity is returned when a conditional increment or a
	// split plan cannot satisfy the requested quantity.
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	// ErrNoShardsAvailable is returned when the health monitor reports no
	// shard with spare room for the slot.
	ErrNoShardsAvailable = errors.New("no shards available")
	// ErrReservationNotFound is returned when no reservation has the given id.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrInvalidOperation is returned for state transitions that are not
	// allowed, e.g. confirming a reservation that is no longer pending.
	ErrInvalidOperation = errors.New("invalid operation")

	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	ErrInvalidRequest  = errors.New("invalid request")
)

// IsConflict reports whether err means the request lost against the
// remaining capacity.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, ErrNoShardsAvailable)
}

// IsNotFound reports whether err means the addressed entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReservationNotFound)
}

// IsInvalid reports whether err was caused by the caller's input or by an
// illegal state transition.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidRequest)
}
