package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-capacity/internal/model"
)

const (
	reservationColumns = `id, event_id, date, start_time, status, payment_ref, created_at, expires_at, updated_at`

	sqlInsertReservation = `INSERT INTO reservations (event_id, date, start_time, status, created_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlSelectReservation = `SELECT ` + reservationColumns + ` FROM reservations WHERE id = ?`

	sqlSelectReservationForUpdate = sqlSelectReservation + ` FOR UPDATE`

	sqlConfirmReservation = `UPDATE reservations
		SET status = 'CONFIRMED', payment_ref = ?, updated_at = UTC_TIMESTAMP()
		WHERE id = ? AND status = 'PENDING' AND expires_at > ?`

	sqlListExpiredReservations = `SELECT id FROM reservations
		WHERE status = 'PENDING' AND expires_at < ?
		ORDER BY expires_at
		LIMIT ?`

	// A candidate locked by another sweeper (or by a confirm in flight) is
	// skipped rather than waited on.
	sqlClaimExpiredReservation = `SELECT ` + reservationColumns + ` FROM reservations
		WHERE id = ? AND status = 'PENDING' AND expires_at < ?
		FOR UPDATE SKIP LOCKED`

	sqlMarkReservationExpired = `UPDATE reservations
		SET status = 'EXPIRED', updated_at = UTC_TIMESTAMP()
		WHERE id = ? AND status = 'PENDING'`

	sqlMarkReservationCancelled = `UPDATE reservations
		SET status = 'CANCELLED', updated_at = UTC_TIMESTAMP()
		WHERE id = ? AND status = 'PENDING'`
)

// ReservationRepo persists reservations.  Every status transition is a
// conditional UPDATE on status = 'PENDING'; callers inspect the returned
// row count to learn whether they won the transition.
type ReservationRepo struct {
	db DBTX
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db DBTX) *ReservationRepo { return &ReservationRepo{db: db} }

// Create inserts res and populates its generated ID.  Status, CreatedAt and
// ExpiresAt must already be set by the caller.
func (r *ReservationRepo) Create(ctx context.Context, res *model.Reservation) error {
	if res.UpdatedAt.IsZero() {
		res.UpdatedAt = res.CreatedAt
	}
	result, err := r.db.ExecContext(ctx, sqlInsertReservation,
		res.Slot.EventID, res.Slot.Date, res.Slot.StartTime, string(res.Status),
		res.CreatedAt.UTC(), res.ExpiresAt.UTC(), res.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("reservations: insert for %s: %w", res.Slot, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reservations: last insert id: %w", err)
	}
	res.ID = id
	return nil
}

// Get loads one reservation.  It returns model.ErrReservationNotFound when
// no row matches.
func (r *ReservationRepo) Get(ctx context.Context, id int64) (*model.Reservation, error) {
	return r.selectOne(ctx, sqlSelectReservation, id)
}

// GetForUpdate loads one reservation and locks its row until the
// surrounding transaction ends.
func (r *ReservationRepo) GetForUpdate(ctx context.Context, id int64) (*model.Reservation, error) {
	return r.selectOne(ctx, sqlSelectReservationForUpdate, id)
}

// Confirm moves a PENDING, unexpired reservation to CONFIRMED.  It returns
// the number of rows changed; zero means the reservation was not eligible
// at the time of the write.
func (r *ReservationRepo) Confirm(ctx context.Context, id int64, paymentRef string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, sqlConfirmReservation, paymentRef, id, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("reservations: confirm %d: %w", id, err)
	}
	return result.RowsAffected()
}

// ListExpired returns up to limit ids of PENDING reservations whose hold
// ended before now, oldest first.
func (r *ReservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, sqlListExpiredReservations, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("reservations: list expired: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimExpired locks the reservation for expiry.  It returns nil with no
// error when the row is no longer an expired PENDING reservation or is
// locked by someone else.
func (r *ReservationRepo) ClaimExpired(ctx context.Context, id int64, now time.Time) (*model.Reservation, error) {
	res, err := r.selectOne(ctx, sqlClaimExpiredReservation, id, now.UTC())
	if errors.Is(err, model.ErrReservationNotFound) {
		return nil, nil
	}
	return res, err
}

// MarkExpired moves a PENDING reservation to EXPIRED.
func (r *ReservationRepo) MarkExpired(ctx context.Context, id int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, sqlMarkReservationExpired, id)
	if err != nil {
		return 0, fmt.Errorf("reservations: mark expired %d: %w", id, err)
	}
	return result.RowsAffected()
}

// MarkCancelled moves a PENDING reservation to CANCELLED.
func (r *ReservationRepo) MarkCancelled(ctx context.Context, id int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, sqlMarkReservationCancelled, id)
	if err != nil {
		return 0, fmt.Errorf("reservations: mark cancelled %d: %w", id, err)
	}
	return result.RowsAffected()
}

func (r *ReservationRepo) selectOne(ctx context.Context, query string, args ...any) (*model.Reservation, error) {
	var (
		res        model.Reservation
		eventID    int64
		date       time.Time
		startTime  string
		status     string
		paymentRef sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&res.ID, &eventID, &date, &startTime, &status, &paymentRef,
		&res.CreatedAt, &res.ExpiresAt, &res.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %v: %w", args[0], model.ErrReservationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reservations: select: %w", err)
	}
	slot, err := model.SlotFromColumns(eventID, date, startTime)
	if err != nil {
		return nil, err
	}
	res.Slot = slot
	res.Status = model.ReservationStatus(status)
	if paymentRef.Valid {
		pr := paymentRef.String
		res.PaymentRef = &pr
	}
	return &res, nil
}
