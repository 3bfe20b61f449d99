package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/ticket-capacity/internal/model"
)

const (
	sqlListTicketsByReservation = `SELECT id, event_id, date, start_time, ticket_type_id, reservation_id, shard_id, created_at
		FROM tickets WHERE reservation_id = ? ORDER BY id`

	sqlCountTicketsByReservation = `SELECT COUNT(*) FROM tickets WHERE reservation_id = ?`
)

// TicketRepo persists tickets.  A ticket row is the only record of which
// shard admitted a unit, so rollback paths read tickets back to decide
// which counters to credit.
type TicketRepo struct {
	db DBTX
}

// NewTicketRepo returns a TicketRepo bound to db.
func NewTicketRepo(db DBTX) *TicketRepo { return &TicketRepo{db: db} }

// CreateBulk inserts all tickets in a single statement.  Passing an empty
// slice has no effect and returns nil.
func (r *TicketRepo) CreateBulk(ctx context.Context, tickets []model.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO tickets (event_id, date, start_time, ticket_type_id, reservation_id, shard_id, created_at) VALUES ")
	args := make([]any, 0, len(tickets)*7)
	for i, t := range tickets {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		created := t.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		args = append(args, t.Slot.EventID, t.Slot.Date, t.Slot.StartTime, t.TicketTypeID, t.ReservationID, t.ShardID, created.UTC())
	}
	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("tickets: bulk insert %d rows: %w", len(tickets), err)
	}
	return nil
}

// ListByReservation returns every ticket of the reservation.
func (r *TicketRepo) ListByReservation(ctx context.Context, reservationID int64) ([]model.Ticket, error) {
	rows, err := r.db.QueryContext(ctx, sqlListTicketsByReservation, reservationID)
	if err != nil {
		return nil, fmt.Errorf("tickets: list for reservation %d: %w", reservationID, err)
	}
	defer rows.Close()
	var out []model.Ticket
	for rows.Next() {
		var (
			t         model.Ticket
			eventID   int64
			date      time.Time
			startTime string
		)
		if err := rows.Scan(&t.ID, &eventID, &date, &startTime, &t.TicketTypeID, &t.ReservationID, &t.ShardID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Slot, err = model.SlotFromColumns(eventID, date, startTime); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TicketRepo) CountByReservation(ctx context.Context, reservationID int64) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, sqlCountTicketsByReservation, reservationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("tickets: count for reservation %d: %w", reservationID, err)
	}
	return n, nil
}
