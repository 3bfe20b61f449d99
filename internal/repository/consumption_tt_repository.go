package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/iliyamo/ticket-capacity/internal/model"
)

const (
	sqlIncrementTTShard = `UPDATE consumption_tt
		SET shard_current = shard_current + ?, updated_at = UTC_TIMESTAMP()
		WHERE event_id = ? AND date = ? AND start_time = ? AND ticket_type_id = ? AND shard_id = ?
		AND (shard_max IS NULL OR shard_current + ? <= shard_max)`

	sqlDecrementTTShard = `UPDATE consumption_tt
		SET shard_current = GREATEST(0, shard_current - ?), updated_at = UTC_TIMESTAMP()
		WHERE event_id = ? AND date = ? AND start_time = ? AND ticket_type_id = ? AND shard_id = ?`

	sqlListAvailableTTShards = `SELECT shard_id FROM consumption_tt
		WHERE event_id = ? AND date = ? AND start_time = ? AND ticket_type_id = ?
		AND shard_max IS NOT NULL AND shard_current < shard_max
		ORDER BY shard_id`

	sqlListTTShards = `SELECT ticket_type_id, shard_id, shard_current, shard_max FROM consumption_tt
		WHERE event_id = ? AND date = ? AND start_time = ? AND ticket_type_id = ?
		ORDER BY shard_id`

	sqlAvailableByTicketType = `SELECT ticket_type_id, COALESCE(SUM(shard_max - shard_current), 0) FROM consumption_tt
		WHERE event_id = ? AND date = ? AND start_time = ? AND shard_max IS NOT NULL
		GROUP BY ticket_type_id`

	sqlCountTTShards = `SELECT COUNT(*), COUNT(shard_max) FROM consumption_tt
		WHERE event_id = ? AND date = ? AND start_time = ? AND ticket_type_id = ?`
)

// ConsumptionTTRepo is the per-ticket-type ledger.  Rows with a NULL
// shard_max exist only to count consumption; they never refuse an
// increment and never show up in availability listings.
type ConsumptionTTRepo struct {
	db DBTX
}

// NewConsumptionTTRepo returns a ConsumptionTTRepo bound to db.
func NewConsumptionTTRepo(db DBTX) *ConsumptionTTRepo { return &ConsumptionTTRepo{db: db} }

func (r *ConsumptionTTRepo) TryIncrement(ctx context.Context, slot model.Slot, ticketTypeID int64, shardID, qty int) (int64, error) {
	if qty <= 0 {
		return 0, model.ErrInvalidQuantity
	}
	res, err := r.db.ExecContext(ctx, sqlIncrementTTShard,
		qty, slot.EventID, slot.Date, slot.StartTime, ticketTypeID, shardID, qty)
	if err != nil {
		return 0, fmt.Errorf("consumption_tt: increment type %d shard %d of %s: %w", ticketTypeID, shardID, slot, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("consumption_tt: increment rows affected: %w", err)
	}
	return n, nil
}

func (r *ConsumptionTTRepo) Decrement(ctx context.Context, slot model.Slot, ticketTypeID int64, shardID, qty int) error {
	if qty <= 0 {
		return model.ErrInvalidQuantity
	}
	if _, err := r.db.ExecContext(ctx, sqlDecrementTTShard,
		qty, slot.EventID, slot.Date, slot.StartTime, ticketTypeID, shardID); err != nil {
		return fmt.Errorf("consumption_tt: decrement type %d shard %d of %s: %w", ticketTypeID, shardID, slot, err)
	}
	return nil
}

// ListAvailable returns bounded shards of the ticket type with spare room.
func (r *ConsumptionTTRepo) ListAvailable(ctx context.Context, slot model.Slot, ticketTypeID int64) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, sqlListAvailableTTShards, slot.EventID, slot.Date, slot.StartTime, ticketTypeID)
	if err != nil {
		return nil, fmt.Errorf("consumption_tt: list available type %d for %s: %w", ticketTypeID, slot, err)
	}
	defer rows.Close()
	ids := make([]int, 0, 8)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ConsumptionTTRepo) ListShards(ctx context.Context, slot model.Slot, ticketTypeID int64) ([]model.TicketTypeShardCounter, error) {
	rows, err := r.db.QueryContext(ctx, sqlListTTShards, slot.EventID, slot.Date, slot.StartTime, ticketTypeID)
	if err != nil {
		return nil, fmt.Errorf("consumption_tt: list shards type %d for %s: %w", ticketTypeID, slot, err)
	}
	defer rows.Close()
	var out []model.TicketTypeShardCounter
	for rows.Next() {
		var (
			c      model.TicketTypeShardCounter
			maxCap sql.NullInt64
		)
		if err := rows.Scan(&c.TicketTypeID, &c.ShardID, &c.Current, &maxCap); err != nil {
			return nil, err
		}
		if maxCap.Valid {
			m := int(maxCap.Int64)
			c.Max = &m
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AvailableByTicketType returns remaining room per bounded ticket type.
func (r *ConsumptionTTRepo) AvailableByTicketType(ctx context.Context, slot model.Slot) (map[int64]int, error) {
	rows, err := r.db.QueryContext(ctx, sqlAvailableByTicketType, slot.EventID, slot.Date, slot.StartTime)
	if err != nil {
		return nil, fmt.Errorf("consumption_tt: availability for %s: %w", slot, err)
	}
	defer rows.Close()
	out := make(map[int64]int)
	for rows.Next() {
		var (
			tt    int64
			avail int
		)
		if err := rows.Scan(&tt, &avail); err != nil {
			return nil, err
		}
		out[tt] = avail
	}
	return out, rows.Err()
}

// CountShards returns how many rows the ticket type has on the slot and
// how many of them carry a cap.
func (r *ConsumptionTTRepo) CountShards(ctx context.Context, slot model.Slot, ticketTypeID int64) (model.TicketTypeShards, error) {
	var out model.TicketTypeShards
	err := r.db.QueryRowContext(ctx, sqlCountTTShards, slot.EventID, slot.Date, slot.StartTime, ticketTypeID).
		Scan(&out.Rows, &out.Bounded)
	if err != nil {
		return model.TicketTypeShards{}, fmt.Errorf("consumption_tt: count shards of type %d for %s: %w", ticketTypeID, slot, err)
	}
	return out, nil
}

func (r *ConsumptionTTRepo) InsertShards(ctx context.Context, slot model.Slot, shards []model.TicketTypeShardCounter) error {
	if len(shards) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT IGNORE INTO consumption_tt (event_id, date, start_time, ticket_type_id, shard_id, shard_current, shard_max, updated_at) VALUES ")
	args := make([]any, 0, len(shards)*7)
	for i, s := range shards {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, UTC_TIMESTAMP())")
		var maxCap any
		if s.Max != nil {
			maxCap = *s.Max
		}
		args = append(args, slot.EventID, slot.Date, slot.StartTime, s.TicketTypeID, s.ShardID, s.Current, maxCap)
	}
	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("consumption_tt: insert shards for %s: %w", slot, err)
	}
	return nil
}
