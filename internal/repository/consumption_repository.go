package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/iliyamo/ticket-capacity/internal/model"
)

const (
	sqlIncrementShard = `UPDATE consumption
		SET shard_current = shard_current + ?, updated_at = UTC_TIMESTAMP()
		WHERE event_id = ? AND date = ? AND start_time = ? AND shard_id = ?
		AND shard_current + ? <= shard_max`

	sqlDecrementShard = `UPDATE consumption
		SET shard_current = GREATEST(0, shard_current - ?), updated_at = UTC_TIMESTAMP()
		WHERE event_id = ? AND date = ? AND start_time = ? AND shard_id = ?`

	sqlListAvailableShards = `SELECT shard_id FROM consumption
		WHERE event_id = ? AND date = ? AND start_time = ? AND shard_current < shard_max
		ORDER BY shard_id`

	sqlListShards = `SELECT shard_id, shard_current, shard_max FROM consumption
		WHERE event_id = ? AND date = ? AND start_time = ?
		ORDER BY shard_id`

	sqlTotalAvailable = `SELECT COALESCE(SUM(shard_max - shard_current), 0) FROM consumption
		WHERE event_id = ? AND date = ? AND start_time = ?`
)

// ConsumptionRepo is the total-capacity ledger.  Each slot is divided into
// shards; a unit of capacity is admitted by a single conditional UPDATE on
// one shard row, so concurrent buyers only contend on the shard they hit
// and never on a slot-wide row.
type ConsumptionRepo struct {
	db DBTX
}

// NewConsumptionRepo returns a ConsumptionRepo bound to db.
func NewConsumptionRepo(db DBTX) *ConsumptionRepo { return &ConsumptionRepo{db: db} }

// TryIncrement adds qty to the shard iff the result stays within
// shard_max.  It returns the number of rows changed: 1 on admission, 0
// when the shard lacks room (or does not exist).  A zero result is not an
// error.
func (r *ConsumptionRepo) TryIncrement(ctx context.Context, slot model.Slot, shardID, qty int) (int64, error) {
	if qty <= 0 {
		return 0, model.ErrInvalidQuantity
	}
	res, err := r.db.ExecContext(ctx, sqlIncrementShard,
		qty, slot.EventID, slot.Date, slot.StartTime, shardID, qty)
	if err != nil {
		return 0, fmt.Errorf("consumption: increment shard %d of %s: %w", shardID, slot, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("consumption: increment rows affected: %w", err)
	}
	return n, nil
}

// Decrement credits qty back to the shard, clamped at zero.
func (r *ConsumptionRepo) Decrement(ctx context.Context, slot model.Slot, shardID, qty int) error {
	if qty <= 0 {
		return model.ErrInvalidQuantity
	}
	if _, err := r.db.ExecContext(ctx, sqlDecrementShard,
		qty, slot.EventID, slot.Date, slot.StartTime, shardID); err != nil {
		return fmt.Errorf("consumption: decrement shard %d of %s: %w", shardID, slot, err)
	}
	return nil
}

// ListAvailable returns the ids of shards with spare room, ordered by id.
func (r *ConsumptionRepo) ListAvailable(ctx context.Context, slot model.Slot) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, sqlListAvailableShards, slot.EventID, slot.Date, slot.StartTime)
	if err != nil {
		return nil, fmt.Errorf("consumption: list available for %s: %w", slot, err)
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

// ListShards returns a snapshot of every shard of the slot.
func (r *ConsumptionRepo) ListShards(ctx context.Context, slot model.Slot) ([]model.ShardCounter, error) {
	rows, err := r.db.QueryContext(ctx, sqlListShards, slot.EventID, slot.Date, slot.StartTime)
	if err != nil {
		return nil, fmt.Errorf("consumption: list shards for %s: %w", slot, err)
	}
	defer rows.Close()
	var out []model.ShardCounter
	for rows.Next() {
		var c model.ShardCounter
		if err := rows.Scan(&c.ShardID, &c.Current, &c.Max); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TotalAvailable sums the remaining room across all shards of the slot.
func (r *ConsumptionRepo) TotalAvailable(ctx context.Context, slot model.Slot) (int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, sqlTotalAvailable, slot.EventID, slot.Date, slot.StartTime).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("consumption: total available for %s: %w", slot, err)
	}
	return total, nil
}

// InsertShards provisions shard rows for a slot in a single statement.
// Existing rows are left untouched.
func (r *ConsumptionRepo) InsertShards(ctx context.Context, slot model.Slot, shards []model.ShardCounter) error {
	if len(shards) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT IGNORE INTO consumption (event_id, date, start_time, shard_id, shard_current, shard_max, updated_at) VALUES ")
	args := make([]any, 0, len(shards)*6)
	for i, s := range shards {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, UTC_TIMESTAMP())")
		args = append(args, slot.EventID, slot.Date, slot.StartTime, s.ShardID, s.Current, s.Max)
	}
	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("consumption: insert shards for %s: %w", slot, err)
	}
	return nil
}
