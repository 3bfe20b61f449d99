package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-capacity/internal/model"
)

// DBTX is the subset of *sql.DB and *sql.Tx the repositories need.  Every
// repository is written against it so the same SQL runs in autocommit
// mode or inside a caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ledger is the total-capacity ledger for a slot.
type Ledger interface {
	TryIncrement(ctx context.Context, slot model.Slot, shardID, qty int) (int64, error)
	Decrement(ctx context.Context, slot model.Slot, shardID, qty int) error
	ListAvailable(ctx context.Context, slot model.Slot) ([]int, error)
	ListShards(ctx context.Context, slot model.Slot) ([]model.ShardCounter, error)
	TotalAvailable(ctx context.Context, slot model.Slot) (int, error)
	InsertShards(ctx context.Context, slot model.Slot, shards []model.ShardCounter) error
}

// TicketTypeLedger is the per-ticket-type capacity ledger for a slot.
type TicketTypeLedger interface {
	TryIncrement(ctx context.Context, slot model.Slot, ticketTypeID int64, shardID, qty int) (int64, error)
	Decrement(ctx context.Context, slot model.Slot, ticketTypeID int64, shardID, qty int) error
	ListAvailable(ctx context.Context, slot model.Slot, ticketTypeID int64) ([]int, error)
	ListShards(ctx context.Context, slot model.Slot, ticketTypeID int64) ([]model.TicketTypeShardCounter, error)
	AvailableByTicketType(ctx context.Context, slot model.Slot) (map[int64]int, error)
	CountShards(ctx context.Context, slot model.Slot, ticketTypeID int64) (model.TicketTypeShards, error)
	InsertShards(ctx context.Context, slot model.Slot, shards []model.TicketTypeShardCounter) error
}

// Reservations persists reservation rows and their status transitions.
type Reservations interface {
	Create(ctx context.Context, res *model.Reservation) error
	Get(ctx context.Context, id int64) (*model.Reservation, error)
	GetForUpdate(ctx context.Context, id int64) (*model.Reservation, error)
	Confirm(ctx context.Context, id int64, paymentRef string, now time.Time) (int64, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error)
	ClaimExpired(ctx context.Context, id int64, now time.Time) (*model.Reservation, error)
	MarkExpired(ctx context.Context, id int64) (int64, error)
	MarkCancelled(ctx context.Context, id int64) (int64, error)
}

// Tickets persists one row per consumed unit.
type Tickets interface {
	CreateBulk(ctx context.Context, tickets []model.Ticket) error
	ListByReservation(ctx context.Context, reservationID int64) ([]model.Ticket, error)
	CountByReservation(ctx context.Context, reservationID int64) (int, error)
}

// Store groups the repositories behind one unit of work.  Repositories
// obtained from the tx argument of WithTx run inside that transaction.
type Store interface {
	Ledger() Ledger
	TicketTypeLedger() TicketTypeLedger
	Reservations() Reservations
	Tickets() Tickets
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

const maxTxAttempts = 3

// MySQLStore implements Store over a connection pool (autocommit).
type MySQLStore struct {
	db *sql.DB
	repos
}

// TxStore implements Store for an active transaction.
type TxStore struct {
	tx *sql.Tx
	repos
}

type repos struct {
	ledger       *ConsumptionRepo
	ticketLedger *ConsumptionTTRepo
	reservations *ReservationRepo
	tickets      *TicketRepo
}

func newRepos(db DBTX) repos {
	return repos{
		ledger:       NewConsumptionRepo(db),
		ticketLedger: NewConsumptionTTRepo(db),
		reservations: NewReservationRepo(db),
		tickets:      NewTicketRepo(db),
	}
}

func (r repos) Ledger() Ledger                     { return r.ledger }
func (r repos) TicketTypeLedger() TicketTypeLedger { return r.ticketLedger }
func (r repos) Reservations() Reservations         { return r.reservations }
func (r repos) Tickets() Tickets                   { return r.tickets }

// NewMySQLStore returns a Store bound to db.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, repos: newRepos(db)}
}

// WithTx runs fn inside a READ COMMITTED transaction.  The transaction is
// committed when fn returns nil and rolled back otherwise.  When MySQL
// aborts the transaction with a deadlock or lock wait timeout the whole
// unit of work is replayed, up to maxTxAttempts times, so fn must not
// keep state across calls.
func (s *MySQLStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (s *MySQLStore) runTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(ctx, &TxStore{tx: tx, repos: newRepos(tx)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	committed = true
	return nil
}

// WithTx joins the running transaction.
func (s *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, s)
}
