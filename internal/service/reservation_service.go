// Package service holds the reservation engine and the expiry sweeper.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-capacity/internal/cache"
	"github.com/iliyamo/ticket-capacity/internal/config"
	"github.com/iliyamo/ticket-capacity/internal/model"
	"github.com/iliyamo/ticket-capacity/internal/queue"
	"github.com/iliyamo/ticket-capacity/internal/repository"
	"github.com/iliyamo/ticket-capacity/internal/sharding"
)

// EventPublisher receives lifecycle events after they are committed.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.ReservationEvent) error
}

// Option customizes a service.
type Option func(*options)

type options struct {
	events EventPublisher
	now    func() time.Time
}

// WithPublisher makes the service publish lifecycle events to p.
func WithPublisher(p EventPublisher) Option { return func(o *options) { o.events = p } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ReservationService admits reservations against the sharded capacity
// ledgers.  No in-process lock guards the ledgers: every unit is admitted by
// a conditional increment inside the request's transaction, and any failure
// rolls back the reservation, its increments and its tickets together.
type ReservationService struct {
	store    repository.Store
	cache    *cache.AvailabilityCache
	monitor  *sharding.HealthMonitor
	selector *sharding.Selector
	splitter *sharding.Splitter
	cfg      config.ReservationConfig
	cacheCfg config.CacheConfig
	logger   *zap.Logger
	options
}

// NewReservationService wires the engine over store.
func NewReservationService(store repository.Store, c *cache.AvailabilityCache, cfg config.ReservationConfig, cacheCfg config.CacheConfig, logger *zap.Logger, opts ...Option) *ReservationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	monitor := sharding.NewHealthMonitor(store, c, cacheCfg.ShardTTL)
	return &ReservationService{
		store:    store,
		cache:    c,
		monitor:  monitor,
		selector: sharding.NewSelector(monitor, sharding.ParsePolicy(cfg.Selection)),
		splitter: sharding.NewSplitter(store),
		cfg:      cfg,
		cacheCfg: cacheCfg,
		logger:   logger.Named("reservations"),
		options:  buildOptions(opts),
	}
}

// CreateReservation holds capacity for every requested line item and
// returns a PENDING reservation that expires after the configured TTL.
func (s *ReservationService) CreateReservation(ctx context.Context, slot model.Slot, reqs []model.TicketRequest) (*model.ReservationResult, error) {
	if err := validateRequests(reqs); err != nil {
		return nil, err
	}
	now := s.now().UTC()

	var (
		res   *model.Reservation
		count int
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Store) error {
		res = &model.Reservation{
			Slot:      slot,
			Status:    model.StatusPending,
			CreatedAt: now,
			ExpiresAt: now.Add(s.cfg.TTL),
		}
		if err := tx.Reservations().Create(ctx, res); err != nil {
			return err
		}
		var tickets []model.Ticket
		for _, req := range reqs {
			allocs, err := s.allocate(ctx, tx, slot, req)
			if err != nil {
				return err
			}
			for _, a := range allocs {
				for i := 0; i < a.Quantity; i++ {
					tickets = append(tickets, model.Ticket{
						Slot:          slot,
						TicketTypeID:  req.TicketTypeID,
						ReservationID: res.ID,
						ShardID:       a.ShardID,
						CreatedAt:     now,
					})
				}
			}
		}
		count = len(tickets)
		return tx.Tickets().CreateBulk(ctx, tickets)
	})
	if err != nil {
		if model.IsConflict(err) {
			// The listing that led us here was stale.
			s.cache.Invalidate(ctx, slot)
			s.logger.Info("reservation rejected", zap.Stringer("slot", slot), zap.Error(err))
			return nil, err
		}
		if model.IsInvalid(err) {
			return nil, err
		}
		s.logger.Error("create reservation failed", zap.Stringer("slot", slot), zap.Error(err))
		return nil, err
	}
	s.cache.Invalidate(ctx, slot)
	s.logger.Debug("reservation created",
		zap.Int64("reservation_id", res.ID), zap.Stringer("slot", slot), zap.Int("tickets", count))

	return &model.ReservationResult{
		ReservationID: res.ID,
		ExpiresAt:     res.ExpiresAt,
		TicketCount:   count,
		Status:        model.StatusPending,
	}, nil
}

func validateRequests(reqs []model.TicketRequest) error {
	if len(reqs) == 0 {
		return fmt.Errorf("%w: at least one ticket request is required", model.ErrInvalidRequest)
	}
	seen := make(map[int64]struct{}, len(reqs))
	for _, r := range reqs {
		if r.TicketTypeID <= 0 {
			return fmt.Errorf("%w: ticket type id must be positive", model.ErrInvalidRequest)
		}
		if r.Quantity <= 0 {
			return fmt.Errorf("ticket type %d: %w", r.TicketTypeID, model.ErrInvalidQuantity)
		}
		if _, dup := seen[r.TicketTypeID]; dup {
			return fmt.Errorf("%w: ticket type %d requested twice", model.ErrInvalidRequest, r.TicketTypeID)
		}
		seen[r.TicketTypeID] = struct{}{}
	}
	return nil
}

func (s *ReservationService) allocate(ctx context.Context, tx repository.Store, slot model.Slot, req model.TicketRequest) ([]model.ShardAllocation, error) {
	bounded, err := s.monitor.TicketTypeBounded(ctx, slot, req.TicketTypeID)
	if err != nil {
		return nil, err
	}
	if s.cfg.Allocation == config.AllocationSplit {
		return s.allocateSplit(ctx, tx, slot, req, bounded)
	}
	return s.allocateSelect(ctx, tx, slot, req)
}

// allocateSelect places the whole line item on one shard.  A shard that
// loses the race is excluded and another is tried, up to MaxAttempts.
func (s *ReservationService) allocateSelect(ctx context.Context, tx repository.Store, slot model.Slot, req model.TicketRequest) ([]model.ShardAllocation, error) {
	exclude := make(map[int]struct{})
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		shardID, err := s.selector.SelectExcluding(ctx, slot, req.TicketTypeID, exclude)
		if err != nil {
			if attempt > 1 && errors.Is(err, model.ErrNoShardsAvailable) {
				break
			}
			return nil, err
		}
		ok, err := s.admit(ctx, tx, slot, req.TicketTypeID, shardID, req.Quantity)
		if err != nil {
			return nil, err
		}
		if ok {
			return []model.ShardAllocation{{ShardID: shardID, Quantity: req.Quantity}}, nil
		}
		s.logger.Debug("shard lost the race",
			zap.Stringer("slot", slot), zap.Int64("ticket_type_id", req.TicketTypeID),
			zap.Int("shard_id", shardID), zap.Int("attempt", attempt))
		exclude[shardID] = struct{}{}
	}
	return nil, fmt.Errorf("ticket type %d x%d on %s: %w", req.TicketTypeID, req.Quantity, slot, model.ErrInsufficientCapacity)
}

// allocateSplit spreads the line item over several shards following a
// fresh plan.  Any shard that fails its increment fails the line item.
func (s *ReservationService) allocateSplit(ctx context.Context, tx repository.Store, slot model.Slot, req model.TicketRequest, bounded bool) ([]model.ShardAllocation, error) {
	var tt *int64
	if bounded {
		tt = &req.TicketTypeID
	}
	plan, err := s.splitter.Plan(ctx, slot, tt, req.Quantity)
	if err != nil {
		return nil, err
	}
	for _, a := range plan {
		ok, err := s.admit(ctx, tx, slot, req.TicketTypeID, a.ShardID, a.Quantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("ticket type %d x%d on shard %d of %s: %w",
				req.TicketTypeID, a.Quantity, a.ShardID, slot, model.ErrInsufficientCapacity)
		}
	}
	return plan, nil
}

// admit applies both conditional increments for qty units on one shard.
// It reports false when either ledger refuses; in that case nothing is
// left incremented.  A missing per-type row is a refusal: every ticket
// sold must be counted on its (type, shard) row, capped or not.
func (s *ReservationService) admit(ctx context.Context, tx repository.Store, slot model.Slot, ticketTypeID int64, shardID, qty int) (bool, error) {
	n, err := tx.Ledger().TryIncrement(ctx, slot, shardID, qty)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	n, err = tx.TicketTypeLedger().TryIncrement(ctx, slot, ticketTypeID, shardID, qty)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if err := tx.Ledger().Decrement(ctx, slot, shardID, qty); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ConfirmPayment moves a PENDING, unexpired reservation to CONFIRMED.
func (s *ReservationService) ConfirmPayment(ctx context.Context, id int64, paymentRef string) (*model.ReservationResult, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return nil, fmt.Errorf("%w: payment reference is required", model.ErrInvalidRequest)
	}
	now := s.now().UTC()

	var (
		res   *model.Reservation
		count int
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Store) error {
		r, err := tx.Reservations().Get(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != model.StatusPending {
			return fmt.Errorf("reservation %d is %s: %w", id, r.Status, model.ErrInvalidOperation)
		}
		if !r.Confirmable(now) {
			return fmt.Errorf("reservation %d expired at %s: %w", id, r.ExpiresAt.Format(time.RFC3339), model.ErrInvalidOperation)
		}
		n, err := tx.Reservations().Confirm(ctx, id, paymentRef, now)
		if err != nil {
			return err
		}
		if n == 0 {
			// The sweeper or a concurrent confirm got there first.
			return fmt.Errorf("reservation %d is no longer pending: %w", id, model.ErrInvalidOperation)
		}
		if count, err = tx.Tickets().CountByReservation(ctx, id); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if !model.IsNotFound(err) && !model.IsInvalid(err) {
			s.logger.Error("confirm payment failed", zap.Int64("reservation_id", id), zap.Error(err))
		}
		return nil, err
	}

	s.publish(ctx, queue.ReservationEvent{
		Type:          queue.EventConfirmed,
		ReservationID: id,
		EventID:       res.Slot.EventID,
		Date:          res.Slot.Date,
		StartTime:     res.Slot.StartTime,
		TicketCount:   count,
		PaymentRef:    paymentRef,
		OccurredAt:    now,
	})
	return &model.ReservationResult{
		ReservationID: id,
		ExpiresAt:     res.ExpiresAt,
		TicketCount:   count,
		Status:        model.StatusConfirmed,
	}, nil
}

// GetReservation returns the current state of a reservation.
func (s *ReservationService) GetReservation(ctx context.Context, id int64) (*model.ReservationResult, error) {
	r, err := s.store.Reservations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	count, err := s.store.Tickets().CountByReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.ReservationResult{
		ReservationID: r.ID,
		ExpiresAt:     r.ExpiresAt,
		TicketCount:   count,
		Status:        r.Status,
	}, nil
}

// CancelReservation releases a PENDING reservation's capacity and marks it
// CANCELLED.
func (s *ReservationService) CancelReservation(ctx context.Context, id int64) (*model.ReservationResult, error) {
	now := s.now().UTC()
	var (
		res   *model.Reservation
		count int
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Store) error {
		r, err := tx.Reservations().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != model.StatusPending {
			return fmt.Errorf("reservation %d is %s: %w", id, r.Status, model.ErrInvalidOperation)
		}
		if count, err = releaseCapacity(ctx, tx, r); err != nil {
			return err
		}
		n, err := tx.Reservations().MarkCancelled(ctx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("reservation %d is no longer pending: %w", id, model.ErrInvalidOperation)
		}
		res = r
		return nil
	})
	if err != nil {
		if !model.IsNotFound(err) && !model.IsInvalid(err) {
			s.logger.Error("cancel reservation failed", zap.Int64("reservation_id", id), zap.Error(err))
		}
		return nil, err
	}
	s.cache.Invalidate(ctx, res.Slot)
	s.publish(ctx, queue.ReservationEvent{
		Type:          queue.EventCancelled,
		ReservationID: id,
		EventID:       res.Slot.EventID,
		Date:          res.Slot.Date,
		StartTime:     res.Slot.StartTime,
		TicketCount:   count,
		OccurredAt:    now,
	})
	return &model.ReservationResult{
		ReservationID: id,
		ExpiresAt:     res.ExpiresAt,
		TicketCount:   count,
		Status:        model.StatusCancelled,
	}, nil
}

// Availability returns remaining capacity for the slot, in total and per
// bounded ticket type.  The view is cached briefly and may lag behind
// admissions by up to the cache TTL.
func (s *ReservationService) Availability(ctx context.Context, slot model.Slot) (*model.Availability, error) {
	av, err := cache.Fetch(ctx, s.cache, slot, s.cache.Key(slot, cache.KindAvailability), s.cacheCfg.AvailabilityTTL,
		func(ctx context.Context) (model.Availability, error) {
			total, err := s.store.Ledger().TotalAvailable(ctx, slot)
			if err != nil {
				return model.Availability{}, err
			}
			byType, err := s.store.TicketTypeLedger().AvailableByTicketType(ctx, slot)
			if err != nil {
				return model.Availability{}, err
			}
			return model.Availability{Slot: slot, TotalAvailable: total, ByTicketType: byType}, nil
		})
	if err != nil {
		return nil, err
	}
	return &av, nil
}

func (s *ReservationService) publish(ctx context.Context, ev queue.ReservationEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event failed",
			zap.String("event", ev.Type), zap.Int64("reservation_id", ev.ReservationID), zap.Error(err))
	}
}
