package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-capacity/internal/cache"
	"github.com/iliyamo/ticket-capacity/internal/config"
	"github.com/iliyamo/ticket-capacity/internal/model"
	"github.com/iliyamo/ticket-capacity/internal/queue"
	"github.com/iliyamo/ticket-capacity/internal/repository"
)

// SweeperStats is a snapshot of the sweeper's counters.
type SweeperStats struct {
	InstanceID    string    `json:"instanceId"`
	Running       bool      `json:"running"`
	TotalExpired  int64     `json:"totalExpired"`
	Failures      int64     `json:"failures"`
	LastRunTime   time.Time `json:"lastRunTime"`
	LastBatchSize int       `json:"lastBatchSize"`
}

// ExpirySweeper moves PENDING reservations past their expiry to EXPIRED
// and gives their capacity back.  Several sweepers may run against one
// database: each reservation is claimed with a skip-locked row lock, so
// no two of them release the same reservation.
type ExpirySweeper struct {
	store  repository.Store
	cache  *cache.AvailabilityCache
	cfg    config.SweeperConfig
	logger *zap.Logger
	id     string
	options

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	totalExpired  int64
	failures      int64
	lastRunTime   time.Time
	lastBatchSize int
}

// NewExpirySweeper returns a stopped sweeper.
func NewExpirySweeper(store repository.Store, c *cache.AvailabilityCache, cfg config.SweeperConfig, logger *zap.Logger, opts ...Option) *ExpirySweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	id := uuid.NewString()
	return &ExpirySweeper{
		store:   store,
		cache:   c,
		cfg:     cfg,
		logger:  logger.Named("sweeper").With(zap.String("instance", id)),
		id:      id,
		options: buildOptions(opts),
	}
}

// Start launches the sweep loop.  The first sweep runs after
// InitialDelay, later ones every Interval, until Stop is called or ctx
// is done.
func (s *ExpirySweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("expiry sweeper already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("starting expiry sweeper",
		zap.Duration("initial_delay", s.cfg.InitialDelay),
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
	return nil
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("expiry sweeper stopped")
}

func (s *ExpirySweeper) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	delay := time.NewTimer(s.cfg.InitialDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-stop:
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep and returns how many reservations it
// expired.  A reservation that fails is logged and skipped; the error
// return is reserved for failing to list candidates at all.
func (s *ExpirySweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	ids, err := s.store.Reservations().ListExpired(ctx, now, s.cfg.BatchSize)

	s.mu.Lock()
	s.lastRunTime = now
	s.lastBatchSize = len(ids)
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// Events are held back until the whole batch is released so a slow
	// broker cannot delay expiry of the remaining candidates.
	var (
		failed int
		events []queue.ReservationEvent
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		ev, err := s.expireOne(ctx, id, now)
		if err != nil {
			failed++
			s.logger.Error("expire reservation failed", zap.Int64("reservation_id", id), zap.Error(err))
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	expired := len(events)

	s.mu.Lock()
	s.totalExpired += int64(expired)
	s.failures += int64(failed)
	s.mu.Unlock()

	if s.events != nil {
		for _, ev := range events {
			if err := s.events.Publish(ctx, ev); err != nil {
				s.logger.Warn("publish event failed", zap.Int64("reservation_id", ev.ReservationID), zap.Error(err))
			}
		}
	}

	s.logger.Info("sweep finished",
		zap.Int("candidates", len(ids)), zap.Int("expired", expired), zap.Int("failed", failed))
	return expired, nil
}

// expireOne releases one reservation in its own transaction and returns the
// event to publish for it.  The event is nil when the reservation was
// already handled or is locked elsewhere.
func (s *ExpirySweeper) expireOne(ctx context.Context, id int64, now time.Time) (*queue.ReservationEvent, error) {
	var (
		res   *model.Reservation
		count int
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Store) error {
		res, count = nil, 0
		r, err := tx.Reservations().ClaimExpired(ctx, id, now)
		if err != nil || r == nil {
			return err
		}
		if count, err = releaseCapacity(ctx, tx, r); err != nil {
			return err
		}
		n, err := tx.Reservations().MarkExpired(ctx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			// Cannot happen while the claim lock is held; undo the release.
			return errors.New("reservation left PENDING while claimed")
		}
		res = r
		return nil
	})
	if err != nil || res == nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, res.Slot)
	s.logger.Debug("reservation expired", zap.Int64("reservation_id", id), zap.Int("tickets", count))
	return &queue.ReservationEvent{
		Type:          queue.EventExpired,
		ReservationID: id,
		EventID:       res.Slot.EventID,
		Date:          res.Slot.Date,
		StartTime:     res.Slot.StartTime,
		TicketCount:   count,
		OccurredAt:    now,
	}, nil
}

// Stats returns a snapshot of the sweeper's counters.
func (s *ExpirySweeper) Stats() SweeperStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SweeperStats{
		InstanceID:    s.id,
		Running:       s.running,
		TotalExpired:  s.totalExpired,
		Failures:      s.failures,
		LastRunTime:   s.lastRunTime,
		LastBatchSize: s.lastBatchSize,
	}
}
