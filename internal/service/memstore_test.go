package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-capacity/internal/model"
	"github.com/iliyamo/ticket-capacity/internal/queue"
	"github.com/iliyamo/ticket-capacity/internal/repository"
)

// memStore is an in-memory repository.Store.  Transactions are
// serialized and run on a private copy of the state that replaces the
// committed state on success, so a failed unit of work leaves nothing
// behind.  Reads outside a transaction see committed state only.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	state *memState

	// Injected failures.
	failCreateTickets error
	failListTickets   error
}

type totalKey struct {
	slot  string
	shard int
}

type ttKey struct {
	slot  string
	tt    int64
	shard int
}

type memCounter struct {
	cur int
	max *int
}

type memState struct {
	totals       map[totalKey]memCounter
	perType      map[ttKey]memCounter
	reservations map[int64]model.Reservation
	tickets      []model.Ticket
	nextID       int64
	nextTicketID int64
}

func newMemStore() *memStore {
	return &memStore{state: &memState{
		totals:       map[totalKey]memCounter{},
		perType:      map[ttKey]memCounter{},
		reservations: map[int64]model.Reservation{},
	}}
}

func (st *memState) clone() *memState {
	c := &memState{
		totals:       make(map[totalKey]memCounter, len(st.totals)),
		perType:      make(map[ttKey]memCounter, len(st.perType)),
		reservations: make(map[int64]model.Reservation, len(st.reservations)),
		tickets:      append([]model.Ticket(nil), st.tickets...),
		nextID:       st.nextID,
		nextTicketID: st.nextTicketID,
	}
	for k, v := range st.totals {
		c.totals[k] = v
	}
	for k, v := range st.perType {
		c.perType[k] = v
	}
	for k, v := range st.reservations {
		c.reservations[k] = v
	}
	return c
}

// memView runs against a transaction's copy when tx is set and against
// the committed state otherwise.
type memView struct {
	s  *memStore
	tx *memState
}

func (v memView) with(fn func(st *memState) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return fn(v.s.state)
}

func (s *memStore) Ledger() repository.Ledger { return memLedger{memView{s: s}} }
func (s *memStore) TicketTypeLedger() repository.TicketTypeLedger {
	return memTTLedger{memView{s: s}}
}
func (s *memStore) Reservations() repository.Reservations { return memReservations{memView{s: s}} }
func (s *memStore) Tickets() repository.Tickets           { return memTickets{memView{s: s}} }

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	work := s.state.clone()
	s.mu.Unlock()

	if err := fn(ctx, &memTxStore{view: memView{s: s, tx: work}}); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

type memTxStore struct{ view memView }

func (t *memTxStore) Ledger() repository.Ledger                     { return memLedger{t.view} }
func (t *memTxStore) TicketTypeLedger() repository.TicketTypeLedger { return memTTLedger{t.view} }
func (t *memTxStore) Reservations() repository.Reservations         { return memReservations{t.view} }
func (t *memTxStore) Tickets() repository.Tickets                   { return memTickets{t.view} }
func (t *memTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	return fn(ctx, t)
}

// seed writes counter rows directly into committed state.
func (s *memStore) seed(slot model.Slot, totals []int, perType map[int64][]*int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range totals {
		m := m
		s.state.totals[totalKey{slot.Key(), i}] = memCounter{max: &m}
	}
	for tt, caps := range perType {
		for i, m := range caps {
			s.state.perType[ttKey{slot.Key(), tt, i}] = memCounter{max: m}
		}
	}
}

// uncapped returns per-type rows without a cap on the first shards shards
// for each of the given ticket types.
func uncapped(shards int, tts ...int64) map[int64][]*int {
	out := make(map[int64][]*int, len(tts))
	for _, tt := range tts {
		out[tt] = make([]*int, shards)
	}
	return out
}

// setCurrent overwrites a counter as another process would.
func (s *memStore) setCurrent(slot model.Slot, tt int64, shard, cur int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tt == 0 {
		k := totalKey{slot.Key(), shard}
		c := s.state.totals[k]
		c.cur = cur
		s.state.totals[k] = c
		return
	}
	k := ttKey{slot.Key(), tt, shard}
	c := s.state.perType[k]
	c.cur = cur
	s.state.perType[k] = c
}

func (s *memStore) totalCurrent(slot model.Slot, shard int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.totals[totalKey{slot.Key(), shard}].cur
}

func (s *memStore) ttCurrent(slot model.Slot, tt int64, shard int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.perType[ttKey{slot.Key(), tt, shard}].cur
}

func (s *memStore) sumCurrent(slot model.Slot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, c := range s.state.totals {
		if k.slot == slot.Key() {
			n += c.cur
		}
	}
	return n
}

func (s *memStore) reservationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.reservations)
}

func (s *memStore) status(id int64) model.ReservationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.reservations[id].Status
}

// checkInvariants asserts that every counter stays within its cap and
// equals the number of tickets held by live reservations on that shard.
func checkInvariants(t *testing.T, s *memStore, slot model.Slot) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	held := map[int]int{}
	heldTT := map[model.TicketTypeShard]int{}
	for _, tk := range s.state.tickets {
		if tk.Slot.Key() != slot.Key() {
			continue
		}
		r := s.state.reservations[tk.ReservationID]
		if r.Status != model.StatusPending && r.Status != model.StatusConfirmed {
			continue
		}
		held[tk.ShardID]++
		heldTT[model.TicketTypeShard{TicketTypeID: tk.TicketTypeID, ShardID: tk.ShardID}]++
	}
	for k, c := range s.state.totals {
		if k.slot != slot.Key() {
			continue
		}
		require.LessOrEqual(t, c.cur, *c.max, "shard %d over capacity", k.shard)
		require.Equal(t, held[k.shard], c.cur, "shard %d current does not match held tickets", k.shard)
	}
	for k, c := range s.state.perType {
		if k.slot != slot.Key() {
			continue
		}
		if c.max != nil {
			require.LessOrEqual(t, c.cur, *c.max, "type %d shard %d over capacity", k.tt, k.shard)
		}
		require.Equal(t, heldTT[model.TicketTypeShard{TicketTypeID: k.tt, ShardID: k.shard}], c.cur,
			"type %d shard %d current does not match held tickets", k.tt, k.shard)
	}
	for k := range heldTT {
		_, ok := s.state.perType[ttKey{slot.Key(), k.TicketTypeID, k.ShardID}]
		require.True(t, ok, "type %d shard %d holds tickets without a counter row", k.TicketTypeID, k.ShardID)
	}
}

type memLedger struct{ memView }

func (l memLedger) TryIncrement(_ context.Context, slot model.Slot, shardID, qty int) (int64, error) {
	if qty <= 0 {
		return 0, model.ErrInvalidQuantity
	}
	var n int64
	err := l.with(func(st *memState) error {
		k := totalKey{slot.Key(), shardID}
		c, ok := st.totals[k]
		if !ok || c.cur+qty > *c.max {
			return nil
		}
		c.cur += qty
		st.totals[k] = c
		n = 1
		return nil
	})
	return n, err
}

func (l memLedger) Decrement(_ context.Context, slot model.Slot, shardID, qty int) error {
	if qty <= 0 {
		return model.ErrInvalidQuantity
	}
	return l.with(func(st *memState) error {
		k := totalKey{slot.Key(), shardID}
		if c, ok := st.totals[k]; ok {
			c.cur = max(0, c.cur-qty)
			st.totals[k] = c
		}
		return nil
	})
}

func (l memLedger) ListAvailable(ctx context.Context, slot model.Slot) ([]int, error) {
	shards, err := l.ListShards(ctx, slot)
	ids := []int{}
	for _, sh := range shards {
		if sh.Current < sh.Max {
			ids = append(ids, sh.ShardID)
		}
	}
	return ids, err
}

func (l memLedger) ListShards(_ context.Context, slot model.Slot) ([]model.ShardCounter, error) {
	var out []model.ShardCounter
	err := l.with(func(st *memState) error {
		for k, c := range st.totals {
			if k.slot == slot.Key() {
				out = append(out, model.ShardCounter{ShardID: k.shard, Current: c.cur, Max: *c.max})
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, err
}

func (l memLedger) TotalAvailable(ctx context.Context, slot model.Slot) (int, error) {
	shards, err := l.ListShards(ctx, slot)
	n := 0
	for _, sh := range shards {
		n += sh.Max - sh.Current
	}
	return n, err
}

func (l memLedger) InsertShards(_ context.Context, slot model.Slot, shards []model.ShardCounter) error {
	return l.with(func(st *memState) error {
		for _, sh := range shards {
			k := totalKey{slot.Key(), sh.ShardID}
			if _, ok := st.totals[k]; !ok {
				m := sh.Max
				st.totals[k] = memCounter{cur: sh.Current, max: &m}
			}
		}
		return nil
	})
}

type memTTLedger struct{ memView }

func (l memTTLedger) TryIncrement(_ context.Context, slot model.Slot, tt int64, shardID, qty int) (int64, error) {
	if qty <= 0 {
		return 0, model.ErrInvalidQuantity
	}
	var n int64
	err := l.with(func(st *memState) error {
		k := ttKey{slot.Key(), tt, shardID}
		c, ok := st.perType[k]
		if !ok || (c.max != nil && c.cur+qty > *c.max) {
			return nil
		}
		c.cur += qty
		st.perType[k] = c
		n = 1
		return nil
	})
	return n, err
}

func (l memTTLedger) Decrement(_ context.Context, slot model.Slot, tt int64, shardID, qty int) error {
	if qty <= 0 {
		return model.ErrInvalidQuantity
	}
	return l.with(func(st *memState) error {
		k := ttKey{slot.Key(), tt, shardID}
		if c, ok := st.perType[k]; ok {
			c.cur = max(0, c.cur-qty)
			st.perType[k] = c
		}
		return nil
	})
}

func (l memTTLedger) ListAvailable(ctx context.Context, slot model.Slot, tt int64) ([]int, error) {
	shards, err := l.ListShards(ctx, slot, tt)
	ids := []int{}
	for _, sh := range shards {
		if sh.Bounded() && sh.Current < *sh.Max {
			ids = append(ids, sh.ShardID)
		}
	}
	return ids, err
}

func (l memTTLedger) ListShards(_ context.Context, slot model.Slot, tt int64) ([]model.TicketTypeShardCounter, error) {
	var out []model.TicketTypeShardCounter
	err := l.with(func(st *memState) error {
		for k, c := range st.perType {
			if k.slot == slot.Key() && k.tt == tt {
				sc := model.TicketTypeShardCounter{TicketTypeID: tt, ShardID: k.shard, Current: c.cur}
				if c.max != nil {
					m := *c.max
					sc.Max = &m
				}
				out = append(out, sc)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, err
}

func (l memTTLedger) AvailableByTicketType(_ context.Context, slot model.Slot) (map[int64]int, error) {
	out := map[int64]int{}
	err := l.with(func(st *memState) error {
		for k, c := range st.perType {
			if k.slot == slot.Key() && c.max != nil {
				out[k.tt] += *c.max - c.cur
			}
		}
		return nil
	})
	return out, err
}

func (l memTTLedger) CountShards(_ context.Context, slot model.Slot, tt int64) (model.TicketTypeShards, error) {
	var out model.TicketTypeShards
	err := l.with(func(st *memState) error {
		for k, c := range st.perType {
			if k.slot == slot.Key() && k.tt == tt {
				out.Rows++
				if c.max != nil {
					out.Bounded++
				}
			}
		}
		return nil
	})
	return out, err
}

func (l memTTLedger) InsertShards(_ context.Context, slot model.Slot, shards []model.TicketTypeShardCounter) error {
	return l.with(func(st *memState) error {
		for _, sh := range shards {
			k := ttKey{slot.Key(), sh.TicketTypeID, sh.ShardID}
			if _, ok := st.perType[k]; !ok {
				st.perType[k] = memCounter{cur: sh.Current, max: sh.Max}
			}
		}
		return nil
	})
}

type memReservations struct{ memView }

func (r memReservations) Create(_ context.Context, res *model.Reservation) error {
	return r.with(func(st *memState) error {
		st.nextID++
		res.ID = st.nextID
		if res.UpdatedAt.IsZero() {
			res.UpdatedAt = res.CreatedAt
		}
		st.reservations[res.ID] = *res
		return nil
	})
}

func (r memReservations) Get(_ context.Context, id int64) (*model.Reservation, error) {
	var out *model.Reservation
	err := r.with(func(st *memState) error {
		res, ok := st.reservations[id]
		if !ok {
			return fmt.Errorf("reservation %d: %w", id, model.ErrReservationNotFound)
		}
		out = &res
		return nil
	})
	return out, err
}

func (r memReservations) GetForUpdate(ctx context.Context, id int64) (*model.Reservation, error) {
	return r.Get(ctx, id)
}

func (r memReservations) Confirm(_ context.Context, id int64, paymentRef string, now time.Time) (int64, error) {
	var n int64
	err := r.with(func(st *memState) error {
		res, ok := st.reservations[id]
		if !ok || res.Status != model.StatusPending || !res.ExpiresAt.After(now) {
			return nil
		}
		res.Status = model.StatusConfirmed
		res.PaymentRef = &paymentRef
		st.reservations[id] = res
		n = 1
		return nil
	})
	return n, err
}

func (r memReservations) ListExpired(_ context.Context, now time.Time, limit int) ([]int64, error) {
	var found []model.Reservation
	err := r.with(func(st *memState) error {
		for _, res := range st.reservations {
			if res.Status == model.StatusPending && res.ExpiresAt.Before(now) {
				found = append(found, res)
			}
		}
		return nil
	})
	sort.Slice(found, func(i, j int) bool { return found[i].ExpiresAt.Before(found[j].ExpiresAt) })
	ids := []int64{}
	for _, res := range found {
		if len(ids) == limit {
			break
		}
		ids = append(ids, res.ID)
	}
	return ids, err
}

func (r memReservations) ClaimExpired(_ context.Context, id int64, now time.Time) (*model.Reservation, error) {
	var out *model.Reservation
	err := r.with(func(st *memState) error {
		res, ok := st.reservations[id]
		if ok && res.Status == model.StatusPending && res.ExpiresAt.Before(now) {
			out = &res
		}
		return nil
	})
	return out, err
}

func (r memReservations) transition(id int64, to model.ReservationStatus) (int64, error) {
	var n int64
	err := r.with(func(st *memState) error {
		res, ok := st.reservations[id]
		if !ok || res.Status != model.StatusPending {
			return nil
		}
		res.Status = to
		st.reservations[id] = res
		n = 1
		return nil
	})
	return n, err
}

func (r memReservations) MarkExpired(_ context.Context, id int64) (int64, error) {
	return r.transition(id, model.StatusExpired)
}

func (r memReservations) MarkCancelled(_ context.Context, id int64) (int64, error) {
	return r.transition(id, model.StatusCancelled)
}

type memTickets struct{ memView }

func (t memTickets) CreateBulk(_ context.Context, tickets []model.Ticket) error {
	if t.s.failCreateTickets != nil {
		return t.s.failCreateTickets
	}
	return t.with(func(st *memState) error {
		for _, tk := range tickets {
			st.nextTicketID++
			tk.ID = st.nextTicketID
			st.tickets = append(st.tickets, tk)
		}
		return nil
	})
}

func (t memTickets) ListByReservation(_ context.Context, id int64) ([]model.Ticket, error) {
	if t.s.failListTickets != nil {
		return nil, t.s.failListTickets
	}
	var out []model.Ticket
	err := t.with(func(st *memState) error {
		for _, tk := range st.tickets {
			if tk.ReservationID == id {
				out = append(out, tk)
			}
		}
		return nil
	})
	return out, err
}

func (t memTickets) CountByReservation(ctx context.Context, id int64) (int, error) {
	var n int
	err := t.with(func(st *memState) error {
		for _, tk := range st.tickets {
			if tk.ReservationID == id {
				n++
			}
		}
		return nil
	})
	return n, err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.ReservationEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}
