package sharding

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/iliyamo/ticket-capacity/internal/model"
)

// Policy names a selection policy.
type Policy string

const (
	PolicyRoundRobin Policy = "round_robin"
	PolicyRandom     Policy = "random"
)

// ParsePolicy maps a config value to a Policy, defaulting to round robin.
func ParsePolicy(s string) Policy {
	if Policy(s) == PolicyRandom {
		return PolicyRandom
	}
	return PolicyRoundRobin
}

// ShardSource lists candidate shards for one ticket type of a slot.
type ShardSource interface {
	ShardsFor(ctx context.Context, slot model.Slot, ticketTypeID int64) ([]int, error)
}

// Selector picks one shard per request.  Round-robin counters are kept
// per process and per (slot, ticket type), so load spreads across shards
// without coordination; fairness across processes is approximate.
type Selector struct {
	source   ShardSource
	policy   Policy
	counters sync.Map // string -> *atomic.Uint64
}

// NewSelector returns a Selector using policy for Select.
func NewSelector(source ShardSource, policy Policy) *Selector {
	return &Selector{source: source, policy: policy}
}

// Select picks a shard with the configured policy.
func (s *Selector) Select(ctx context.Context, slot model.Slot, ticketTypeID int64) (int, error) {
	return s.SelectExcluding(ctx, slot, ticketTypeID, nil)
}

// SelectRandom picks a shard uniformly at random.
func (s *Selector) SelectRandom(ctx context.Context, slot model.Slot, ticketTypeID int64) (int, error) {
	candidates, err := s.candidates(ctx, slot, ticketTypeID, nil)
	if err != nil {
		return 0, err
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// SelectExcluding picks a shard with the configured policy, skipping the
// shards in exclude (those that already lost a race for this request).
func (s *Selector) SelectExcluding(ctx context.Context, slot model.Slot, ticketTypeID int64, exclude map[int]struct{}) (int, error) {
	candidates, err := s.candidates(ctx, slot, ticketTypeID, exclude)
	if err != nil {
		return 0, err
	}
	if s.policy == PolicyRandom {
		return candidates[rand.Intn(len(candidates))], nil
	}
	n := s.counter(slot, ticketTypeID).Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}

func (s *Selector) candidates(ctx context.Context, slot model.Slot, ticketTypeID int64, exclude map[int]struct{}) ([]int, error) {
	shards, err := s.source.ShardsFor(ctx, slot, ticketTypeID)
	if err != nil {
		return nil, fmt.Errorf("select shard for %s type %d: %w", slot, ticketTypeID, err)
	}
	if len(exclude) > 0 {
		kept := make([]int, 0, len(shards))
		for _, id := range shards {
			if _, skip := exclude[id]; !skip {
				kept = append(kept, id)
			}
		}
		shards = kept
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%s type %d: %w", slot, ticketTypeID, model.ErrNoShardsAvailable)
	}
	return shards, nil
}

func (s *Selector) counter(slot model.Slot, ticketTypeID int64) *atomic.Uint64 {
	key := slot.Key() + "#" + strconv.FormatInt(ticketTypeID, 10)
	if c, ok := s.counters.Load(key); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := s.counters.LoadOrStore(key, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}
