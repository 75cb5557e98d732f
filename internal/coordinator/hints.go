package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lminervino18/rustic-airlines/internal/metrics"
	"github.com/lminervino18/rustic-airlines/internal/model"
)

// Hint is a mutation parked for a replica that was unreachable when the
// write was coordinated. Hints are best effort: they live in memory, expire
// after a TTL, and are capped per target so one dead node cannot exhaust
// the coordinator.
type Hint struct {
	ID       uuid.UUID
	TargetID string
	Mutation *model.Mutation
	Created  time.Time
}

// HintStore holds pending hints grouped by target node.
type HintStore struct {
	mu         sync.Mutex
	byTarget   map[string][]*Hint
	ttl        time.Duration
	maxPerNode int
	metrics    *metrics.Metrics
}

// NewHintStore creates an empty store.
func NewHintStore(ttl time.Duration, maxPerNode int, m *metrics.Metrics) *HintStore {
	return &HintStore{
		byTarget:   make(map[string][]*Hint),
		ttl:        ttl,
		maxPerNode: maxPerNode,
		metrics:    m,
	}
}

// Add parks a mutation for the target. When the target's queue is full the
// oldest hint is dropped; durability beyond the cap is read repair's job.
func (s *HintStore) Add(targetID string, mut *model.Mutation) {
	hint := &Hint{
		ID:       uuid.New(),
		TargetID: targetID,
		Mutation: mut,
		Created:  time.Now(),
	}

	s.mu.Lock()
	queue := s.byTarget[targetID]
	if len(queue) >= s.maxPerNode {
		queue = queue[1:]
	}
	s.byTarget[targetID] = append(queue, hint)
	s.mu.Unlock()

	s.metrics.HintsStoredTotal.Inc()
	s.updateGauge()
}

// Targets returns the node ids that currently have pending hints.
func (s *HintStore) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := make([]string, 0, len(s.byTarget))
	for id := range s.byTarget {
		targets = append(targets, id)
	}
	return targets
}

// Drain removes and returns every unexpired hint for the target. The caller
// re-adds hints it failed to deliver.
func (s *HintStore) Drain(targetID string) []*Hint {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	queue := s.byTarget[targetID]
	delete(s.byTarget, targetID)
	s.mu.Unlock()

	live := queue[:0]
	for _, hint := range queue {
		if hint.Created.After(cutoff) {
			live = append(live, hint)
		}
	}
	s.updateGauge()
	return live
}

// Requeue puts undelivered hints back, preserving their creation time.
func (s *HintStore) Requeue(hints []*Hint) {
	if len(hints) == 0 {
		return
	}
	s.mu.Lock()
	for _, hint := range hints {
		queue := s.byTarget[hint.TargetID]
		if len(queue) >= s.maxPerNode {
			continue
		}
		s.byTarget[hint.TargetID] = append(queue, hint)
	}
	s.mu.Unlock()
	s.updateGauge()
}

// Pending returns the total number of stored hints.
func (s *HintStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, queue := range s.byTarget {
		n += len(queue)
	}
	return n
}

// Expire drops hints older than the TTL.
func (s *HintStore) Expire() {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	for id, queue := range s.byTarget {
		live := queue[:0]
		for _, hint := range queue {
			if hint.Created.After(cutoff) {
				live = append(live, hint)
			}
		}
		if len(live) == 0 {
			delete(s.byTarget, id)
		} else {
			s.byTarget[id] = live
		}
	}
	s.mu.Unlock()
	s.updateGauge()
}

func (s *HintStore) updateGauge() {
	s.metrics.HintsPending.Set(float64(s.Pending()))
}
