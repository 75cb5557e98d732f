package gossip

import (
	"math"
	"sync"
	"time"

	"github.com/lminervino18/rustic-airlines/internal/model"
)

const arrivalWindowSize = 64

// arrivalWindow tracks heartbeat inter-arrival intervals for one peer.
type arrivalWindow struct {
	intervals []time.Duration
	next      int
	filled    bool
	last      time.Time
}

func (w *arrivalWindow) report(now time.Time) {
	if !w.last.IsZero() {
		if w.intervals == nil {
			w.intervals = make([]time.Duration, arrivalWindowSize)
		}
		w.intervals[w.next] = now.Sub(w.last)
		w.next = (w.next + 1) % arrivalWindowSize
		if w.next == 0 {
			w.filled = true
		}
	}
	w.last = now
}

func (w *arrivalWindow) mean() time.Duration {
	n := w.next
	if w.filled {
		n = arrivalWindowSize
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += w.intervals[i]
	}
	return sum / time.Duration(n)
}

// Detector is an accrual-style failure detector: instead of a fixed
// heartbeat timeout it computes a suspicion level (phi) from how far the
// current silence deviates from the node's own historical interval
// distribution, and declares DOWN only after an absolute bound.
type Detector struct {
	mu        sync.Mutex
	windows   map[string]*arrivalWindow
	phiLimit  float64
	downAfter time.Duration
}

// NewDetector creates a detector with the given suspicion threshold and
// hard DOWN timeout.
func NewDetector(phiLimit float64, downAfter time.Duration) *Detector {
	return &Detector{
		windows:   make(map[string]*arrivalWindow),
		phiLimit:  phiLimit,
		downAfter: downAfter,
	}
}

// Report records an accepted heartbeat update for the node.
func (d *Detector) Report(nodeID string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[nodeID]
	if !ok {
		w = &arrivalWindow{}
		d.windows[nodeID] = w
	}
	w.report(now)
}

// Forget drops the node's history, used when a member is purged.
func (d *Detector) Forget(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, nodeID)
}

// Phi returns the current suspicion level for the node.
func (d *Detector) Phi(nodeID string, now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phi(nodeID, now)
}

func (d *Detector) phi(nodeID string, now time.Time) float64 {
	w, ok := d.windows[nodeID]
	if !ok || w.last.IsZero() {
		return 0
	}
	mean := w.mean()
	if mean <= 0 {
		return 0
	}
	elapsed := now.Sub(w.last)
	// Exponential-tail approximation: phi grows linearly with silence
	// measured in units of the observed mean interval.
	return float64(elapsed) / float64(mean) * math.Log10(math.E)
}

// Liveness returns the verdict for the node. A node with no history yet is
// considered alive for a grace period so bootstrap cannot mark the whole
// seed list suspect.
func (d *Detector) Liveness(nodeID string, now time.Time) model.Liveness {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows[nodeID]
	if !ok || w.last.IsZero() {
		return model.LivenessAlive
	}
	elapsed := now.Sub(w.last)
	if elapsed >= d.downAfter {
		return model.LivenessDead
	}
	if d.phi(nodeID, now) > d.phiLimit {
		return model.LivenessSuspect
	}
	return model.LivenessAlive
}
