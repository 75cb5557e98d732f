package gossip_test

import (
	"testing"
	"time"

	"github.com/lminervino18/rustic-airlines/internal/gossip"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestDetector_AliveWhileHeartbeatsArrive(t *testing.T) {
	d := gossip.NewDetector(8.0, time.Hour)
	now := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		d.Report("n1", now)
		now = now.Add(100 * time.Millisecond)
	}
	assert.Equal(t, model.LivenessAlive, d.Liveness("n1", now))
	assert.Less(t, d.Phi("n1", now), 8.0)
}

func TestDetector_SuspectAfterSilence(t *testing.T) {
	d := gossip.NewDetector(8.0, time.Hour)
	now := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		d.Report("n1", now)
		now = now.Add(100 * time.Millisecond)
	}
	// Silence of fifty mean intervals pushes phi far past the threshold
	// without reaching the hard DOWN bound.
	silent := now.Add(5 * time.Second)
	assert.Equal(t, model.LivenessSuspect, d.Liveness("n1", silent))
	assert.Greater(t, d.Phi("n1", silent), 8.0)
}

func TestDetector_DeadAfterHardBound(t *testing.T) {
	d := gossip.NewDetector(8.0, 2*time.Second)
	now := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		d.Report("n1", now)
		now = now.Add(100 * time.Millisecond)
	}
	assert.Equal(t, model.LivenessDead, d.Liveness("n1", now.Add(5*time.Second)))
}

func TestDetector_UnknownNodeIsAlive(t *testing.T) {
	d := gossip.NewDetector(8.0, time.Hour)
	assert.Equal(t, model.LivenessAlive, d.Liveness("never-seen", time.Now()))
}

func TestDetector_ForgetDropsHistory(t *testing.T) {
	d := gossip.NewDetector(8.0, time.Second)
	now := time.Unix(1000, 0)
	d.Report("n1", now)
	d.Report("n1", now.Add(100*time.Millisecond))
	d.Forget("n1")
	assert.Equal(t, model.LivenessAlive, d.Liveness("n1", now.Add(time.Hour)))
}
