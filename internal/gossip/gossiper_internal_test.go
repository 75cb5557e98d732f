package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/lminervino18/rustic-airlines/internal/metrics"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// budgetTransport records how much timeout budget each exchange starts with
// and burns some of it before answering.
type budgetTransport struct {
	delay   time.Duration
	budgets []time.Duration
}

func (bt *budgetTransport) Exchange(ctx context.Context, _ string, _ *Syn) (*Ack, error) {
	if deadline, ok := ctx.Deadline(); ok {
		bt.budgets = append(bt.budgets, time.Until(deadline))
	}
	time.Sleep(bt.delay)
	return &Ack{}, nil
}

func (bt *budgetTransport) SendAck2(context.Context, string, *Ack2) error { return nil }

func TestTick_EachPeerGetsItsOwnTimeoutBudget(t *testing.T) {
	const timeout = 200 * time.Millisecond
	bt := &budgetTransport{delay: timeout / 2}
	g := New(Config{
		TickInterval:    time.Hour,
		Fanout:          3,
		PhiThreshold:    8.0,
		DownAfter:       time.Hour,
		RequestTimeout:  timeout,
		PurgeRemovedAge: time.Hour,
	}, model.NodeInfo{ID: "a", Addr: "a:7000"}, nil, bt, ring.NewHolder(), zap.NewNop(), metrics.NewNop())

	for _, id := range []string{"b", "c", "d"} {
		g.HandleAck2(&Ack2{FromID: id, Updated: map[string]*model.NodeInfo{
			id: {ID: id, Addr: id + ":7000", Status: model.NodeStatusNormal, Generation: 1, Version: 1},
		}})
	}

	g.tick()

	// A slow peer must not consume the next peer's budget: every exchange
	// starts with its own full timeout, not whatever the round has left.
	require.Len(t, bt.budgets, 3)
	for i, budget := range bt.budgets {
		assert.Greater(t, budget, timeout*3/4, "peer %d", i)
	}
}
