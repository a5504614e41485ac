package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-webhook-relay/internal/infrastructure/logger"
)

type countingPinger struct {
	id    string
	pings atomic.Int64
}

func (p *countingPinger) ID() string { return p.id }
func (p *countingPinger) SendPing()  { p.pings.Add(1) }

func TestKeepAlive_StartStop(t *testing.T) {
	ka := NewKeepAlive(10*time.Millisecond, logger.NewNop())

	require.NoError(t, ka.Start(context.Background()))
	assert.Error(t, ka.Start(context.Background()), "second start must fail")

	ka.Stop()
	ka.Stop()
}

func TestKeepAlive_DefaultInterval(t *testing.T) {
	ka := NewKeepAlive(0, logger.NewNop())
	assert.Equal(t, DefaultHeartbeatInterval, ka.interval)
}

func TestKeepAlive_PingsRegisteredConnections(t *testing.T) {
	ka := NewKeepAlive(10*time.Millisecond, logger.NewNop())
	require.NoError(t, ka.Start(context.Background()))
	defer ka.Stop()

	a := &countingPinger{id: "a"}
	b := &countingPinger{id: "b"}
	ka.Register(a)
	ka.Register(b)
	assert.Equal(t, 2, ka.Size())

	require.Eventually(t, func() bool {
		return a.pings.Load() >= 2 && b.pings.Load() >= 2
	}, time.Second, 2*time.Millisecond, "both members should receive periodic heartbeats")
}

func TestKeepAlive_DeregisterStopsHeartbeats(t *testing.T) {
	const interval = 10 * time.Millisecond

	ka := NewKeepAlive(interval, logger.NewNop())
	require.NoError(t, ka.Start(context.Background()))
	defer ka.Stop()

	p := &countingPinger{id: "p"}
	ka.Register(p)

	require.Eventually(t, func() bool {
		return p.pings.Load() >= 1
	}, time.Second, 2*time.Millisecond)

	ka.Deregister(p)
	ka.Deregister(p)
	assert.Equal(t, 0, ka.Size())

	// At most one tick may still be in flight at deregistration time;
	// after that the count must freeze.
	time.Sleep(interval)
	frozen := p.pings.Load()
	time.Sleep(4 * interval)
	assert.Equal(t, frozen, p.pings.Load(), "heartbeats must cease within one interval of deregistration")
}

func TestKeepAlive_StopHaltsTicks(t *testing.T) {
	ka := NewKeepAlive(10*time.Millisecond, logger.NewNop())
	require.NoError(t, ka.Start(context.Background()))

	p := &countingPinger{id: "p"}
	ka.Register(p)

	require.Eventually(t, func() bool {
		return p.pings.Load() >= 1
	}, time.Second, 2*time.Millisecond)

	ka.Stop()
	time.Sleep(10 * time.Millisecond)
	frozen := p.pings.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, frozen, p.pings.Load())
}

func TestKeepAlive_DeregisterDuringTick(t *testing.T) {
	ka := NewKeepAlive(time.Millisecond, logger.NewNop())
	require.NoError(t, ka.Start(context.Background()))
	defer ka.Stop()

	// Churn members while ticks run; the loop must never fail on a
	// concurrently removed connection.
	for i := 0; i < 200; i++ {
		p := &countingPinger{id: "churn"}
		ka.Register(p)
		ka.Deregister(p)
	}
	assert.Equal(t, 0, ka.Size())
}
