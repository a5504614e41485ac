package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-webhook-relay/internal/infrastructure/logger"
)

// DefaultHeartbeatInterval keeps intermediaries from reaping idle streams.
const DefaultHeartbeatInterval = 30 * time.Second

// Pinger is any open connection that can take a heartbeat frame.
type Pinger interface {
	ID() string
	SendPing()
}

// KeepAlive is the process-wide heartbeat scheduler. It is created once
// at startup, ticks every open connection on a fixed interval, and is
// torn down at shutdown.
type KeepAlive struct {
	interval time.Duration

	mu      sync.Mutex
	members map[Pinger]struct{}

	running   bool
	runningMu sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc

	logger logger.Logger
}

// NewKeepAlive creates a scheduler. A non-positive interval falls back to
// the default.
func NewKeepAlive(interval time.Duration, log logger.Logger) *KeepAlive {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &KeepAlive{
		interval: interval,
		members:  make(map[Pinger]struct{}),
		logger:   log.WithField("component", "keepalive"),
	}
}

// Start launches the tick loop.
func (k *KeepAlive) Start(ctx context.Context) error {
	k.runningMu.Lock()
	defer k.runningMu.Unlock()

	if k.running {
		return fmt.Errorf("keepalive scheduler is already running")
	}

	k.ctx, k.cancel = context.WithCancel(ctx)
	k.running = true

	go k.run()

	k.logger.Infof("keepalive scheduler started, interval %s", k.interval)
	return nil
}

// Stop halts the tick loop. Registered connections are left to their own
// close paths; stopping twice is a no-op.
func (k *KeepAlive) Stop() {
	k.runningMu.Lock()
	defer k.runningMu.Unlock()

	if !k.running {
		return
	}

	k.cancel()
	k.running = false
	k.logger.Info("keepalive scheduler stopped")
}

// Register adds a connection to the heartbeat set. O(1).
func (k *KeepAlive) Register(p Pinger) {
	k.mu.Lock()
	k.members[p] = struct{}{}
	k.mu.Unlock()
}

// Deregister removes a connection. O(1) and idempotent; a connection
// closing concurrently with a tick is simply skipped from the next one.
func (k *KeepAlive) Deregister(p Pinger) {
	k.mu.Lock()
	delete(k.members, p)
	k.mu.Unlock()
}

// Size returns the number of registered connections.
func (k *KeepAlive) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.members)
}

func (k *KeepAlive) run() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.tick()
		case <-k.ctx.Done():
			return
		}
	}
}

// tick snapshots the member set and pings each connection. SendPing is a
// non-blocking enqueue, so one stalled client cannot delay the rest.
func (k *KeepAlive) tick() {
	k.mu.Lock()
	members := make([]Pinger, 0, len(k.members))
	for p := range k.members {
		members = append(members, p)
	}
	k.mu.Unlock()

	for _, p := range members {
		p.SendPing()
	}

	if len(members) > 0 {
		k.logger.Debugf("heartbeat sent to %d connections", len(members))
	}
}
