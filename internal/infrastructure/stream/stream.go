// Package stream turns bus subscriptions into ordered, framed push
// streams. Each connection owns its sequence counter and its lifecycle;
// the bus only holds a handler that enqueues into it.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/sse"

	"go-webhook-relay/internal/infrastructure/bus"
	"go-webhook-relay/internal/infrastructure/logger"
)

// Connection lifecycle states. Closed is terminal.
const (
	StateInit int32 = iota
	StateOpen
	StateClosed
)

// Control frame type labels. Data frames carry the bus event's own type.
const (
	eventReady = "ready"
	eventPing  = "ping"
)

// frameQueueSize bounds how far a slow client may fall behind before
// frames are dropped for it. Delivery is best-effort.
const frameQueueSize = 64

type frame struct {
	event string
	data  any
}

// Connection is one subscriber's SSE push stream. A single writer
// goroutine owns the response writer and the sequence counter, so frames
// go out in exactly the order enqueued with strictly increasing ids.
type Connection struct {
	id      string
	writer  http.ResponseWriter
	flusher http.Flusher

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32
	seq   uint64

	frames chan frame
	done   chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
	onCloseMu sync.Mutex
	onClose   func()

	logger logger.Logger
}

// New prepares a connection over w. The response writer must support
// flushing; without it events would sit in buffers until the stream ends.
func New(ctx context.Context, id string, w http.ResponseWriter, log logger.Logger) (*Connection, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	cctx, cancel := context.WithCancel(ctx)
	return &Connection{
		id:      id,
		writer:  w,
		flusher: flusher,
		ctx:     cctx,
		cancel:  cancel,
		frames:  make(chan frame, frameQueueSize),
		done:    make(chan struct{}),
		logger:  log.WithField("connection_id", id),
	}, nil
}

// ID returns the unique connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() int32 {
	return c.state.Load()
}

// IsClosed reports whether the connection reached its terminal state.
func (c *Connection) IsClosed() bool {
	return c.state.Load() == StateClosed
}

// Context is cancelled once the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// OnClose registers the cleanup hook run exactly once on close. The
// handler uses it to deregister the heartbeat and drop the bus
// subscription.
func (c *Connection) OnClose(fn func()) {
	c.onCloseMu.Lock()
	c.onClose = fn
	c.onCloseMu.Unlock()
}

// Open sends the response headers and the ready control frame at sequence
// 0, then starts the writer. Opening twice, or after Close, is a no-op.
func (c *Connection) Open() {
	c.openOnce.Do(c.open)
}

func (c *Connection) open() {
	if c.state.Load() != StateInit {
		return
	}

	h := c.writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // disable proxy buffering
	c.writer.WriteHeader(http.StatusOK)
	c.flusher.Flush()

	// Queued while the state is still Init. Producers drop frames until
	// the state flips, so the queue is empty here: ready takes sequence 0
	// and the send has guaranteed room.
	c.frames <- frame{event: eventReady, data: map[string]any{
		"connection": c.id,
		"time":       time.Now().UTC().Format(time.RFC3339),
	}}

	if !c.state.CompareAndSwap(StateInit, StateOpen) {
		// Closed while opening; the writer never starts.
		return
	}

	go c.writeLoop()
	c.logger.Info("push stream opened")
}

// SendPing enqueues a heartbeat frame. Dropped silently unless the
// connection is open.
func (c *Connection) SendPing() {
	c.enqueue(frame{event: eventPing, data: map[string]any{
		"time": time.Now().UTC().Format(time.RFC3339),
	}})
}

// SendData enqueues a data frame for a bus event. Dropped silently unless
// the connection is open; a full queue drops the frame for this
// connection only.
func (c *Connection) SendData(ev *bus.Event) {
	c.enqueue(frame{event: ev.Type, data: ev.Data})
}

func (c *Connection) enqueue(f frame) {
	if c.state.Load() != StateOpen {
		return
	}

	select {
	case c.frames <- f:
	default:
		c.logger.Warnf("frame queue full, dropping %s frame", f.event)
	}
}

// Close moves the connection to its terminal state: runs the cleanup hook
// (heartbeat deregistration, bus unsubscribe), cancels the context so the
// handler releases the socket, and stops the writer. Idempotent and safe
// to call concurrently with in-flight sends.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		started := c.state.Swap(StateClosed) == StateOpen

		c.onCloseMu.Lock()
		hook := c.onClose
		c.onCloseMu.Unlock()
		if hook != nil {
			hook()
		}

		c.cancel()
		if !started {
			close(c.done)
		}
		c.logger.Info("push stream closed")
	})
}

// Wait blocks until the connection is closed and the writer has stopped
// touching the response writer. The handler calls this before returning.
func (c *Connection) Wait() {
	<-c.ctx.Done()
	<-c.done
}

func (c *Connection) writeLoop() {
	defer close(c.done)

	for {
		select {
		case f := <-c.frames:
			if !c.writeFrame(f) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// writeFrame assigns the next sequence number and writes one frame. It
// runs only on the writeLoop goroutine and is the sole mutator of seq,
// which is what makes the numbering strictly increasing without a lock.
// A write error means the peer is gone: the connection closes and the
// error stops here, never reaching the publisher.
func (c *Connection) writeFrame(f frame) bool {
	seq := c.seq
	c.seq++

	err := sse.Encode(c.writer, sse.Event{
		Id:    strconv.FormatUint(seq, 10),
		Event: f.event,
		Data:  f.data,
	})
	if err != nil {
		c.logger.Debugf("write failed, closing stream: %v", err)
		go c.Close()
		return false
	}

	c.flusher.Flush()
	return true
}
