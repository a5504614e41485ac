package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"go-webhook-relay/internal/infrastructure/bus"
	"go-webhook-relay/internal/infrastructure/logger"
)

// wsWriteTimeout bounds a single frame write to a WebSocket peer.
const wsWriteTimeout = 10 * time.Second

// wsMessage is the JSON frame sent to WebSocket observers. It mirrors the
// SSE frame fields: sequence id, event label, payload.
type wsMessage struct {
	ID    uint64 `json:"id"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WSConnection feeds the same event stream to a WebSocket observer.
// Ready and data frames share the sequence counter; heartbeats use
// protocol-level ping frames, which carry no payload.
type WSConnection struct {
	id   string
	conn *websocket.Conn

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

// NewWS wraps an upgraded WebSocket connection.
func NewWS(ctx context.Context, id string, conn *websocket.Conn, log logger.Logger) *WSConnection {
	cctx, cancel := context.WithCancel(ctx)
	return &WSConnection{
		id:     id,
		conn:   conn,
		ctx:    cctx,
		cancel: cancel,
		frames: make(chan frame, frameQueueSize),
		done:   make(chan struct{}),
		logger: log.WithField("connection_id", id),
	}
}

// ID returns the unique connection identifier.
func (c *WSConnection) ID() string {
	return c.id
}

// IsClosed reports whether the connection reached its terminal state.
func (c *WSConnection) IsClosed() bool {
	return c.state.Load() == StateClosed
}

// Context is cancelled once the connection closes.
func (c *WSConnection) Context() context.Context {
	return c.ctx
}

// OnClose registers the cleanup hook run exactly once on close.
func (c *WSConnection) OnClose(fn func()) {
	c.onCloseMu.Lock()
	c.onClose = fn
	c.onCloseMu.Unlock()
}

// Open sends the ready frame and starts the pumps. The read pump exists
// only to notice the peer going away; observers never send data.
// Opening twice, or after Close, is a no-op.
func (c *WSConnection) Open() {
	c.openOnce.Do(c.open)
}

func (c *WSConnection) open() {
	if c.state.Load() != StateInit {
		return
	}

	// Same ordering as the SSE stream: queued while Init, so ready takes
	// sequence 0 and the send has guaranteed room.
	c.frames <- frame{event: eventReady, data: map[string]any{
		"connection": c.id,
		"time":       time.Now().UTC().Format(time.RFC3339),
	}}

	if !c.state.CompareAndSwap(StateInit, StateOpen) {
		return
	}

	go c.writePump()
	go c.readPump()
	c.logger.Info("websocket stream opened")
}

// SendPing enqueues a heartbeat. Delivered as a WebSocket ping control
// frame rather than a data message.
func (c *WSConnection) SendPing() {
	c.enqueue(frame{event: eventPing})
}

// SendData enqueues a data frame for a bus event, dropping it if the peer
// has fallen too far behind.
func (c *WSConnection) SendData(ev *bus.Event) {
	c.enqueue(frame{event: ev.Type, data: ev.Data})
}

func (c *WSConnection) enqueue(f frame) {
	if c.state.Load() != StateOpen {
		return
	}

	select {
	case c.frames <- f:
	default:
		c.logger.Warnf("frame queue full, dropping %s frame", f.event)
	}
}

// Close runs the cleanup hook, performs the close handshake, and releases
// the socket. Idempotent.
func (c *WSConnection) Close() {
	c.closeOnce.Do(func() {
		started := c.state.Swap(StateClosed) == StateOpen

		c.onCloseMu.Lock()
		hook := c.onClose
		c.onCloseMu.Unlock()
		if hook != nil {
			hook()
		}

		c.cancel()

		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.conn.Close()

		if !started {
			close(c.done)
		}
		c.logger.Info("websocket stream closed")
	})
}

// Wait blocks until the connection is closed and the write pump stopped.
func (c *WSConnection) Wait() {
	<-c.ctx.Done()
	<-c.done
}

func (c *WSConnection) writePump() {
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

// writeFrame runs only on the writePump goroutine and is the sole
// mutator of seq.
func (c *WSConnection) writeFrame(f frame) bool {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

	var err error
	if f.event == eventPing {
		err = c.conn.WriteMessage(websocket.PingMessage, nil)
	} else {
		seq := c.seq
		c.seq++
		err = c.conn.WriteJSON(wsMessage{ID: seq, Event: f.event, Data: f.data})
	}

	if err != nil {
		c.logger.Debugf("write failed, closing stream: %v", err)
		go c.Close()
		return false
	}
	return true
}

// readPump discards anything the peer sends and closes the connection on
// read error, which is how a client disconnect surfaces.
func (c *WSConnection) readPump() {
	defer c.Close()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
			) {
				c.logger.Debugf("websocket read error: %v", err)
			}
			return
		}
	}
}
