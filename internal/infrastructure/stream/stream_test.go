package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-webhook-relay/internal/infrastructure/bus"
	"go-webhook-relay/internal/infrastructure/logger"
)

// syncRecorder guards a ResponseRecorder so tests can inspect the body
// while the connection's writer goroutine is still running.
type syncRecorder struct {
	mu  sync.Mutex
	rec *httptest.ResponseRecorder
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{rec: httptest.NewRecorder()}
}

func (s *syncRecorder) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Header()
}

func (s *syncRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Write(b)
}

func (s *syncRecorder) WriteHeader(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.WriteHeader(code)
}

func (s *syncRecorder) Flush() {}

func (s *syncRecorder) Body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Body.String()
}

func (s *syncRecorder) BodyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Body.Len()
}

func (s *syncRecorder) Code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Code
}

type parsedFrame struct {
	id    string
	event string
	data  string
}

// parseFrames decodes the wire format written by the SSE encoder: frames
// separated by a blank line, fields as "id:", "event:", "data:" lines.
func parseFrames(t *testing.T, body string) []parsedFrame {
	t.Helper()

	var frames []parsedFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		var f parsedFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id:"):
				f.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			case strings.HasPrefix(line, "event:"):
				f.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				f.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func openTestConnection(t *testing.T) (*Connection, *syncRecorder) {
	t.Helper()

	rec := newSyncRecorder()
	conn, err := New(context.Background(), "test-conn", rec, logger.NewNop())
	require.NoError(t, err)

	conn.Open()
	t.Cleanup(conn.Close)

	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body(), "event:ready")
	}, time.Second, 5*time.Millisecond, "ready frame never written")

	return conn, rec
}

func TestConnection_RequiresFlusher(t *testing.T) {
	type plainWriter struct{ http.ResponseWriter }

	_, err := New(context.Background(), "c", plainWriter{httptest.NewRecorder()}, logger.NewNop())
	assert.Error(t, err)
}

func TestConnection_OpenSendsHeadersAndReady(t *testing.T) {
	conn, rec := openTestConnection(t)

	assert.Equal(t, http.StatusOK, rec.Code())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, StateOpen, conn.State())

	frames := parseFrames(t, rec.Body())
	require.NotEmpty(t, frames)
	assert.Equal(t, "0", frames[0].id)
	assert.Equal(t, "ready", frames[0].event)
	assert.Contains(t, frames[0].data, `"connection":"test-conn"`)
}

func TestConnection_SequenceAcrossFrameKinds(t *testing.T) {
	conn, rec := openTestConnection(t)

	conn.SendData(bus.NewEvent(bus.EventTypeMessage, map[string]any{"n": 1}))
	conn.SendPing()
	conn.SendData(bus.NewEvent(bus.EventTypeMessage, map[string]any{"n": 2}))

	require.Eventually(t, func() bool {
		return len(parseFrames(t, rec.Body())) == 4
	}, time.Second, 5*time.Millisecond)

	frames := parseFrames(t, rec.Body())
	wantEvents := []string{"ready", "message", "ping", "message"}
	for i, f := range frames {
		assert.Equal(t, strconv.Itoa(i), f.id, "frame %d sequence", i)
		assert.Equal(t, wantEvents[i], f.event, "frame %d event", i)
	}
}

func TestConnection_IdenticalPayloadsDifferOnlyInSequence(t *testing.T) {
	conn, rec := openTestConnection(t)

	payload := map[string]any{"method": "POST", "body": "hook"}
	conn.SendData(bus.NewEvent(bus.EventTypeMessage, payload))
	conn.SendData(bus.NewEvent(bus.EventTypeMessage, payload))

	require.Eventually(t, func() bool {
		return len(parseFrames(t, rec.Body())) == 3
	}, time.Second, 5*time.Millisecond)

	frames := parseFrames(t, rec.Body())
	first, second := frames[1], frames[2]
	assert.Equal(t, first.event, second.event)
	assert.Equal(t, first.data, second.data)
	assert.NotEqual(t, first.id, second.id)
}

func TestConnection_WritesDroppedAfterClose(t *testing.T) {
	conn, rec := openTestConnection(t)

	conn.Close()
	conn.Wait()
	require.True(t, conn.IsClosed())

	written := rec.BodyLen()
	conn.SendData(bus.NewEvent(bus.EventTypeMessage, "late"))
	conn.SendPing()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, written, rec.BodyLen(), "closed connection must drop writes silently")
}

func TestConnection_CloseIdempotentAndRunsHookOnce(t *testing.T) {
	conn, _ := openTestConnection(t)

	hooks := 0
	conn.OnClose(func() { hooks++ })

	conn.Close()
	conn.Close()
	conn.Wait()

	assert.Equal(t, 1, hooks)
	assert.True(t, conn.IsClosed())
}

func TestConnection_CloseBeforeOpen(t *testing.T) {
	rec := newSyncRecorder()
	conn, err := New(context.Background(), "never-opened", rec, logger.NewNop())
	require.NoError(t, err)

	conn.Close()
	conn.Wait()

	assert.True(t, conn.IsClosed())
	assert.Zero(t, rec.BodyLen())

	// Open after close must not resurrect the stream.
	conn.Open()
	conn.SendPing()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.BodyLen())
}

func TestConnection_OpenRacingPublisher(t *testing.T) {
	// A bus handler may start firing the moment Subscribe returns, before
	// the handler goroutine calls Open. Open must complete regardless of
	// publish pressure, and the ready frame must still go out first at
	// sequence 0.
	for i := 0; i < 25; i++ {
		rec := newSyncRecorder()
		conn, err := New(context.Background(), "racy-conn", rec, logger.NewNop())
		require.NoError(t, err)

		stop := make(chan struct{})
		var spam sync.WaitGroup
		spam.Add(1)
		go func() {
			defer spam.Done()
			for {
				select {
				case <-stop:
					return
				default:
					conn.SendData(bus.NewEvent(bus.EventTypeMessage, "burst"))
				}
			}
		}()

		conn.Open()

		require.Eventually(t, func() bool {
			return strings.Contains(rec.Body(), "event:ready")
		}, time.Second, time.Millisecond, "ready frame never written (iteration %d)", i)

		close(stop)
		spam.Wait()
		conn.Close()
		conn.Wait()

		frames := parseFrames(t, rec.Body())
		require.NotEmpty(t, frames)
		assert.Equal(t, "ready", frames[0].event, "iteration %d", i)
		assert.Equal(t, "0", frames[0].id, "iteration %d", i)
		for j, f := range frames {
			assert.Equal(t, strconv.Itoa(j), f.id, "iteration %d frame %d", i, j)
		}
	}
}

func TestConnection_ConcurrentSendAndClose(t *testing.T) {
	conn, rec := openTestConnection(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			conn.SendData(bus.NewEvent(bus.EventTypeMessage, i))
		}
	}()

	time.Sleep(time.Millisecond)
	conn.Close()
	<-done
	conn.Wait()

	// Whatever made it out must still be well-framed with contiguous ids.
	frames := parseFrames(t, rec.Body())
	for i, f := range frames {
		assert.Equal(t, strconv.Itoa(i), f.id)
	}
}
