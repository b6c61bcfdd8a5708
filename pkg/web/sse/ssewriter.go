// Package sse writes Anthropic-format Server-Sent Events over a buffered
// channel with a single writer goroutine and periodic pings.
package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kirogw/kirogw/pkg/anthropic"
)

const (
	ContentType  = "text/event-stream"
	CacheControl = "no-cache"

	// PingInterval matches the upstream idle window; clients drop the
	// connection without traffic well before most proxies do.
	PingInterval = 25 * time.Second
)

// Writer streams SSE events to one HTTP response. All writes funnel
// through a single goroutine; pings are generated there so they keep
// flowing even while the handler is blocked reading upstream.
type Writer struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	ctx     context.Context
	writeCh chan anthropic.SSEEvent

	lock        sync.Mutex
	closed      bool
	initialized bool
	err         error

	wg sync.WaitGroup
}

// NewWriter wraps a response writer; call Setup before sending events.
func NewWriter(w http.ResponseWriter, ctx context.Context) *Writer {
	return &Writer{
		w:       w,
		rc:      http.NewResponseController(w),
		ctx:     ctx,
		writeCh: make(chan anthropic.SSEEvent, 64),
	}
}

// Setup sends the SSE response headers and starts the writer goroutine.
func (s *Writer) Setup() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return fmt.Errorf("sse writer is closed")
	}
	s.initialized = true

	// Streaming responses must not inherit the server write deadline.
	if err := s.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("failed to reset write deadline: %v", err)
	}

	s.w.Header().Set("Content-Type", ContentType)
	s.w.Header().Set("Cache-Control", CacheControl)
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	if err := s.rc.Flush(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.writerLoop()
	return nil
}

func (s *Writer) writerLoop() {
	defer s.wg.Done()

	pingTicker := time.NewTicker(PingInterval)
	defer pingTicker.Stop()

	for {
		// Pings take priority so an idle upstream read cannot starve them.
		select {
		case <-pingTicker.C:
			if err := s.writeEvent(anthropic.PingEvent()); err != nil {
				s.setError(err)
				return
			}
			continue
		default:
		}

		select {
		case ev, ok := <-s.writeCh:
			if !ok {
				return
			}
			if err := s.writeEvent(ev); err != nil {
				s.setError(err)
				return
			}
		case <-pingTicker.C:
			if err := s.writeEvent(anthropic.PingEvent()); err != nil {
				s.setError(err)
				return
			}
		case <-s.ctx.Done():
			s.setError(s.ctx.Err())
			return
		}
	}
}

func (s *Writer) writeEvent(ev anthropic.SSEEvent) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Event, ev.Data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *Writer) setError(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err reports the first write error (including client disconnect).
func (s *Writer) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.err == nil && s.ctx.Err() != nil {
		s.err = s.ctx.Err()
	}
	return s.err
}

// Send queues one event. It blocks when the client reads slower than the
// upstream produces, and fails once the connection is gone.
func (s *Writer) Send(ev anthropic.SSEEvent) error {
	s.lock.Lock()
	closed := s.closed
	s.lock.Unlock()
	if closed {
		return fmt.Errorf("sse writer is closed")
	}
	if err := s.Err(); err != nil {
		return err
	}
	select {
	case s.writeCh <- ev:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// SendAll queues a batch, stopping at the first failure.
func (s *Writer) SendAll(events []anthropic.SSEEvent) error {
	for _, ev := range events {
		if err := s.Send(ev); err != nil {
			return err
		}
	}
	return nil
}

// Close drains pending events and stops the writer goroutine.
func (s *Writer) Close() {
	s.lock.Lock()
	if s.closed || !s.initialized {
		s.lock.Unlock()
		return
	}
	s.closed = true
	close(s.writeCh)
	s.lock.Unlock()
	s.wg.Wait()
}
