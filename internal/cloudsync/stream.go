package cloudsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"watchsync/internal/models"
	"watchsync/internal/state"
)

// Stream is one live subscription to the caller's events.
type Stream struct {
	conn   *websocket.Conn
	events chan models.Event
	errc   chan error

	closeOnce sync.Once
	done      chan struct{}
	reader    sync.WaitGroup
}

// DialEvents subscribes to the event stream. The returned stream delivers events until
// the connection drops; Err then yields the cause.
func (c *Client) DialEvents(ctx context.Context) (*Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: websocket.DefaultDialer.Proxy}
	conn, resp, err := dialer.DialContext(ctx, c.EventsURL(), c.headers())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial events: status %d", state.ErrTransport, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial events: %v", state.ErrTransport, err)
	}
	s := &Stream{conn: conn, events: make(chan models.Event, 256), errc: make(chan error, 1), done: make(chan struct{})}
	s.reader.Add(1)
	go s.read()
	return s, nil
}

func (s *Stream) read() {
	defer s.reader.Done()
	defer close(s.events)
	for {
		var evt models.Event
		if err := s.conn.ReadJSON(&evt); err != nil {
			s.errc <- fmt.Errorf("%w: event stream: %v", state.ErrTransport, err)
			return
		}
		select {
		case s.events <- evt:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) Events() <-chan models.Event {
	return s.events
}

// Err is valid once Events has been closed.
func (s *Stream) Err() error {
	select {
	case err := <-s.errc:
		return err
	default:
		return nil
	}
}

// Close returns once the reader goroutine has exited, even if nobody drains Events.
// It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
		s.reader.Wait()
	})
	return err
}
