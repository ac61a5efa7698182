// internal/api/ws.go
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/events"
)

const (
	wsWriteTimeout = 5 * time.Second
	// wsFlushTimeout bounds the final flush of queued frames on Close.
	wsFlushTimeout = time.Second
	wsOutboxSize   = 64
)

var errSubscriberSlow = errors.New("subscriber outbox full")

var closeNormalFrame = ws.MustCompileFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))

// wsSubscriber is a server-side WebSocket connection usable as a hub
// subscriber. Send only queues; a writer goroutine owns the socket writes
// so a stalled peer never blocks the publisher. All writes, including
// control replies, hold mu.
type wsSubscriber struct {
	id     string
	conn   net.Conn
	source io.Reader
	logger *zap.Logger

	mu     sync.Mutex
	closed bool

	outbox  chan []byte
	quit    chan struct{}
	flushed chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

var _ events.Subscriber = (*wsSubscriber)(nil)

func newWSSubscriber(conn net.Conn, source io.Reader, logger *zap.Logger) *wsSubscriber {
	if source == nil {
		source = conn
	}
	id := events.NewSubscriberID()
	s := &wsSubscriber{
		id:      id,
		conn:    conn,
		source:  source,
		logger:  logger.With(zap.String("subscriber_id", id)),
		outbox:  make(chan []byte, wsOutboxSize),
		quit:    make(chan struct{}),
		flushed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Done() <-chan struct{} { return s.done }

// Send queues payload as a single text frame. It never waits for the peer.
func (s *wsSubscriber) Send(payload []byte) error {
	frame, err := ws.CompileFrame(ws.NewTextFrame(payload))
	if err != nil {
		return err
	}

	select {
	case <-s.quit:
		return events.ErrSubscriberClosed
	default:
	}
	select {
	case s.outbox <- frame:
		return nil
	default:
		return errSubscriberSlow
	}
}

func (s *wsSubscriber) sendJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(payload)
}

// writeLoop drains the outbox in order. A failed write closes the
// subscriber; after Close it flushes what is already queued.
func (s *wsSubscriber) writeLoop() {
	defer close(s.flushed)
	for {
		select {
		case frame := <-s.outbox:
			deadline := time.Now().Add(wsWriteTimeout)
			select {
			case <-s.quit:
				deadline = time.Now().Add(wsFlushTimeout)
			default:
			}
			if err := s.write(frame, deadline); err != nil {
				if !isNormalClose(err) {
					s.logger.Debug("Write failed, closing subscriber", zap.Error(err))
				}
				// Close waits for this goroutine to exit
				go s.Close()
				return
			}
		case <-s.quit:
			deadline := time.Now().Add(wsFlushTimeout)
			for {
				select {
				case frame := <-s.outbox:
					if s.write(frame, deadline) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *wsSubscriber) write(frame []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return events.ErrSubscriberClosed
	}
	_ = s.conn.SetWriteDeadline(deadline)
	_, err := s.conn.Write(frame)
	return err
}

// Close flushes queued frames, sends a normal closure frame and releases
// the connection.
func (s *wsSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		// unblock a write stuck on a stalled peer
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsFlushTimeout))
		<-s.flushed

		s.mu.Lock()
		if !s.closed {
			s.closed = true
			_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = s.conn.Write(closeNormalFrame)
		}
		err = s.conn.Close()
		s.mu.Unlock()
		close(s.done)
	})
	return err
}

func (s *wsSubscriber) controlHandler() wsutil.FrameHandlerFunc {
	handle := wsutil.ControlFrameHandler(s.conn, ws.StateServerSide)
	return func(h ws.Header, r io.Reader) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return events.ErrSubscriberClosed
		}
		err := handle(h, r)
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			// the handler already answered the close frame
			s.closed = true
		}
		return err
	}
}

// readLoop delivers every text or binary message to onMessage until the
// peer disconnects. Control frames are answered inline.
func (s *wsSubscriber) readLoop(onMessage func([]byte)) error {
	control := s.controlHandler()
	rd := &wsutil.Reader{
		Source:         s.source,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		onMessage(data)
	}
}

// isNormalClose reports errors that simply mean the peer went away.
func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, events.ErrSubscriberClosed) {
		return true
	}
	var closed wsutil.ClosedError
	return errors.As(err, &closed)
}
