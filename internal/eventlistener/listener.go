// internal/eventlistener/listener.go
package eventlistener

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// EventListener is a client of the transaction sockets.
type EventListener struct {
	conn   net.Conn
	br     *bufio.Reader
	rd     *wsutil.Reader
	logger *zap.Logger

	mu        sync.Mutex // guards writes
	closeOnce sync.Once
}

// NewEventListener устанавливает WebSocket-соединение, повторяя попытки с
// экспоненциальной задержкой.
func NewEventListener(ctx context.Context, wsURL string, logger *zap.Logger) (*EventListener, error) {
	type dialed struct {
		conn net.Conn
		br   *bufio.Reader
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff

	res, err := backoff.Retry(ctx, func() (dialed, error) {
		conn, br, _, err := ws.Dial(ctx, wsURL)
		if err != nil {
			var status ws.StatusError
			if errors.As(err, &status) {
				// the server answered; retrying will not change that
				return dialed{}, backoff.Permanent(err)
			}
			return dialed{}, err
		}
		return dialed{conn: conn, br: br}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debug("Dial failed, retrying", zap.String("url", wsURL), zap.Duration("delay", d), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	el := &EventListener{
		conn:   res.conn,
		br:     res.br,
		logger: logger,
	}

	// br holds frames that arrived together with the handshake
	var source io.Reader = res.conn
	if res.br != nil {
		source = res.br
	}
	el.rd = &wsutil.Reader{
		Source:         source,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: el.controlHandler(),
	}
	return el, nil
}

func (el *EventListener) controlHandler() wsutil.FrameHandlerFunc {
	handle := wsutil.ControlFrameHandler(el.conn, ws.StateClientSide)
	return func(h ws.Header, r io.Reader) error {
		el.mu.Lock()
		defer el.mu.Unlock()
		return handle(h, r)
	}
}

// Submit sends a swap order over the processing socket.
func (el *EventListener) Submit(sub domain.Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return el.WriteText(payload)
}

// WriteText sends a raw text message.
func (el *EventListener) WriteText(payload []byte) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	_ = el.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsutil.WriteClientMessage(el.conn, ws.OpText, payload)
}

// Next reads the next message. Not safe for concurrent use.
func (el *EventListener) Next(ctx context.Context) (Event, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = el.conn.SetReadDeadline(deadline)
		defer el.conn.SetReadDeadline(time.Time{})
	}

	control := el.controlHandler()
	for {
		hdr, err := el.rd.NextFrame()
		if err != nil {
			return Event{}, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, el.rd); err != nil {
				return Event{}, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := el.rd.Discard(); err != nil {
				return Event{}, err
			}
			continue
		}

		data, err := io.ReadAll(el.rd)
		if err != nil {
			return Event{}, err
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			el.logger.Warn("Malformed message", zap.ByteString("payload", data), zap.Error(err))
			continue
		}
		event.Raw = data
		return event, nil
	}
}

// Subscribe delivers messages to handler until the connection ends or ctx
// is cancelled. Both are a normal end and return nil.
func (el *EventListener) Subscribe(ctx context.Context, handler func(event Event)) error {
	// unblock a pending read on cancellation
	stop := context.AfterFunc(ctx, func() {
		_ = el.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for ctx.Err() == nil {
		event, err := el.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closed wsutil.ClosedError
			if errors.As(err, &closed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		handler(event)
	}
	return nil
}

// Close sends a normal closure and releases the connection.
func (el *EventListener) Close() error {
	var err error
	el.closeOnce.Do(func() {
		el.mu.Lock()
		_ = el.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteFrame(el.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
		el.mu.Unlock()
		err = el.conn.Close()
		if el.br != nil {
			ws.PutReader(el.br)
		}
	})
	return err
}
