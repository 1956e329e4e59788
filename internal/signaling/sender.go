package signaling

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/util"
)

const sendBufferSize = 64 // outgoing frame channel capacity

// sender is the single-writer goroutine of a relay connection. It also
// owns the keepalive pings.
type sender struct {
	ctx   context.Context
	inbox chan []byte
	done  chan struct{}
}

// newSender creates a sender and starts the background loop. The loop exits
// when ctx is cancelled or a write fails; onErr receives the write error.
func newSender(ctx context.Context, conn *websocket.Conn, onErr func(error)) *sender {
	s := &sender{
		ctx:   ctx,
		inbox: make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
	}
	go s.loop(conn, onErr)
	return s
}

func (s *sender) loop(conn *websocket.Conn, onErr func(error)) {
	defer close(s.done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.inbox:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogError("failed to send relay event: %v", err)
				onErr(err)
				return
			}
			util.Stats.AddSent(len(data))

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				onErr(err)
				return
			}

		case <-s.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// send enqueues a frame. It blocks while the buffer is full and fails once
// either ctx or the connection is done.
func (s *sender) send(ctx context.Context, data []byte) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}
