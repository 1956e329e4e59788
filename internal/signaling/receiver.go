package signaling

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// watch is the read loop. It decodes every frame and hands it to the
// subscribers of its type; malformed frames are logged and skipped.
func (c *Client) watch() {
	c.conn.SetReadLimit(protocol.MaxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogWarning("relay connection lost: %v", err)
			}
			c.fail(err)
			return
		}
		util.Stats.AddRecv(len(data))

		evt, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				util.LogWarning("dropping relay event: %v", err)
			}
			continue
		}

		if evt.Type == protocol.TypeOnlineUsers {
			c.mu.Lock()
			c.online = evt
			c.mu.Unlock()
		}

		if !c.subs.dispatch(evt) {
			util.LogDebug("no subscriber for %q event", evt.Type)
		}
	}
}
