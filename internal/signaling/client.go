// Package signaling implements the relay channel: a WebSocket client that
// publishes and subscribes to call events, and the relay server that routes
// those events between participants.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// ErrClosed is returned when sending on a closed relay channel.
var ErrClosed = errors.New("relay channel closed")

// Client is a connection to the signaling relay for one participant.
//
// All writes go through a single writer goroutine; all reads happen on a
// single reader goroutine that fans events out to subscribers. Subscribers
// run on the reader goroutine and must not block.
type Client struct {
	self protocol.ParticipantID
	conn *websocket.Conn

	subs   *registry
	sender *sender

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu     sync.Mutex
	err    error
	online *protocol.Event // latest onlineUsers snapshot
}

// Dial connects to the relay at url and registers self. ctx bounds both the
// dial and the lifetime of the returned Client.
func Dial(ctx context.Context, url string, self protocol.ParticipantID) (*Client, error) {
	if self == 0 {
		return nil, fmt.Errorf("cannot register participant id 0")
	}

	conn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}

	cCtx, cCancel := context.WithCancel(ctx)
	c := &Client{
		self:   self,
		conn:   conn,
		subs:   newRegistry(),
		ctx:    cCtx,
		cancel: cCancel,
	}

	c.sender = newSender(cCtx, conn, c.fail)
	go c.watch()

	if err := c.Send(ctx, &protocol.Event{Type: protocol.TypeRegister}); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register with relay: %w", err)
	}

	util.Stats.AddConn()
	util.LogDebug("relay connected as %s: %s", self, url)
	return c, nil
}

// Self returns the participant id this client registered as.
func (c *Client) Self() protocol.ParticipantID {
	return c.self
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Send stamps evt with this participant's id and queues it for the relay.
// It blocks while the outgoing queue is full.
func (c *Client) Send(ctx context.Context, evt *protocol.Event) error {
	out := *evt
	out.From = c.self

	data, err := protocol.Encode(&out)
	if err != nil {
		return err
	}
	return c.sender.send(ctx, data)
}

// Subscribe registers fn for events of type t. The returned function
// removes the subscription. A new onlineUsers subscriber is handed the
// latest snapshot right away, so the one sent on registration is not lost.
func (c *Client) Subscribe(t protocol.EventType, fn func(*protocol.Event)) func() {
	unsubscribe := c.subs.subscribe(t, fn)
	if t == protocol.TypeOnlineUsers {
		c.mu.Lock()
		last := c.online
		c.mu.Unlock()
		if last != nil {
			fn(last)
		}
	}
	return unsubscribe
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns the error that broke the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.sender.done
		c.conn.Close()
		util.Stats.RemoveConn()
	})
	return nil
}

// fail records the first transport error and tears the client down.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil && c.ctx.Err() == nil {
		c.err = err
	}
	c.mu.Unlock()
	go c.Close()
}
