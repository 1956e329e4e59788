package signaling

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

const registerWait = 10 * time.Second

// ServerOptions configures the relay server.
type ServerOptions struct {
	RateLimit rate.Limit // sustained events per second per connection
	Burst     int
}

// DefaultServerOptions allow short signaling bursts (ICE trickle) while
// capping abusive clients.
var DefaultServerOptions = ServerOptions{RateLimit: 20, Burst: 60}

// Server is the signaling relay. It keeps one connection per participant,
// routes events by their "to" field after stamping "from", and broadcasts
// the online roster whenever it changes.
type Server struct {
	opts ServerOptions

	mu    sync.Mutex
	peers map[protocol.ParticipantID]*peer
}

// peer is one registered connection on the relay.
type peer struct {
	id      protocol.ParticipantID
	conn    *websocket.Conn
	sender  *sender
	limiter *rate.Limiter
	cancel  context.CancelFunc
}

// NewServer creates a relay with no connected participants.
func NewServer(opts ServerOptions) *Server {
	if opts.RateLimit <= 0 {
		opts = DefaultServerOptions
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultServerOptions.Burst
	}
	return &Server{
		opts:  opts,
		peers: make(map[protocol.ParticipantID]*peer),
	}
}

// Router returns the relay's HTTP handler: /ws for participants and
// /healthz for liveness checks.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}

// ListenAndServe serves the relay on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()

	util.LogInfo("relay listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Online returns the registered participant ids in ascending order.
func (s *Server) Online() []protocol.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]protocol.ParticipantID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ---------------------------------------------------------------------------
// Connection handling
// ---------------------------------------------------------------------------

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	id, err := readRegister(conn)
	if err != nil {
		util.LogWarning("relay: rejecting %s: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "register first"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		id:      id,
		conn:    conn,
		limiter: rate.NewLimiter(s.opts.RateLimit, s.opts.Burst),
		cancel:  cancel,
	}
	p.sender = newSender(ctx, conn, func(error) { cancel() })

	s.register(p)
	util.Stats.AddConn()
	defer func() {
		s.unregister(p)
		util.Stats.RemoveConn()
	}()

	s.readLoop(ctx, p)
}

// readRegister waits for the mandatory first event and returns its sender id.
func readRegister(conn *websocket.Conn) (protocol.ParticipantID, error) {
	conn.SetReadDeadline(time.Now().Add(registerWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	evt, err := protocol.Decode(data)
	if err != nil {
		return 0, err
	}
	if evt.Type != protocol.TypeRegister || evt.From == 0 {
		return 0, errors.New("first event must register a participant id")
	}
	return evt.From, nil
}

func (s *Server) readLoop(ctx context.Context, p *peer) {
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		util.Stats.AddRecv(len(data))

		evt, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("relay: %s sent a bad event: %v", p.id, err)
			continue
		}

		// callEnd always gets through.
		if evt.Type != protocol.TypeCallEnd && !p.limiter.Allow() {
			util.LogWarning("relay: %s is over its rate limit, dropping %q", p.id, evt.Type)
			continue
		}

		switch evt.Type {
		case protocol.TypeRegister, protocol.TypeOnlineUsers:
			continue
		}
		if evt.To == 0 {
			util.LogWarning("relay: %s sent %q without a target", p.id, evt.Type)
			continue
		}

		evt.From = p.id
		s.route(evt)
	}
}

// route delivers evt to its target. An offer to an offline participant is
// answered with callEnd so that the caller does not ring forever.
func (s *Server) route(evt *protocol.Event) {
	s.mu.Lock()
	target, ok := s.peers[evt.To]
	s.mu.Unlock()

	if !ok {
		util.LogWarning("relay: %s is offline, dropping %q from %s", evt.To, evt.Type, evt.From)
		if evt.Type == protocol.TypeCallOffer {
			s.route(&protocol.Event{Type: protocol.TypeCallEnd, From: evt.To, To: evt.From})
		}
		return
	}

	data, err := protocol.Encode(evt)
	if err != nil {
		util.LogError("relay: cannot encode %q: %v", evt.Type, err)
		return
	}
	target.deliver(data)
}

// deliver queues data without blocking the sender's read loop.
func (p *peer) deliver(data []byte) {
	select {
	case p.sender.inbox <- data:
	default:
		util.LogWarning("relay: outbox of %s is full, dropping event", p.id)
	}
}

// ---------------------------------------------------------------------------
// Roster
// ---------------------------------------------------------------------------

// register adds p, replacing a previous connection with the same id.
func (s *Server) register(p *peer) {
	s.mu.Lock()
	old := s.peers[p.id]
	s.peers[p.id] = p
	s.mu.Unlock()

	if old != nil {
		util.LogInfo("relay: %s reconnected, closing previous connection", p.id)
		old.close()
	}
	util.LogInfo("relay: %s online", p.id)
	s.broadcastOnline()
}

// unregister removes p unless it has already been replaced.
func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	current := s.peers[p.id] == p
	if current {
		delete(s.peers, p.id)
	}
	s.mu.Unlock()

	p.close()
	if current {
		util.LogInfo("relay: %s offline", p.id)
		s.broadcastOnline()
	}
}

func (s *Server) broadcastOnline() {
	data, err := protocol.Encode(&protocol.Event{Type: protocol.TypeOnlineUsers, Online: s.Online()})
	if err != nil {
		util.LogError("relay: cannot encode roster: %v", err)
		return
	}

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.deliver(data)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[protocol.ParticipantID]*peer)
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

// close flushes the close frame and drops the connection.
func (p *peer) close() {
	p.cancel()
	<-p.sender.done
	p.conn.Close()
}
