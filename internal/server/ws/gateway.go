// Package ws is the participant gateway. It authenticates wallet connections,
// turns JSON command envelopes into session and matchmaking calls, and routes
// match events from the signal bus to the participants they name.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/crypto"
	"github.com/alanyoungcy/rpsarena/internal/domain"
	"github.com/alanyoungcy/rpsarena/internal/matchmaking"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// eventPattern matches every per-match event channel.
const eventPattern = "match:*"

// Sessions is the slice of the session manager the gateway drives.
type Sessions interface {
	Create(ctx context.Context, creator domain.Participant, currency domain.Currency, stake decimal.Decimal, roundsToWin int, visibility domain.Visibility) (domain.MatchSnapshot, error)
	Join(ctx context.Context, matchID string, p domain.Participant) (domain.MatchSnapshot, error)
	SubmitCommitment(ctx context.Context, matchID, participantID string, round int, c domain.Commitment) (domain.MatchSnapshot, error)
	Reveal(ctx context.Context, matchID, participantID string, round int, move domain.Move, nonce uint64) (domain.MatchSnapshot, error)
	Quit(ctx context.Context, matchID, participantID string) (domain.MatchSnapshot, error)
	Resume(ctx context.Context, matchID, participantID string) (domain.MatchSnapshot, error)
	Disconnect(matchID, participantID string)
	Get(matchID string) (domain.MatchSnapshot, error)
	ActiveMatch(participantID string) (string, bool)
	Hint(ctx context.Context, participantID string) (string, bool)
}

// Matchmaker is the slice of the matchmaking coordinator the gateway drives.
type Matchmaker interface {
	RequestMatch(ctx context.Context, p domain.Participant, currency domain.Currency, stake decimal.Decimal) (matchmaking.Ticket, error)
	Cancel(ctx context.Context, participantID string) (matchmaking.Ticket, error)
}

// Deps are the collaborators of a Gateway. Limiter, Verifier and Tokens are
// optional: a nil Verifier accepts any address without a signature and a nil
// Tokens lets a seated participant resume without presenting a token.
type Deps struct {
	Sessions   Sessions
	Matchmaker Matchmaker
	Bus        domain.SignalBus
	Limiter    domain.RateLimiter
	Verifier   *crypto.WalletVerifier
	Tokens     *crypto.ResumeTokens
}

// Config holds gateway tunables.
type Config struct {
	// CommandLimit commands are accepted per participant per CommandWindow.
	// Zero disables command rate limiting.
	CommandLimit  int
	CommandWindow time.Duration

	// AllowedOrigins restricts the websocket Origin header. Empty allows all.
	AllowedOrigins []string
}

// Gateway manages connected participants and bridges the signal bus to them.
type Gateway struct {
	deps     Deps
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clients    map[string]map[*client]struct{}
	register   chan *client
	unregister chan *client
	deliver    chan domain.Event
	done       chan struct{}
	mu         sync.RWMutex

	baseMu  sync.RWMutex
	baseCtx context.Context
}

// NewGateway creates a gateway. Call Run before serving HandleWS.
func NewGateway(deps Deps, cfg Config, logger *slog.Logger) *Gateway {
	g := &Gateway{
		deps:       deps,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws")),
		clients:    make(map[string]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		deliver:    make(chan domain.Event, 256),
		done:       make(chan struct{}),
		baseCtx:    context.Background(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Run subscribes to match events and serves registrations until ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.baseMu.Lock()
	g.baseCtx = ctx
	g.baseMu.Unlock()

	events, err := g.deps.Bus.Subscribe(ctx, eventPattern)
	if err != nil {
		return err
	}
	go g.forward(ctx, events)

	for {
		select {
		case <-ctx.Done():
			// Client contexts derive from ctx, so every write pump is
			// already closing its connection.
			close(g.done)
			g.mu.Lock()
			clear(g.clients)
			g.mu.Unlock()
			return ctx.Err()

		case c := <-g.register:
			g.mu.Lock()
			set := g.clients[c.participant.ID]
			if set == nil {
				set = make(map[*client]struct{})
				g.clients[c.participant.ID] = set
			}
			set[c] = struct{}{}
			g.mu.Unlock()
			g.logger.Info("participant connected",
				slog.String("participant", c.participant.ID),
				slog.Int("total_clients", g.ClientCount()),
			)

		case c := <-g.unregister:
			g.mu.Lock()
			last := false
			if set, ok := g.clients[c.participant.ID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(g.clients, c.participant.ID)
					last = true
				}
			}
			g.mu.Unlock()
			g.logger.Info("participant disconnected",
				slog.String("participant", c.participant.ID),
				slog.Int("total_clients", g.ClientCount()),
			)
			if last {
				g.markDisconnected(c.participant.ID)
			}

		case evt := <-g.deliver:
			g.route(evt)
		}
	}
}

// forward decodes bus payloads and hands them to the run loop.
func (g *Gateway) forward(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-events:
			if !ok {
				g.logger.Warn("event subscription closed", slog.String("pattern", eventPattern))
				return
			}
			var evt domain.Event
			if err := json.Unmarshal(payload, &evt); err != nil {
				g.logger.Warn("dropping undecodable event", slog.String("error", err.Error()))
				continue
			}
			select {
			case g.deliver <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

// route sends evt to every connection of every recipient.
func (g *Gateway) route(evt domain.Event) {
	msg, err := json.Marshal(envelope{
		Type:    string(evt.Type),
		MatchID: evt.MatchID,
		Data:    evt.Data,
		At:      evt.At,
	})
	if err != nil {
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, pid := range evt.Recipients {
		for c := range g.clients[pid] {
			select {
			case c.send <- msg:
			default:
				g.logger.Warn("dropping event for slow client",
					slog.String("participant", pid),
					slog.String("type", string(evt.Type)),
				)
			}
		}
	}
}

// markDisconnected starts the grace period of the participant's live match
// once their last connection is gone.
func (g *Gateway) markDisconnected(participantID string) {
	matchID, ok := g.deps.Sessions.ActiveMatch(participantID)
	if !ok {
		return
	}
	go g.deps.Sessions.Disconnect(matchID, participantID)
}

// ClientCount returns the number of open connections.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, set := range g.clients {
		n += len(set)
	}
	return n
}

// HandleWS authenticates the wallet in the query string, upgrades the
// connection and registers the participant.
// GET /ws?address=<wallet>&ts=<unix>&sig=<personal_sign>
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticate(r)
	if err != nil {
		g.logger.Warn("handshake rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized"}`))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	g.baseMu.RLock()
	ctx, cancel := context.WithCancel(g.baseCtx)
	g.baseMu.RUnlock()

	c := &client{
		gw:          g,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		participant: p,
		ctx:         ctx,
		cancel:      cancel,
	}

	select {
	case g.register <- c:
	case <-g.done:
		cancel()
		conn.Close()
		return
	}
	c.offerResume()

	go c.writePump()
	go c.readPump()
}

func (g *Gateway) authenticate(r *http.Request) (domain.Participant, error) {
	q := r.URL.Query()
	address := strings.TrimSpace(q.Get("address"))
	if address == "" {
		return domain.Participant{}, errorf(domain.ErrUnauthorized, "missing address")
	}
	if g.deps.Verifier != nil {
		ts, err := strconv.ParseInt(q.Get("ts"), 10, 64)
		if err != nil {
			return domain.Participant{}, errorf(domain.ErrUnauthorized, "bad timestamp")
		}
		if err := g.deps.Verifier.VerifyLogin(address, ts, q.Get("sig")); err != nil {
			return domain.Participant{}, err
		}
	}
	return domain.NewParticipant(address), nil
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range g.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// client is a single participant connection.
type client struct {
	gw          *Gateway
	conn        *websocket.Conn
	send        chan []byte
	participant domain.Participant
	ctx         context.Context
	cancel      context.CancelFunc
}

// readPump reads command envelopes and executes them in arrival order.
func (c *client) readPump() {
	defer func() {
		select {
		case c.gw.unregister <- c:
		case <-c.gw.done:
		}
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Warn("unexpected close error",
					slog.String("participant", c.participant.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil || cmd.Type == "" {
			c.sendError("", "", errorf(domain.ErrValidation, "malformed command envelope"))
			continue
		}
		c.handle(cmd)
	}
}

// writePump pumps queued messages to the connection as text frames and
// sends periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// queue enqueues a direct message for this connection only.
func (c *client) queue(typ domain.EventType, matchID string, data any) {
	evt := domain.NewEvent(typ, matchID, nil, data)
	msg, err := json.Marshal(envelope{Type: string(evt.Type), MatchID: matchID, Data: evt.Data, At: evt.At})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// offerResume tells a freshly connected participant about a match they can
// still resume.
func (c *client) offerResume() {
	matchID, ok := c.gw.deps.Sessions.Hint(c.ctx, c.participant.ID)
	if !ok {
		return
	}
	c.sendResumeToken(matchID)
}

func (c *client) sendResumeToken(matchID string) {
	if matchID == "" {
		return
	}
	data := map[string]string{"match_id": matchID}
	if c.gw.deps.Tokens != nil {
		data["resume_token"] = c.gw.deps.Tokens.Issue(matchID, c.participant.ID)
	}
	c.queue(domain.EventResumeAvailable, matchID, data)
}

func (c *client) sendError(cmd domain.CommandType, ref string, err error) {
	c.queue(domain.EventError, "", errorData{
		Code:    domain.ErrorCode(err),
		Message: err.Error(),
		Command: string(cmd),
		Ref:     ref,
	})
}
