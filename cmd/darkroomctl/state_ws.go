package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
// Timer UIs (wall tablet, phone) subscribe here for live countdown state.
//
//   - A Hub tracks connected clients
//   - Per-client write pumps so one slow client doesn't block others
//   - A broadcaster loop fans reducer-emitted broadcasts out to all clients
//
// DaemonState stays daemon-owned; clients only ever see snapshots and typed
// broadcasts. The initial snapshot on connect goes through the reducer via
// RequestSnapshot. Slow clients are disconnected when their send buffer
// fills; a stalled tablet must never delay a countdown frame to the others.
//
// Wire format: JSON text frames with an envelope {type, ts, data}. The
// initial message on connect is "state_init" with a StateSnapshot in data.
// ============================================================================

// envelope is the wire format for outbound WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

type wsTimerTickData struct {
	Phase            string  `json:"phase"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	ElapsedSeconds   float64 `json:"elapsed_seconds,omitempty"`
}

type wsExposureStartedData struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Origin          string  `json:"origin"`
}

type wsExposureFinishedData struct {
	Outcome        ExposureOutcome `json:"outcome"`
	ExposedSeconds float64         `json:"exposed_seconds"`
}

type wsSafelightChangedData struct {
	On    bool   `json:"on"`
	Cause string `json:"cause"`
}

type wsWarningData struct {
	Message string `json:"message"`
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled. It disconnects all
// clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after unlocking.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit. Guard against double-close.
		safeCloseChan(c.send)

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized JSON frame for broadcast. It
// never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts a websocket close code/text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// writePump writes messages from the send queue to the websocket. It exits
// on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					if code, text, ok := closeStatus(err); ok {
						c.logger.Info("ws writePump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
					} else {
						c.logger.Info("ws writePump exiting (write error)", "remote_addr", c.remoteAddr, "error", err)
					}
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Info("ws writePump exiting (ping error)", "remote_addr", c.remoteAddr, "error", err)
				}
				return
			}
		}
	}
}

// readPump reads and discards incoming messages to detect disconnects and
// handle control frames. It exits on read error, then unregisters the
// client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				if code, text, ok := closeStatus(err); ok {
					c.logger.Info("ws readPump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
				} else {
					c.logger.Info("ws readPump exiting (read error)", "remote_addr", c.remoteAddr, "error", err)
				}
			}

			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP Handler + server wiring
// ============================================================================

type Server struct {
	logger *slog.Logger

	hub *Hub

	// Required for the initial snapshot on connect (through the reducer).
	events chan<- Event
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the WS state server components. Call Register on a
// mux, start hub.Run(ctx), and start RunBroadcaster.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	hub := NewHub(logger, cfg.Hub)
	return &Server{
		logger: logger,
		hub:    hub,
		events: events,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// Timer UIs live on the darkroom LAN; origin checks stay permissive.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Register first so broadcasts can reach the client.
	s.hub.register <- client

	// Pumps must not use the HTTP request context: net/http cancels it when
	// the handler returns, which would kill the connection with a 1006. The
	// hub owns the connection lifetime instead.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	if s.events == nil {
		return
	}

	// Snapshot round-trip through the reducer; the request context is right
	// here because it should cancel if the client disconnects mid-flight.
	reply := make(chan StateSnapshot, 1)

	select {
	case <-r.Context().Done():
		return
	case s.events <- RequestSnapshot{Reply: reply}:
	}

	waitCtx := r.Context()
	if _, has := r.Context().Deadline(); !has {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()
	}

	select {
	case <-waitCtx.Done():
		if !errors.Is(waitCtx.Err(), context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", waitCtx.Err())
		}

	case snap := <-reply:
		now := time.Now().UTC()
		initMsg, mErr := json.Marshal(envelope{
			Type: "state_init",
			Ts:   &now,
			Data: snap,
		})
		if mErr == nil {
			select {
			case client.send <- initMsg:
			default:
				s.hub.unregister <- client
			}
		}
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads reducer-emitted broadcasts, marshals them, and fans
// them out to all hub clients. Intended to run as a single goroutine.
//
// No coalescing happens here: timer_tick is already throttled to one frame
// per second by the reducer, and everything else is edge-triggered.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case b, ok := <-src:
			if !ok {
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			typ, data, at, known := convertBroadcast(b)
			if !known {
				continue
			}

			ts := at
			if ts.IsZero() {
				ts = time.Now().UTC()
			}

			msg, err := json.Marshal(envelope{Type: typ, Ts: &ts, Data: data})
			if err != nil {
				logger.Warn("ws broadcaster marshal failed", "error", err, "type", typ)
				continue
			}

			hub.BroadcastBytes(msg)
		}
	}
}

func convertBroadcast(b StateBroadcast) (typ string, data any, at time.Time, known bool) {
	switch ev := b.(type) {
	case BroadcastTimerTick:
		return "timer_tick", wsTimerTickData{
			Phase:            ev.Phase,
			RemainingSeconds: ev.RemainingSeconds,
			ElapsedSeconds:   ev.ElapsedSeconds,
		}, ev.At, true

	case BroadcastExposureStarted:
		return "exposure_started", wsExposureStartedData{
			DurationSeconds: ev.DurationSeconds,
			Origin:          ev.Origin,
		}, ev.At, true

	case BroadcastExposureFinished:
		return "exposure_finished", wsExposureFinishedData{
			Outcome:        ev.Outcome,
			ExposedSeconds: ev.ExposedSeconds,
		}, ev.At, true

	case BroadcastSequenceChanged:
		return "sequence_changed", ev.Seq, ev.At, true

	case BroadcastSafelightChanged:
		return "safelight_changed", wsSafelightChangedData{
			On:    ev.On,
			Cause: ev.Cause,
		}, ev.At, true

	case BroadcastSplitResult:
		return "split_result", ev.Result, ev.At, true

	case BroadcastWarning:
		return "warning", wsWarningData{Message: ev.Message}, ev.At, true

	default:
		return "", nil, time.Time{}, false
	}
}
