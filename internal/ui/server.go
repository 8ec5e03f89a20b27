// Package ui streams session snapshots to the shell's presentation layer
// over WebSocket and accepts its approval and dismissal commands.
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/notchapp/notchd/internal/broker"
	"github.com/notchapp/notchd/internal/logging"
	"github.com/notchapp/notchd/internal/protocol"
	"github.com/notchapp/notchd/internal/registry"
	"github.com/notchapp/notchd/internal/session"
	"github.com/notchapp/notchd/internal/tmux"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin admits same-host clients (no Origin header) and browser
// contexts served from loopback. The listen address is configurable, so
// this cannot assume the listener is bound to loopback.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// PaneDelivery is the slice of the tmux client used to relay free-text
// answers into the controlling terminal.
type PaneDelivery interface {
	ResolveByTTY(tty string) (tmux.Target, error)
	SendText(paneID, text string, enter bool) error
}

// Server manages UI WebSocket connections.
type Server struct {
	reg   *registry.Registry
	brk   *broker.Broker
	panes PaneDelivery

	clients   map[*client]bool
	clientsMu sync.RWMutex

	subID  string
	server *http.Server
	log    *logrus.Entry
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

func NewServer(reg *registry.Registry, brk *broker.Broker, panes PaneDelivery) *Server {
	return &Server{
		reg:     reg,
		brk:     brk,
		panes:   panes,
		clients: make(map[*client]bool),
		log:     logging.NewLogger("ui"),
	}
}

// Handler returns the UI routes: the WebSocket endpoint plus health and
// metrics for the shell app to probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start serves the UI endpoint and begins forwarding registry snapshots.
func (s *Server) Start(listen string) error {
	subID, ch := s.reg.Subscribe()
	s.subID = subID
	go s.forwardSnapshots(ch)

	s.server = &http.Server{
		Addr:    listen,
		Handler: s.Handler(),
	}

	go func() {
		s.log.WithField("listen", listen).Info("ui endpoint listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("ui server error")
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	s.reg.Unsubscribe(s.subID)
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) forwardSnapshots(ch <-chan []session.Session) {
	for snapshot := range ch {
		s.broadcastSnapshot(snapshot)
	}
}

func (s *Server) broadcastSnapshot(snapshot []session.Session) {
	msg, err := protocol.NewMessage(protocol.TypeSessionsSnapshot, protocol.SnapshotPayload{
		Sessions: snapshot,
	})
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip. The next snapshot is complete.
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 64),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// New clients get the current session set immediately.
	s.sendSnapshot(c)

	go c.writePump()
	go c.readPump()
}

func (s *Server) sendSnapshot(c *client) {
	msg, err := protocol.NewMessage(protocol.TypeSessionsSnapshot, protocol.SnapshotPayload{
		Sessions: s.reg.Sessions(),
	})
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.clientsMu.Unlock()
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.WithError(err).Debug("websocket read error")
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeApprove:
		var p protocol.ApprovePayload
		json.Unmarshal(msg.Payload, &p)
		s.handleApprove(c, p)
	case protocol.TypeDeny:
		var p protocol.DenyPayload
		json.Unmarshal(msg.Payload, &p)
		s.handleDeny(c, p)
	case protocol.TypeAnswer:
		var p protocol.AnswerPayload
		json.Unmarshal(msg.Payload, &p)
		s.handleAnswer(c, p)
	case protocol.TypeArchive:
		var p protocol.ArchivePayload
		json.Unmarshal(msg.Payload, &p)
		s.handleArchive(c, p)
	}
}

func (s *Server) handleApprove(c *client, p protocol.ApprovePayload) {
	s.resolveActive(c, p.SessionID, broker.Decision{Outcome: broker.OutcomeAllow})
}

func (s *Server) handleDeny(c *client, p protocol.DenyPayload) {
	d := broker.Decision{Outcome: broker.OutcomeDeny, Reason: p.Reason}
	if p.Instructions != "" {
		d.Outcome = broker.OutcomeDenyWithInstructions
		d.Instructions = p.Instructions
	}
	s.resolveActive(c, p.SessionID, d)
}

// resolveActive resolves the session's surfaced permission. If the broker
// no longer has the request (timed out, transport failed, raced away), the
// decision is still folded into session state so the affordance clears.
func (s *Server) resolveActive(c *client, sessionID string, d broker.Decision) {
	sess, err := s.reg.Lookup(sessionID)
	if err != nil {
		s.sendError(c, protocol.ErrSessionNotFound, err.Error())
		return
	}
	if sess.Active == nil {
		s.sendError(c, protocol.ErrNoPendingApproval, "no approval pending for session")
		return
	}

	toolUseID := sess.Active.ToolUseID
	if err := s.brk.Resolve(toolUseID, d); err != nil {
		if errors.Is(err, broker.ErrUnknownRequest) {
			s.reg.ApplyDecision(sessionID, toolUseID, d)
			return
		}
		s.log.WithError(err).Warn("resolve failed")
	}
}

// handleAnswer relays free-text into the session's controlling terminal.
// Question tools have no structured reply channel, so the text goes in as
// literal keystrokes and any pending permission is canceled: the terminal
// answer supersedes a UI decision.
func (s *Server) handleAnswer(c *client, p protocol.AnswerPayload) {
	sess, err := s.reg.Lookup(p.SessionID)
	if err != nil {
		s.sendError(c, protocol.ErrSessionNotFound, err.Error())
		return
	}
	if sess.TTY == "" {
		s.sendError(c, protocol.ErrPaneNotFound, "session has no controlling terminal")
		return
	}

	target, err := s.panes.ResolveByTTY(sess.TTY)
	if err != nil {
		// Pane may have closed since the device was recorded: cannot
		// deliver input right now, not a hard error.
		s.sendError(c, protocol.ErrPaneNotFound, "cannot deliver input right now")
		return
	}

	if err := s.panes.SendText(target.PaneID, p.Text, true); err != nil {
		s.sendError(c, protocol.ErrPaneNotFound, err.Error())
		return
	}

	if sess.Active != nil {
		s.brk.Cancel(sess.Active.ToolUseID)
	}
}

func (s *Server) handleArchive(c *client, p protocol.ArchivePayload) {
	if err := s.reg.Archive(p.SessionID); err != nil {
		s.sendError(c, protocol.ErrSessionNotFound, err.Error())
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}
