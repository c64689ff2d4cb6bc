package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bitlair/Print-manager/internal/access"
	"github.com/bitlair/Print-manager/internal/auth"
	"github.com/bitlair/Print-manager/internal/core"
)

const (
	EventPrinters          = "printers"
	EventPolicy            = "policy"
	EventUserAuthenticated = "user_authenticated"
	EventPrintAccepted     = "print_accepted"
	EventError             = "error"

	CommandSelectPrinter   = "select_printer"
	CommandDeselectPrinter = "deselect_printer"
	CommandAcceptPrint     = "accept_print"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 32
	acceptTimeout  = 5 * time.Second
)

// Fleet is the part of the printer manager the hub drives.
type Fleet interface {
	ListPrinters() []core.PrinterView
	GetPrinter(serial string) (core.PrinterView, error)
	Accept(ctx context.Context, serial string, user core.UserRef, autoPayment bool) error
	Changes() <-chan struct{}
	Policy() *core.Policy
}

type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type Command struct {
	Command     string `json:"command"`
	Serial      string `json:"serial,omitempty"`
	AutoPayment bool   `json:"auto_payment,omitempty"`
	Token       string `json:"token,omitempty"`
}

type AuthenticatedData struct {
	Username  string    `json:"username"`
	Printer   string    `json:"printer"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type AcceptedData struct {
	Printer     string `json:"printer"`
	AutoPayment bool   `json:"auto_payment"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HubOptions struct {
	PushInterval time.Duration
	Logger       *slog.Logger
}

type session struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	printer string
	closed  bool
}

type parkedGrant struct {
	user    core.UserRef
	expires time.Time
}

// Hub keeps the UI sessions. Printer pushes are coalesced to one per push
// interval; replies to a session go straight to its send queue.
type Hub struct {
	fleet        Fleet
	tokens       *auth.Tokens
	users        *access.Directory
	pushInterval time.Duration
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	now          func() time.Time

	mu            sync.Mutex
	sessions      map[string]*session
	lastSelecting *session
	parked        *parkedGrant
}

func NewHub(fleet Fleet, tokens *auth.Tokens, users *access.Directory, opts HubOptions) *Hub {
	if opts.PushInterval <= 0 {
		opts.PushInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		fleet:        fleet,
		tokens:       tokens,
		users:        users,
		pushInterval: opts.PushInterval,
		logger:       opts.Logger.With("component", "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Run pushes the printer list while changes are pending and closes every
// session when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-h.fleet.Changes():
			dirty = true
		case <-ticker.C:
			if dirty {
				dirty = false
				h.broadcast(Message{Event: EventPrinters, Data: h.fleet.ListPrinters()})
			}
		}
	}
}

// ConsumeAccess feeds access reader events into the hub until the channel
// closes.
func (h *Hub) ConsumeAccess(events <-chan access.Event) {
	for ev := range events {
		h.HandleAccess(ev)
	}
}

// HandleAccess issues a grant for a presented button to the session that
// most recently selected a printer, or parks it for the next selection.
func (h *Hub) HandleAccess(ev access.Event) {
	if ev.Type != access.DeviceFound {
		return
	}
	now := h.now()
	if p := h.fleet.Policy(); p != nil && !p.Active(now) {
		h.logger.Info("ignoring ibutton outside operating hours", "device", ev.DeviceID)
		return
	}
	user := h.users.Resolve(ev.DeviceID)

	h.mu.Lock()
	s := h.lastSelecting
	if s == nil || s.printer == "" {
		h.parked = &parkedGrant{user: user, expires: now.Add(h.tokens.TTL())}
		h.mu.Unlock()
		h.logger.Info("no printer selected, grant parked", "user", user.Username)
		return
	}
	printer := s.printer
	h.mu.Unlock()

	h.authenticate(s, printer, user)
}

func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.logger.Info("session connected", "session", s.id, "remote", c.Request.RemoteAddr)

	h.send(s, Message{Event: EventPrinters, Data: h.fleet.ListPrinters()})
	if p := h.fleet.Policy(); p != nil {
		h.send(s, Message{Event: EventPolicy, Data: p.View()})
	}

	go h.writePump(s)
	go h.readPump(s)
}

func (h *Hub) readPump(s *session) {
	defer h.unregister(s)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("session read failed", "session", s.id, "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.sendError(s, "bad_command", "command is not valid JSON")
			continue
		}
		h.handleCommand(s, cmd)
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleCommand(s *session, cmd Command) {
	switch cmd.Command {
	case CommandSelectPrinter:
		h.selectPrinter(s, cmd.Serial)
	case CommandDeselectPrinter:
		h.deselectPrinter(s)
	case CommandAcceptPrint:
		h.acceptPrint(s, cmd.Token, cmd.AutoPayment)
	default:
		h.sendError(s, "unknown_command", "unknown command "+cmd.Command)
	}
}

func (h *Hub) selectPrinter(s *session, serial string) {
	if _, err := h.fleet.GetPrinter(serial); err != nil {
		h.sendError(s, "unknown_printer", err.Error())
		return
	}

	h.mu.Lock()
	if s.printer != "" && s.printer != serial {
		h.tokens.RevokeSession(s.id)
	}
	s.printer = serial
	h.lastSelecting = s

	var grant *parkedGrant
	if h.parked != nil && !h.now().After(h.parked.expires) {
		grant = h.parked
	}
	h.parked = nil
	h.mu.Unlock()

	if grant != nil {
		h.authenticate(s, serial, grant.user)
	}
}

func (h *Hub) deselectPrinter(s *session) {
	h.mu.Lock()
	s.printer = ""
	if h.lastSelecting == s {
		h.lastSelecting = nil
	}
	h.mu.Unlock()

	h.tokens.RevokeSession(s.id)
}

func (h *Hub) acceptPrint(s *session, token string, autoPayment bool) {
	h.mu.Lock()
	printer := s.printer
	h.mu.Unlock()

	if printer == "" {
		h.sendError(s, "no_printer_selected", "select a printer first")
		return
	}

	claims, err := h.tokens.Consume(token, s.id, printer)
	if err != nil {
		h.logger.Warn("accept rejected", "session", s.id, "printer", printer, "error", err)
		h.sendError(s, "unauthorized", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
	defer cancel()
	user := core.UserRef{ID: claims.Subject, Username: claims.Username}
	if err := h.fleet.Accept(ctx, printer, user, autoPayment); err != nil {
		code := "accept_failed"
		if errors.Is(err, core.ErrNoPrint) {
			code = "no_print"
		}
		h.sendError(s, code, err.Error())
		return
	}

	h.send(s, Message{Event: EventPrintAccepted, Data: AcceptedData{Printer: printer, AutoPayment: autoPayment}})
	h.broadcast(Message{Event: EventPrinters, Data: h.fleet.ListPrinters()})
}

func (h *Hub) authenticate(s *session, printer string, user core.UserRef) {
	token, claims, err := h.tokens.Issue(user.ID, user.Username, s.id, printer)
	if err != nil {
		h.logger.Error("failed to issue token", "error", err)
		h.sendError(s, "token_failed", "could not authorize")
		return
	}
	h.logger.Info("user authenticated", "user", user.Username, "session", s.id, "printer", printer)
	h.send(s, Message{Event: EventUserAuthenticated, Data: AuthenticatedData{
		Username:  user.Username,
		Printer:   printer,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}})
}

func (h *Hub) sendError(s *session, code, message string) {
	h.send(s, Message{Event: EventError, Data: ErrorData{Code: code, Message: message}})
}

func (h *Hub) send(s *session, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode message", "event", msg.Event, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueueLocked(s, data)
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode message", "event", msg.Event, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		h.enqueueLocked(s, data)
	}
}

func (h *Hub) enqueueLocked(s *session, data []byte) {
	if s.closed {
		return
	}
	select {
	case s.send <- data:
	default:
		h.logger.Warn("send queue full, dropping message", "session", s.id)
	}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return
	}
	s.closed = true
	delete(h.sessions, s.id)
	if h.lastSelecting == s {
		h.lastSelecting = nil
	}
	close(s.send)
	h.mu.Unlock()

	h.tokens.RevokeSession(s.id)
	h.logger.Info("session disconnected", "session", s.id)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.unregister(s)
	}
}
