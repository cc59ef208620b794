package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/valetbot/valet/internal/config"
	. "github.com/valetbot/valet/internal/logging"
)

const bridgeVersion = "1.2.0"

// buildID is stamped by the release build; "dev" otherwise.
var buildID = "dev"

// Driver is the platform backend behind the wire protocol. The WhatsApp
// session implements it; tests use a stub.
type Driver interface {
	SendText(ctx context.Context, p *SendTextPayload) (messageID string, err error)
	SendMedia(ctx context.Context, p *SendMediaPayload) (messageID string, err error)
	SendPoll(ctx context.Context, p *SendPollPayload) (messageID string, err error)
	React(ctx context.Context, p *ReactPayload) error
	PresenceUpdate(ctx context.Context, p *PresencePayload) error
	ListGroups(ctx context.Context, ids []string) ([]GroupEntry, error)
	LoginStart(ctx context.Context, force bool, timeout time.Duration) (map[string]any, error)
	LoginWait(ctx context.Context, timeout time.Duration) (map[string]any, error)
	Logout(ctx context.Context) error
	Health() (whatsapp, dedupe map[string]any)
	AccountID() string
}

// Server is the loopback WebSocket listener. One server fans events out to
// every connected client and dispatches commands to the driver.
type Server struct {
	cfg    config.BridgeConfig
	driver Driver

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}

	inflight     atomic.Int64
	droppedSends atomic.Int64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	buffered atomic.Int64
	inflight chan struct{}
	closed   atomic.Bool
}

// NewServer validates the bridge configuration and builds the listener.
// Refuses a missing token or a non-loopback host.
func NewServer(cfg config.BridgeConfig, driver Driver) (*Server, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("bridge token must not be empty (set BRIDGE_TOKEN)")
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return nil, fmt.Errorf("bridge host %q is not a loopback address", host)
	}
	cfg.Host = host
	return &Server{
		cfg:     cfg,
		driver:  driver,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}, nil
}

// Handler returns the HTTP handler serving the /ws endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		L_info("bridge: listening", "addr", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("bridge listener: %w", err)
	}
}

// Broadcast sends an event to every connected client. Clients whose outbound
// buffer is full drop the event and count it.
func (s *Server) Broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		L_error("bridge: event marshal failed", "type", evt.Type, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.enqueue(data) {
			s.droppedSends.Add(1)
		}
	}
}

// isLoopback reports whether a remote address string is a loopback peer.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("bridge: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if !isLoopback(conn.RemoteAddr().String()) {
		L_warn("bridge: rejecting non-loopback connection", "remote", conn.RemoteAddr())
		evt := NewErrorEvent(ErrAuth, "loopback connections only", s.cfg.Token, s.driver.AccountID(), "")
		data, _ := json.Marshal(evt)
		conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		inflight: make(chan struct{}, MaxInflightCommands),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	L_info("bridge: client connected", "remote", conn.RemoteAddr(), "clients", n)

	go s.writeLoop(c)
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	L_info("bridge: client disconnected", "remote", conn.RemoteAddr())
}

// enqueue queues one frame for the client respecting the outbound byte cap.
func (c *client) enqueue(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	if c.buffered.Load()+int64(len(data)) > MaxOutboundBytes {
		return false
	}
	select {
	case c.send <- data:
		c.buffered.Add(int64(len(data)))
		return true
	default:
		return false
	}
}

// close never closes the send channel: dispatch goroutines outlive the read
// loop and may still enqueue. The done channel stops the write loop instead,
// and late enqueues fail the closed check or land in a buffer nobody drains.
func (c *client) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		c.conn.Close()
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.buffered.Add(-int64(len(data)))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(MaxCommandBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
				c.enqueue(s.marshalError(ErrPayloadTooLarge, "command exceeds 256 KB", ""))
			}
			return
		}
		if len(data) > MaxCommandBytes {
			c.enqueue(s.marshalError(ErrPayloadTooLarge, "command exceeds 256 KB", ""))
			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.enqueue(s.marshalError(ErrSchema, fmt.Sprintf("malformed command: %v", err), ""))
			continue
		}
		if cmd.Version != ProtocolVersion {
			c.enqueue(s.marshalError(ErrProtocolVersion,
				fmt.Sprintf("protocol version %d not supported, want %d", cmd.Version, ProtocolVersion), cmd.RequestID))
			continue
		}
		if subtle.ConstantTimeCompare([]byte(cmd.Token), []byte(s.cfg.Token)) != 1 {
			L_warn("bridge: auth failure", "remote", c.conn.RemoteAddr(), "type", cmd.Type)
			c.enqueue(s.marshalError(ErrAuth, "invalid token", cmd.RequestID))
			return
		}

		payload, err := ParsePayload(cmd.Type, cmd.Payload)
		if err != nil {
			code := ErrUnsupported
			if IsSchemaError(err) {
				code = ErrSchema
			}
			c.enqueue(s.marshalError(code, err.Error(), cmd.RequestID))
			continue
		}

		select {
		case c.inflight <- struct{}{}:
		default:
			c.enqueue(s.marshalError(ErrQueueOverflow,
				fmt.Sprintf("more than %d commands in flight", MaxInflightCommands), cmd.RequestID))
			continue
		}
		s.inflight.Add(1)
		go func(cmd Command, payload any) {
			defer func() {
				<-c.inflight
				s.inflight.Add(-1)
			}()
			s.dispatch(c, cmd, payload)
		}(cmd, payload)
	}
}

func (s *Server) marshalError(code, message, requestID string) []byte {
	data, _ := json.Marshal(NewErrorEvent(code, message, s.cfg.Token, s.driver.AccountID(), requestID))
	return data
}

// dispatch runs one validated command against the driver and replies with a
// response or error event.
func (s *Server) dispatch(c *client, cmd Command, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var result any
	var err error
	switch p := payload.(type) {
	case *SendTextPayload:
		var id string
		id, err = s.driver.SendText(ctx, p)
		result = map[string]any{"messageId": id}
	case *SendMediaPayload:
		var id string
		id, err = s.driver.SendMedia(ctx, p)
		result = map[string]any{"messageId": id}
	case *SendPollPayload:
		var id string
		id, err = s.driver.SendPoll(ctx, p)
		result = map[string]any{"messageId": id}
	case *ReactPayload:
		err = s.driver.React(ctx, p)
		result = map[string]any{"ok": err == nil}
	case *PresencePayload:
		err = s.driver.PresenceUpdate(ctx, p)
		result = map[string]any{"ok": err == nil}
	case *ListGroupsPayload:
		var groups []GroupEntry
		groups, err = s.driver.ListGroups(ctx, p.IDs)
		result = map[string]any{"groups": groups}
	case *LoginStartPayload:
		result, err = s.driver.LoginStart(ctx, p.Force, timeoutOrDefault(p.TimeoutMs, 60*time.Second))
	case *LoginWaitPayload:
		result, err = s.driver.LoginWait(ctx, timeoutOrDefault(p.TimeoutMs, 120*time.Second))
	default:
		switch cmd.Type {
		case CmdLogout:
			err = s.driver.Logout(ctx)
			result = map[string]any{"ok": err == nil}
		case CmdHealth:
			result = s.healthPayload()
		}
	}

	if err != nil {
		c.enqueue(s.marshalError(ErrInternal, err.Error(), cmd.RequestID))
		return
	}
	data, merr := json.Marshal(NewEvent(EvtResponse, s.driver.AccountID(), cmd.RequestID, result))
	if merr != nil {
		c.enqueue(s.marshalError(ErrInternal, merr.Error(), cmd.RequestID))
		return
	}
	c.enqueue(data)
}

func timeoutOrDefault(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) healthPayload() map[string]any {
	whatsapp, dedupe := s.driver.Health()
	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()
	return map[string]any{
		"version":         bridgeVersion,
		"protocolVersion": ProtocolVersion,
		"bridgeVersion":   bridgeVersion,
		"buildId":         buildID,
		"accountId":       s.driver.AccountID(),
		"whatsapp":        whatsapp,
		"queue": map[string]any{
			"clients":  clients,
			"inflight": s.inflight.Load(),
			"dropped":  s.droppedSends.Load(),
		},
		"dedupe": dedupe,
	}
}
