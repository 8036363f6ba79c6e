// Package transport is the client side of the push protocol: one WebSocket
// per session that joins user rooms, dispatches inbound events to
// subscribers and reconnects on its own.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"coursechat/internal/backoff"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

const (
	writeWait   = 10 * time.Second
	readTimeout = 60 * time.Second
)

var ErrClosed = errors.New("transport closed")

// Config configures a Client.
type Config struct {
	// URL of the server's WebSocket endpoint; http(s) schemes are converted.
	URL string
	// Token returns the bearer token sent on every dial. Empty means none.
	Token func() string

	Dialer     *websocket.Dialer
	Backoff    backoff.Policy
	SendBuffer int
	Logger     *slog.Logger
}

type subscription struct {
	event   string
	handler interfaces.EventHandler
}

// Client implements interfaces.Transport over gorilla/websocket.
type Client struct {
	url    string
	token  func() string
	dialer *websocket.Dialer
	policy backoff.Policy
	logger *slog.Logger

	out chan types.Frame

	mu        sync.Mutex
	rooms     []string
	joined    map[string]bool
	conn      *websocket.Conn
	running   bool
	connected bool

	subsMu  sync.RWMutex
	subs    map[interfaces.SubscriptionID]subscription
	nextSub interfaces.SubscriptionID

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient validates cfg and returns an unconnected client.
func NewClient(cfg Config) (*Client, error) {
	u, err := websocketURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:    u,
		token:  cfg.Token,
		dialer: cfg.Dialer,
		policy: cfg.Backoff,
		logger: cfg.Logger.With("component", "transport"),
		out:    make(chan types.Frame, cfg.SendBuffer),
		joined: make(map[string]bool),
		subs:   make(map[interfaces.SubscriptionID]subscription),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Connect joins the room for userID. The first call dials the server and
// returns the dial error, if any; later calls with a new id join that room
// on the live connection. Repeating an id is a no-op.
func (c *Client) Connect(ctx context.Context, userID string) error {
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.joined[userID] {
		return nil
	}

	if !c.running {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.joined[userID] = true
		c.rooms = append(c.rooms, userID)
		c.conn = conn
		c.running = true
		go c.run(conn)
		return nil
	}

	c.joined[userID] = true
	c.rooms = append(c.rooms, userID)
	if c.connected {
		c.enqueue(types.EventJoin, userID)
	}
	return nil
}

// Subscribe registers handler for the named inbound event.
func (c *Client) Subscribe(event string, handler interfaces.EventHandler) interfaces.SubscriptionID {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.nextSub++
	c.subs[c.nextSub] = subscription{event: event, handler: handler}
	return c.nextSub
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (c *Client) Unsubscribe(id interfaces.SubscriptionID) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, id)
}

// Emit queues a frame for the writer. Frames queued while disconnected are
// flushed after the rooms are re-joined. A full buffer drops the frame.
func (c *Client) Emit(event string, payload any) {
	if c.ctx.Err() != nil {
		c.logger.Warn("dropping frame on closed transport", "event", event)
		return
	}
	c.enqueue(event, payload)
}

func (c *Client) enqueue(event string, payload any) {
	frame, err := types.NewFrame(event, payload)
	if err != nil {
		c.logger.Error("failed to encode frame", "event", event, "error", err)
		return
	}
	select {
	case c.out <- frame:
	default:
		c.logger.Warn("send buffer full, dropping frame", "event", event)
	}
}

// Connected reports whether a socket is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops reconnecting and closes the socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		running := c.running
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		if !running {
			close(c.done)
		}
	})
	<-c.done
	return nil
}

// run owns the connection lifecycle until Close.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	attempt := 0
	for {
		if conn == nil {
			attempt++
			if err := c.policy.Sleep(c.ctx, attempt); err != nil {
				return
			}
			var err error
			conn, err = c.dial(c.ctx)
			if err != nil {
				c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
				continue
			}
			c.logger.Info("reconnected", "attempt", attempt)
			attempt = 0
		}

		c.serve(conn)
		conn = nil

		if c.ctx.Err() != nil {
			return
		}
	}
}

// serve re-joins every room, then runs the writer and the read pump until
// the socket fails.
func (c *Client) serve(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	rooms := append([]string(nil), c.rooms...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if c.ctx.Err() != nil {
		return
	}

	// Joins go out before the writer starts so that queued frames never
	// precede them.
	for _, room := range rooms {
		frame, _ := types.NewFrame(types.EventJoin, room)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			c.logger.Warn("failed to join room", "room", room, "error", err)
			return
		}
	}

	c.mu.Lock()
	c.connected = true
	// rooms added between the snapshot and now still need a join
	for _, room := range c.rooms[len(rooms):] {
		c.enqueue(types.EventJoin, room)
	}
	c.mu.Unlock()

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go c.writeLoop(conn, stop, writerDone)

	c.readLoop(conn)

	close(stop)
	<-writerDone
}

func (c *Client) writeLoop(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case frame := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				c.logger.Warn("write failed, frame lost", "event", frame.Event, "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("connection lost", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.dispatch(data)
	}
}

// dispatch decodes one inbound frame and calls its subscribers in order of
// registration on the read goroutine.
func (c *Client) dispatch(data []byte) {
	name := gjson.GetBytes(data, "event").String()
	if !types.IsInboundEvent(name) {
		c.logger.Debug("ignoring frame", "event", name)
		return
	}

	ev, err := types.DecodeEvent(name, []byte(gjson.GetBytes(data, "data").Raw))
	if err != nil {
		c.logger.Warn("failed to decode frame", "event", name, "error", err)
		return
	}

	c.subsMu.RLock()
	ids := make([]interfaces.SubscriptionID, 0, len(c.subs))
	for id, s := range c.subs {
		if s.event == name {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	handlers := make([]interfaces.EventHandler, len(ids))
	for i, id := range ids {
		handlers[i] = c.subs[id].handler
	}
	c.subsMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if token := c.token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
