package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"
	rpcws "github.com/sourcegraph/jsonrpc2/websocket"

	runtimesvc "github.com/fairhopeweb/guijs/app/guijs/runtime"
	"github.com/fairhopeweb/guijs/framework"
)

// StatusSource reports the controller's view of the bootstrap.
// *runtime.Controller implements it.
type StatusSource interface {
	State() runtimesvc.State
	RedirectTarget() string
	LastNotification() (runtimesvc.StateEvent, bool)
	PendingUpdates() []string
}

// Status is returned by the status method and GET /api/status.
type Status struct {
	State          string                 `json:"state"`
	Redirect       string                 `json:"redirect,omitempty"`
	Notification   *runtimesvc.StateEvent `json:"notification,omitempty"`
	PendingUpdates []string               `json:"pending_updates,omitempty"`
}

// EvalParams carries a script for the presentation layer to evaluate.
type EvalParams struct {
	Script string `json:"script"`
}

type notification struct {
	method string
	params any
}

type client struct {
	conn *jsonrpc2.Conn
	out  chan notification
}

// Bridge connects a webview shell to the bootstrap over JSON-RPC. Outbound,
// every state and eval publish becomes a notification; inbound, the command
// methods are published on the bus. A newly connected client first receives
// the latest state notification.
type Bridge struct {
	bus    *framework.EventBus
	status StatusSource
	logger zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	last    *runtimesvc.StateEvent
}

const clientBuffer = 64

// NewBridge subscribes the bridge to the outbound bus channels.
func NewBridge(bus *framework.EventBus, status StatusSource, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		bus:     bus,
		status:  status,
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The shell loads from a custom scheme; only loopback listeners are
			// expected, so any origin is accepted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	bus.Subscribe(runtimesvc.ChannelState, b.onState)
	bus.Subscribe(runtimesvc.ChannelEval, b.onEval)
	return b
}

func (b *Bridge) onState(payload string) {
	event, err := runtimesvc.DecodeStateEvent(payload)
	if err != nil {
		b.logger.Warn().Err(err).Msg("undecodable state notification")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &event
	b.broadcastLocked(notification{method: runtimesvc.ChannelState, params: event})
}

func (b *Bridge) onEval(script string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastLocked(notification{method: runtimesvc.ChannelEval, params: EvalParams{Script: script}})
}

// broadcastLocked queues n for every client. A client whose queue is full is
// disconnected; on reconnect it gets the latest state replayed.
func (b *Bridge) broadcastLocked(n notification) {
	for c := range b.clients {
		select {
		case c.out <- n:
		default:
			b.logger.Warn().Str("method", n.method).Msg("bridge client too slow, disconnecting")
			delete(b.clients, c)
			go func() { _ = c.conn.Close() }()
		}
	}
}

// Clients reports how many shells are connected.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Status snapshots the controller.
func (b *Bridge) Status() Status {
	if b.status == nil {
		return Status{State: runtimesvc.StateInit.String()}
	}
	st := Status{
		State:          b.status.State().String(),
		Redirect:       b.status.RedirectTarget(),
		PendingUpdates: b.status.PendingUpdates(),
	}
	if n, ok := b.status.LastNotification(); ok {
		st.Notification = &n
	}
	return st
}

// Handler serves the websocket endpoint at /rpc and the status endpoint.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", b.handleWebsocket)
	mux.HandleFunc("/api/status", b.handleStatus)
	return mux
}

// ServeContext listens on addr until ctx is cancelled.
func (b *Bridge) ServeContext(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	b.logger.Info().Str("addr", addr).Msg("bridge listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		b.closeAll()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ServeStream speaks JSON-RPC with LSP-style framing over rwc (usually the
// process's stdio) until the peer disconnects or ctx is cancelled.
func (b *Bridge) ServeStream(ctx context.Context, rwc io.ReadWriteCloser) error {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	c := b.attach(ctx, stream)
	select {
	case <-ctx.Done():
		_ = c.conn.Close()
		return ctx.Err()
	case <-c.conn.DisconnectNotify():
		return nil
	}
}

func (b *Bridge) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := b.attach(context.Background(), rpcws.NewObjectStream(ws))
	b.logger.Info().Str("remote", r.RemoteAddr).Msg("shell connected")
	<-c.conn.DisconnectNotify()
	b.logger.Info().Str("remote", r.RemoteAddr).Msg("shell disconnected")
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(b.Status())
}

// attach starts a connection over stream, registers it for broadcasts and
// queues the replay of the latest state.
func (b *Bridge) attach(ctx context.Context, stream jsonrpc2.ObjectStream) *client {
	c := &client{out: make(chan notification, clientBuffer)}
	c.conn = jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(b.handle))

	b.mu.Lock()
	if b.last != nil {
		c.out <- notification{method: runtimesvc.ChannelState, params: *b.last}
	}
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	go b.pump(ctx, c)
	return c
}

// pump writes queued notifications to one client and unregisters it on
// disconnect.
func (b *Bridge) pump(ctx context.Context, c *client) {
	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
	}()
	for {
		select {
		case <-c.conn.DisconnectNotify():
			return
		case n := <-c.out:
			if err := c.conn.Notify(ctx, n.method, n.params); err != nil {
				b.logger.Debug().Err(err).Str("method", n.method).Msg("notify failed")
				return
			}
		}
	}
}

func (b *Bridge) closeAll() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (b *Bridge) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if cmd, ok := runtimesvc.ParseCommand(req.Method); ok {
		b.logger.Debug().Stringer("command", cmd).Msg("command from shell")
		b.bus.Publish(cmd.String(), "")
		if req.Notif {
			return nil, nil
		}
		return map[string]bool{"ok": true}, nil
	}
	switch req.Method {
	case "status":
		return b.Status(), nil
	default:
		if req.Notif {
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not handled: " + req.Method}
	}
}
