// internal/transport/websocket.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
)

// ErrNotConnected is returned by Send when no live connection exists.
var ErrNotConnected = errors.New("transport: not connected")

// frame is the JSON envelope exchanged with the coordinator.
type frame struct {
	Type    events.Type            `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// WebsocketTransport implements Transport over a single websocket
// connection to the coordinator.
type WebsocketTransport struct {
	url string
	log *logrus.Entry

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	closed       bool
	handlers     map[events.Type][]Handler
	onConnect    []func()
	onDisconnect []func(err error)
	readCancel   context.CancelFunc
	readLoopDone chan struct{}
}

// NewWebsocket creates a transport that dials url on Connect.
func NewWebsocket(url string, log *logrus.Logger) *WebsocketTransport {
	return &WebsocketTransport{
		url:      url,
		log:      log.WithField("component", "transport"),
		handlers: make(map[events.Type][]Handler),
	}
}

// Connect dials the coordinator and starts the read loop.
func (t *WebsocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.url, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.readCancel = cancel
	t.readLoopDone = done
	connectFns := append([]func(){}, t.onConnect...)
	t.mu.Unlock()

	go t.readLoop(readCtx, conn, done)

	for _, fn := range connectFns {
		fn()
	}
	t.log.WithField("url", t.url).Info("connected")
	return nil
}

// readLoop decodes inbound frames and dispatches them until the connection
// drops or the transport is closed.
func (t *WebsocketTransport) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.handleDrop(conn, err)
			return
		}
		t.dispatch(f)
	}
}

// dispatch invokes registered handlers for one inbound frame.
func (t *WebsocketTransport) dispatch(f frame) {
	t.mu.Lock()
	hs := append([]Handler{}, t.handlers[f.Type]...)
	t.mu.Unlock()

	if len(hs) == 0 {
		t.log.WithField("event", f.Type).Debug("no handler for inbound event")
		return
	}
	for _, h := range hs {
		h(f.Payload)
	}
}

// handleDrop marks the transport disconnected and notifies listeners,
// unless the drop was caused by a local Close.
func (t *WebsocketTransport) handleDrop(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		// A newer connection replaced this one; stale read loop.
		t.mu.Unlock()
		return
	}
	wasClosed := t.closed
	t.conn = nil
	t.connected = false
	fns := append([]func(error){}, t.onDisconnect...)
	t.mu.Unlock()

	if wasClosed {
		err = nil
	} else {
		t.log.WithError(err).Warn("connection dropped")
	}
	for _, fn := range fns {
		fn(err)
	}
}

// Send writes one frame to the coordinator.
func (t *WebsocketTransport) Send(ctx context.Context, eventType events.Type, payload map[string]interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := wsjson.Write(ctx, conn, frame{Type: eventType, Payload: payload}); err != nil {
		return fmt.Errorf("transport: send %s: %w", eventType, err)
	}
	return nil
}

// On registers a handler for an inbound event type.
func (t *WebsocketTransport) On(eventType events.Type, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[eventType] = append(t.handlers[eventType], h)
}

// OnConnect registers a lifecycle callback for successful dials.
func (t *WebsocketTransport) OnConnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = append(t.onConnect, fn)
}

// OnDisconnect registers a lifecycle callback for dropped connections.
func (t *WebsocketTransport) OnDisconnect(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, fn)
}

// Connected reports whether a live connection exists.
func (t *WebsocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close shuts the connection down locally. OnDisconnect callbacks fire with
// a nil error.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	cancel := t.readCancel
	done := t.readLoopDone
	t.closed = true
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client shutdown")
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return err
}
