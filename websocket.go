package ultrafast

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSMessageType enumerates WebSocket frame kinds.
type WSMessageType int

const (
	WSText WSMessageType = iota
	WSBinary
	WSPing
	WSPong
	WSClose
)

// WSMessage is one WebSocket frame.
type WSMessage struct {
	Type WSMessageType
	Data []byte
}

// NewTextMessage builds a text frame.
func NewTextMessage(text string) WSMessage {
	return WSMessage{Type: WSText, Data: []byte(text)}
}

// NewBinaryMessage builds a binary frame.
func NewBinaryMessage(data []byte) WSMessage {
	return WSMessage{Type: WSBinary, Data: data}
}

// NewPingMessage builds a ping frame.
func NewPingMessage() WSMessage {
	return WSMessage{Type: WSPing}
}

// NewPongMessage builds a pong frame.
func NewPongMessage() WSMessage {
	return WSMessage{Type: WSPong}
}

// NewCloseMessage builds a close frame.
func NewCloseMessage() WSMessage {
	return WSMessage{Type: WSClose}
}

// Text returns the payload as a string.
func (m WSMessage) Text() string {
	return string(m.Data)
}

func (m WSMessageType) wire() int {
	switch m {
	case WSBinary:
		return websocket.BinaryMessage
	case WSPing:
		return websocket.PingMessage
	case WSPong:
		return websocket.PongMessage
	case WSClose:
		return websocket.CloseMessage
	default:
		return websocket.TextMessage
	}
}

func wsTypeOf(wire int) WSMessageType {
	switch wire {
	case websocket.BinaryMessage:
		return WSBinary
	case websocket.PingMessage:
		return WSPing
	case websocket.PongMessage:
		return WSPong
	case websocket.CloseMessage:
		return WSClose
	default:
		return WSText
	}
}

// WebSocketClient maintains a WebSocket connection through the stream
// controller. Messages sent during a reconnect window are written once the
// connection is re-established; no replay of in-flight messages is
// guaranteed across a reconnect.
type WebSocketClient struct {
	client     *Client
	url        string
	headers    http.Header
	controller *StreamController

	inbound  chan WSMessage
	outbound chan WSMessage

	lastFrame int64

	mu      sync.Mutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// NewWebSocketClient creates a WebSocket client with the default reconnect
// policy.
func (c *Client) NewWebSocketClient(url string, opts ...RequestOption) *WebSocketClient {
	return c.NewWebSocketClientWithPolicy(url, DefaultWebSocketReconnectPolicy(), opts...)
}

// NewWebSocketClientWithPolicy creates a WebSocket client with an explicit
// reconnect policy.
func (c *Client) NewWebSocketClientWithPolicy(url string, policy ReconnectPolicy, opts ...RequestOption) *WebSocketClient {
	req := NewRequest(http.MethodGet, url, opts...)
	return &WebSocketClient{
		client:     c,
		url:        url,
		headers:    req.Headers,
		controller: NewStreamController(policy, "websocket", c.logger, c.metrics),
		inbound:    make(chan WSMessage, 64),
		outbound:   make(chan WSMessage, 64),
		done:       make(chan struct{}),
	}
}

// State returns the stream lifecycle state.
func (w *WebSocketClient) State() StreamState {
	return w.controller.State()
}

// LastFrameAt returns when the last frame was received, zero before any.
func (w *WebSocketClient) LastFrameAt() time.Time {
	ns := atomic.LoadInt64(&w.lastFrame)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Connect establishes the connection and starts the reader and writer in the
// background. Err reports the terminal outcome after Messages closes.
func (w *WebSocketClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrStreamClosed
	}
	if w.started {
		w.mu.Unlock()
		return ErrStreamStarted
	}
	w.started = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	go func() {
		defer close(w.inbound)
		defer close(w.done)
		err := w.controller.Run(runCtx, w.sessionOnce)
		w.mu.Lock()
		w.runErr = err
		w.mu.Unlock()
	}()
	return nil
}

// Messages is the inbound frame stream. It closes when the stream ends.
func (w *WebSocketClient) Messages() <-chan WSMessage {
	return w.inbound
}

// Err returns the terminal stream error, if any, once the stream has ended.
func (w *WebSocketClient) Err() error {
	select {
	case <-w.done:
	default:
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runErr
}

// Send queues a frame for delivery over the current or next connection.
func (w *WebSocketClient) Send(ctx context.Context, msg WSMessage) error {
	if w.isClosed() {
		return ErrStreamClosed
	}
	select {
	case w.outbound <- msg:
		return nil
	case <-ctx.Done():
		return classifyError(ctx.Err())
	}
}

// SendText queues a text frame.
func (w *WebSocketClient) SendText(ctx context.Context, text string) error {
	return w.Send(ctx, NewTextMessage(text))
}

// SendBinary queues a binary frame.
func (w *WebSocketClient) SendBinary(ctx context.Context, data []byte) error {
	return w.Send(ctx, NewBinaryMessage(data))
}

// Receive returns the next inbound frame.
func (w *WebSocketClient) Receive(ctx context.Context) (WSMessage, error) {
	select {
	case msg, ok := <-w.inbound:
		if !ok {
			if err := w.Err(); err != nil {
				return WSMessage{}, err
			}
			return WSMessage{}, ErrStreamClosed
		}
		return msg, nil
	case <-ctx.Done():
		return WSMessage{}, classifyError(ctx.Err())
	}
}

// Close ends the stream without triggering reconnection.
func (w *WebSocketClient) Close() {
	w.mu.Lock()
	w.closed = true
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *WebSocketClient) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// sessionOnce runs one connection: dial, pump outbound frames, read inbound
// frames until interruption. A nil return means the caller closed the stream.
func (w *WebSocketClient) sessionOnce(ctx context.Context) error {
	tlsConfig, err := w.client.negotiator.tlsConfig(nil)
	if err != nil {
		return err
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: w.client.timeouts.Connect,
		TLSClientConfig:  tlsConfig,
	}

	conn, resp, err := dialer.DialContext(ctx, w.url, w.headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if w.isClosed() {
			return nil
		}
		return classifyStreamError(err, w.url)
	}
	defer conn.Close()

	w.controller.MarkConnected()

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case msg := <-w.outbound:
				if err := conn.WriteMessage(msg.Type.wire(), msg.Data); err != nil {
					writeErr <- err
					return
				}
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	for {
		wireType, data, err := conn.ReadMessage()
		if err != nil {
			if w.isClosed() || ctx.Err() != nil {
				return nil
			}
			select {
			case werr := <-writeErr:
				err = werr
			default:
			}
			return classifyStreamError(err, w.url)
		}
		atomic.StoreInt64(&w.lastFrame, time.Now().UnixNano())

		msg := WSMessage{Type: wsTypeOf(wireType), Data: data}
		select {
		case w.inbound <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}
