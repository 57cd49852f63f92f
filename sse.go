package ultrafast

import (
	"bufio"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SSEEvent is one server-sent event after field assembly.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
	// Retry is the server-requested reconnection delay, zero when absent.
	Retry time.Duration
}

// IsKeepalive reports whether the event carries no data and no type.
func (e SSEEvent) IsKeepalive() bool {
	return e.Data == "" && e.Event == ""
}

// parseSSELine splits one wire line into field and value. Blank lines,
// comment lines, and lines without a colon yield no result.
func parseSSELine(line string) (field, value string, ok bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", "", false
	}
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value, true
}

// sseEventBuilder accumulates fields until a dispatch boundary. Multiple data
// lines join with newlines; the last event and id values win.
type sseEventBuilder struct {
	dataLines []string
	event     string
	id        string
	hasID     bool
	retry     time.Duration
}

func (b *sseEventBuilder) add(field, value string) {
	switch field {
	case "data":
		b.dataLines = append(b.dataLines, value)
	case "event":
		b.event = value
	case "id":
		b.id = value
		b.hasID = true
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			b.retry = time.Duration(ms) * time.Millisecond
		}
	}
}

func (b *sseEventBuilder) empty() bool {
	return len(b.dataLines) == 0 && b.event == "" && !b.hasID && b.retry == 0
}

func (b *sseEventBuilder) build() SSEEvent {
	return SSEEvent{
		ID:    b.id,
		Event: b.event,
		Data:  strings.Join(b.dataLines, "\n"),
		Retry: b.retry,
	}
}

// SSEClient consumes a server-sent-events stream, reconnecting through the
// stream controller and resuming from the last received event id.
type SSEClient struct {
	client     *Client
	url        string
	headers    http.Header
	controller *StreamController

	events chan SSEEvent

	mu          sync.Mutex
	lastEventID string
	closed      bool
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
	runErr      error
}

// NewSSEClient creates an SSE client for the URL with the default reconnect
// policy.
func (c *Client) NewSSEClient(url string, opts ...RequestOption) *SSEClient {
	return c.NewSSEClientWithPolicy(url, DefaultSSEReconnectPolicy(), opts...)
}

// NewSSEClientWithPolicy creates an SSE client with an explicit reconnect
// policy.
func (c *Client) NewSSEClientWithPolicy(url string, policy ReconnectPolicy, opts ...RequestOption) *SSEClient {
	req := NewRequest(http.MethodGet, url, opts...)
	return &SSEClient{
		client:     c,
		url:        url,
		headers:    req.Headers,
		controller: NewStreamController(policy, "sse", c.logger, c.metrics),
		events:     make(chan SSEEvent, 64),
		done:       make(chan struct{}),
	}
}

// State returns the stream lifecycle state.
func (s *SSEClient) State() StreamState {
	return s.controller.State()
}

// LastEventID returns the id of the most recent event carrying one.
func (s *SSEClient) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Events is the stream of received events. It closes when the stream ends.
func (s *SSEClient) Events() <-chan SSEEvent {
	return s.events
}

// Connect starts consuming the stream in the background. Err reports the
// terminal outcome after Events closes.
func (s *SSEClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrStreamStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(s.events)
		defer close(s.done)
		err := s.controller.Run(runCtx, s.consumeOnce)
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
	}()
	return nil
}

// Err returns the terminal stream error, if any, once the stream has ended.
func (s *SSEClient) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Close ends the stream. The next read boundary observes the closure and the
// controller exits cleanly.
func (s *SSEClient) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *SSEClient) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// consumeOnce opens the stream and reads events until interruption. A nil
// return means the caller closed the stream.
func (s *SSEClient) consumeOnce(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return &ClientError{Type: ErrorTypeStream, Message: "invalid stream URL", Cause: err, URL: s.url, Timestamp: time.Now()}
	}
	for k, vs := range s.headers {
		httpReq.Header[k] = vs
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if id := s.LastEventID(); id != "" {
		httpReq.Header.Set("Last-Event-ID", id)
	}

	key := PoolKey{Protocol: VersionHTTP1}
	key.Host, key.Port = hostPortOf(httpReq.URL)
	transport, err := s.client.negotiator.Dialer()(ctx, key)
	if err != nil {
		return classifyError(err)
	}
	defer transport.Close()

	resp, err := transport.RoundTrip(httpReq)
	if err != nil {
		if s.isClosed() {
			return nil
		}
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:       ErrorTypeStream,
			Message:    "stream endpoint returned non-200 status",
			StatusCode: resp.StatusCode,
			URL:        s.url,
			Timestamp:  time.Now(),
		}
	}

	s.controller.MarkConnected()

	builder := &sseEventBuilder{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			if !builder.empty() {
				s.dispatch(ctx, builder.build())
			}
			builder = &sseEventBuilder{}
			continue
		}

		field, value, ok := parseSSELine(line)
		if !ok {
			continue
		}
		builder.add(field, value)
	}

	if !builder.empty() {
		s.dispatch(ctx, builder.build())
	}

	if s.isClosed() || ctx.Err() != nil {
		return nil
	}
	err = scanner.Err()
	if err == nil {
		err = &ClientError{Type: ErrorTypeStream, Message: "stream ended unexpectedly", URL: s.url, Timestamp: time.Now()}
	}
	return classifyStreamError(err, s.url)
}

func (s *SSEClient) dispatch(ctx context.Context, event SSEEvent) {
	if event.ID != "" {
		s.mu.Lock()
		s.lastEventID = event.ID
		s.mu.Unlock()
	}
	if event.IsKeepalive() {
		return
	}
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func classifyStreamError(err error, url string) error {
	ce := classifyError(err)
	if ce.Type == ErrorTypeConnection {
		ce.Type = ErrorTypeStream
	}
	ce.URL = url
	return ce
}
