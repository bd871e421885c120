package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/config"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for Moonraker communication.
const (
	// handshakeTimeout bounds a single websocket dial attempt.
	handshakeTimeout = 5 * time.Second

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 5 * time.Second

	// initialReconnectDelay is the first delay between reconnection attempts.
	initialReconnectDelay = 500 * time.Millisecond

	// maxReconnectDelay caps the exponential reconnect backoff.
	maxReconnectDelay = 5 * time.Second

	// connectPollInterval is how often Connect re-checks the connection state.
	connectPollInterval = 20 * time.Millisecond

	// Per-method default timeouts, matching Moonraker's expected latencies.
	serverInfoTimeout  = 2 * time.Second
	objectsTimeout     = 5 * time.Second
	subscribeTimeout   = 10 * time.Second
	gcodeScriptTimeout = 30 * time.Second
)

// MethodStatusUpdate is the reserved notification method carrying
// incremental printer state deltas.
const MethodStatusUpdate = "notify_status_update"

// StatusCallback receives incremental state deltas.
//
// Parameters:
//   - changes: object name → changed fields
//   - eventtime: server-supplied event timestamp
type StatusCallback func(changes map[string]map[string]any, eventtime float64)

// EventCallback receives every notification that is not a status update,
// e.g. notify_klippy_ready or notify_klippy_shutdown.
type EventCallback func(method string, params json.RawMessage)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// callResult carries the outcome of one request to its waiting caller.
type callResult struct {
	result json.RawMessage
	err    error
}

// request is an outbound JSON-RPC 2.0 message. A nil ID makes it a
// fire-and-forget notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      *int64 `json:"id,omitempty"`
}

// envelope is an inbound JSON-RPC 2.0 message: a response when ID is set,
// otherwise a notification.
type envelope struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// ServerInfo is the subset of the server.info result the companion uses.
type ServerInfo struct {
	KlippyState     string `json:"klippy_state"`
	KlippyConnected bool   `json:"klippy_connected"`
}

// Client maintains one persistent JSON-RPC-over-websocket connection to a
// Moonraker daemon.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Any number of goroutines may block in Call concurrently; each waits
//     on its own request id.
//
// Auto-Reconnection:
//   - When the connection is lost, the supervisor goroutine reconnects with
//     exponential backoff (500ms doubling up to 5s) until Close is called.
//   - Every reconnect re-sends the server.connection.identify notification.
//   - Requests in flight during a drop fail with ErrDisconnected.
type Client struct {
	cfg     config.MoonrakerConfig
	version string

	// Connection state
	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool

	// Sends are serialized onto the single connection.
	writeMu sync.Mutex

	// Pending request table: id → waiting caller.
	pendingMu sync.Mutex
	pending   map[int64]chan callResult
	nextID    atomic.Int64

	// Notification routing
	statusCb StatusCallback
	eventCb  EventCallback
	cbMu     sync.RWMutex

	// Shutdown coordination
	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup

	logger Logger
}

// NewClient creates a client for the configured Moonraker endpoint.
// No connection is made until Connect is called.
//
// Parameters:
//   - cfg: Moonraker connection configuration
//   - version: Client version reported via server.connection.identify
//   - logger: Logger; nil disables logging
func NewClient(cfg config.MoonrakerConfig, version string, logger Logger) *Client {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Client{
		cfg:     cfg,
		version: version,
		pending: make(map[int64]chan callResult),
		done:    newCloseOnce(),
		logger:  logger,
	}
}

// Connect starts the connection supervisor and blocks until the client is
// connected or the timeout elapses.
//
// The supervisor keeps reconnecting in the background regardless of the
// outcome here; a timeout only means the initial connection was not ready
// in time.
//
// Returns:
//   - error: ErrConnectTimeout, or ErrDisconnected if the client was closed
func (c *Client) Connect(timeout time.Duration) error {
	if c.started.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.run()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-c.done.Done():
			return ErrDisconnected
		case <-time.After(connectPollInterval):
		}
	}
	return fmt.Errorf("%w: %s:%d after %s",
		ErrConnectTimeout, c.cfg.Host, c.cfg.Port, timeout)
}

// Close stops the reconnect supervisor, drops the connection and resolves
// every in-flight request with ErrDisconnected. Safe to call multiple times.
func (c *Client) Close() {
	c.done.Close()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.failPending(ErrDisconnected)
	c.wg.Wait()

	c.logger.Info("moonraker client closed")
}

// IsConnected reports whether the websocket is currently up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// SetStatusCallback sets the handler for incremental state deltas.
func (c *Client) SetStatusCallback(cb StatusCallback) {
	c.cbMu.Lock()
	c.statusCb = cb
	c.cbMu.Unlock()
}

// SetEventCallback sets the handler for all other notifications.
func (c *Client) SetEventCallback(cb EventCallback) {
	c.cbMu.Lock()
	c.eventCb = cb
	c.cbMu.Unlock()
}

// Call sends a request and blocks until the matching response arrives or
// ctx expires.
//
// Parameters:
//   - ctx: Deadline/cancellation for this call
//   - method: JSON-RPC method name
//   - params: Marshalled as the params member; nil omits it
//
// Returns:
//   - json.RawMessage: The raw result payload
//   - error: ErrNotConnected, ErrCallTimeout, ErrDisconnected, or *RPCError
//     when the daemon returned a structured error
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, method)
	}

	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := request{JSONRPC: "2.0", Method: method, Params: params, ID: &id}
	if err := c.send(req); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		c.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrCallTimeout, method)
		}
		return nil, ctx.Err()
	case <-c.done.Done():
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s", ErrDisconnected, method)
	}
}

// Notify sends a fire-and-forget notification (no id, no response).
func (c *Client) Notify(method string, params any) error {
	return c.send(request{JSONRPC: "2.0", Method: method, Params: params})
}

// send serializes one outbound frame onto the connection.
func (c *Client) send(msg request) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, msg.Method)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrDisconnected, err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrDisconnected, msg.Method, err)
	}
	return nil
}

// removePending deletes a wait-table entry. The entry is removed exactly
// once by whichever of response, timeout or close wins.
func (c *Client) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failPending resolves every in-flight request with err.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- callResult{err: err}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// run is the connection supervisor: dial, identify, read until the
// connection dies, then back off and retry until Close.
func (c *Client) run() {
	defer c.wg.Done()

	backoff := initialReconnectDelay
	for {
		if c.isClosed() {
			return
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Warn("moonraker dial failed",
				"url", c.url(), "error", err, "backoff", backoff.String())
			if !c.sleepBackoff(&backoff) {
				return
			}
			continue
		}

		// Close may have raced the dial; never adopt a connection after it.
		if c.isClosed() {
			conn.Close()
			return
		}

		c.connMu.Lock()
		c.conn = conn
		c.connected = true
		c.connMu.Unlock()
		backoff = initialReconnectDelay

		c.identify()
		c.logger.Info("moonraker connected", "url", c.url())

		c.readLoop(conn)
		c.dropConn(conn)

		if c.isClosed() {
			return
		}
		c.logger.Warn("moonraker connection lost, reconnecting",
			"backoff", backoff.String())
		if !c.sleepBackoff(&backoff) {
			return
		}
	}
}

// dial opens one websocket connection to the daemon.
func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("X-Api-Key", c.cfg.APIKey)
	}

	conn, _, err := dialer.Dial(c.url(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// url builds the websocket endpoint URL from configuration.
func (c *Client) url() string {
	path := c.cfg.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", c.cfg.Scheme, c.cfg.Host, c.cfg.Port, path)
}

// identify announces the client to Moonraker. Best-effort; a failure here
// is recovered by the next reconnect.
func (c *Client) identify() {
	params := map[string]any{
		"client_name": c.cfg.ClientName,
		"version":     c.version,
		"type":        c.cfg.ClientType,
	}
	if c.cfg.APIKey != "" {
		params["api_key"] = c.cfg.APIKey
	}
	if err := c.Notify("server.connection.identify", params); err != nil {
		c.logger.Warn("moonraker identify failed", "error", err)
	}
}

// readLoop is the single reader for one connection. It returns when the
// connection errors out or is closed.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(data)
	}
}

// dropConn marks the connection down and fails requests that were waiting
// on it. A connection superseded by Close is left to Close's bookkeeping.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.connMu.Unlock()

	conn.Close()
	c.failPending(ErrDisconnected)
}

// handleMessage routes one inbound frame. Malformed frames are dropped
// silently; they must never destabilize the connection loop.
func (c *Client) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("moonraker dropped malformed frame", "error", err)
		return
	}

	// Response to a pending request.
	if env.ID != nil {
		c.pendingMu.Lock()
		ch, ok := c.pending[*env.ID]
		if ok {
			delete(c.pending, *env.ID)
		}
		c.pendingMu.Unlock()
		if !ok {
			// Late response after the caller timed out.
			return
		}
		if env.Error != nil {
			ch <- callResult{err: env.Error}
		} else {
			ch <- callResult{result: env.Result}
		}
		return
	}

	if env.Method == "" {
		return
	}

	// Status deltas go to their dedicated callback; everything else is a
	// generic event.
	if env.Method == MethodStatusUpdate {
		changes, eventtime, ok := parseStatusParams(env.Params)
		if !ok {
			return
		}
		c.cbMu.RLock()
		cb := c.statusCb
		c.cbMu.RUnlock()
		if cb != nil {
			cb(changes, eventtime)
		}
		return
	}

	c.cbMu.RLock()
	cb := c.eventCb
	c.cbMu.RUnlock()
	if cb != nil {
		cb(env.Method, env.Params)
	}
}

// parseStatusParams decodes the [changes, eventtime] pair carried by
// notify_status_update.
func parseStatusParams(raw json.RawMessage) (map[string]map[string]any, float64, bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 1 {
		return nil, 0, false
	}

	var changes map[string]map[string]any
	if err := json.Unmarshal(arr[0], &changes); err != nil {
		return nil, 0, false
	}

	var eventtime float64
	if len(arr) >= 2 {
		// A missing or non-numeric eventtime is tolerated as zero.
		_ = json.Unmarshal(arr[1], &eventtime)
	}
	return changes, eventtime, true
}

// isClosed returns true if the client has been closed.
func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// sleepBackoff waits for the current backoff, then doubles it up to the
// cap. Returns false if the client was closed while waiting.
func (c *Client) sleepBackoff(backoff *time.Duration) bool {
	select {
	case <-c.done.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > maxReconnectDelay {
		*backoff = maxReconnectDelay
	}
	return true
}

// ServerInfo fetches daemon and klippy status via server.info.
func (c *Client) ServerInfo(ctx context.Context) (ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, serverInfoTimeout)
	defer cancel()

	raw, err := c.Call(ctx, "server.info", nil)
	if err != nil {
		return ServerInfo{}, err
	}
	var info ServerInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ServerInfo{}, fmt.Errorf("moonraker: decode server.info: %w", err)
	}
	return info, nil
}

// ObjectsList fetches the catalog of observable printer objects.
func (c *Client) ObjectsList(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, objectsTimeout)
	defer cancel()

	raw, err := c.Call(ctx, "printer.objects.list", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Objects []string `json:"objects"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("moonraker: decode printer.objects.list: %w", err)
	}
	return res.Objects, nil
}

// ObjectsSubscribe subscribes to field-level deltas on the named objects.
// A nil field list subscribes to all fields of that object.
//
// Returns:
//   - map: The initial full status snapshot from the response
//   - error: Call failure
func (c *Client) ObjectsSubscribe(ctx context.Context, objects map[string][]string) (map[string]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	raw, err := c.Call(ctx, "printer.objects.subscribe", map[string]any{"objects": objects})
	if err != nil {
		return nil, err
	}
	var res struct {
		Status map[string]map[string]any `json:"status"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("moonraker: decode printer.objects.subscribe: %w", err)
	}
	return res.Status, nil
}

// ObjectsQuery fetches the current values of the named objects on demand.
func (c *Client) ObjectsQuery(ctx context.Context, objects map[string][]string) (map[string]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, objectsTimeout)
	defer cancel()

	raw, err := c.Call(ctx, "printer.objects.query", map[string]any{"objects": objects})
	if err != nil {
		return nil, err
	}
	var res struct {
		Status map[string]map[string]any `json:"status"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("moonraker: decode printer.objects.query: %w", err)
	}
	return res.Status, nil
}

// GcodeScript executes a gcode script via printer.gcode.script.
func (c *Client) GcodeScript(ctx context.Context, script string) error {
	ctx, cancel := context.WithTimeout(ctx, gcodeScriptTimeout)
	defer cancel()

	_, err := c.Call(ctx, "printer.gcode.script", map[string]any{"script": script})
	return err
}
