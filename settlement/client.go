package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"nhooyr.io/websocket"
)

var (
	// ErrNotConnected is returned by Call when no live connection exists.
	ErrNotConnected = errors.New("settlement: not connected")
	// ErrFeatureDisabled is the sentinel cause for a feature-gated verification result.
	ErrFeatureDisabled = errors.New("settlement: payment endpoints disabled")
)

const (
	defaultCallTimeout   = 10 * time.Second
	defaultVerifyTimeout = 5 * time.Second
	defaultMaxRetries    = 3
)

// wsConn abstracts the underlying WebSocket transport so tests can supply
// an in-memory fake without a real network socket.
type wsConn interface {
	WriteMessage(ctx context.Context, data []byte) error
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// DialFunc opens a transport connection to url.
type DialFunc func(ctx context.Context, url string) (wsConn, error)

type nhooyrConn struct{ c *websocket.Conn }

func (n *nhooyrConn) WriteMessage(ctx context.Context, data []byte) error {
	return n.c.Write(ctx, websocket.MessageText, data)
}

func (n *nhooyrConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := n.c.Read(ctx)
	return data, err
}

func (n *nhooyrConn) Close() error {
	return n.c.Close(websocket.StatusNormalClosure, "shutdown")
}

// DefaultDial opens a production WebSocket connection using nhooyr.io/websocket.
func DefaultDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &nhooyrConn{c: conn}, nil
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// VerifyResult is the boundary shape of a verification call.
type VerifyResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Client is a persistent JSON-RPC 2.0 settlement connection.
type Client struct {
	url  string
	dial DialFunc

	callTimeout      time.Duration
	verifyTimeout    time.Duration
	maxRetries       int
	paymentsDisabled bool
	bearerToken      string
	backoff          *backoffSchedule

	onState func(StateEvent)

	mu      sync.Mutex
	state   State
	conn    wsConn
	pending map[string]chan pendingResult
	subs    map[string][]func(json.RawMessage)
}

// Option configures a Client.
type Option func(*Client)

// WithDialFunc overrides the transport dialer (for tests).
func WithDialFunc(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithTimeouts overrides the default 10s/5s call/verify timeouts.
func WithTimeouts(call, verify time.Duration) Option {
	return func(c *Client) {
		if call > 0 {
			c.callTimeout = call
		}
		if verify > 0 {
			c.verifyTimeout = verify
		}
	}
}

// WithMaxRetries overrides the default per-call retry count of 3.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithPaymentsDisabled feature-gates verification calls so they resolve
// locally to {valid:false, error:"unavailable"} without a network round trip.
func WithPaymentsDisabled(disabled bool) Option {
	return func(c *Client) { c.paymentsDisabled = disabled }
}

// WithBearerToken attaches a JWT bearer token to the initial AUTH handshake.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearerToken = token }
}

// WithBackoff overrides the default 100ms/30s/±10% reconnect backoff schedule.
func WithBackoff(base, max time.Duration, jitterPct float64) Option {
	return func(c *Client) { c.backoff = newBackoffSchedule(base, max, jitterPct) }
}

// WithStateListener registers a callback invoked on every state transition.
func WithStateListener(f func(StateEvent)) Option {
	return func(c *Client) { c.onState = f }
}

// New constructs a Client targeting url, initially Disconnected.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:           url,
		dial:          DefaultDial,
		callTimeout:   defaultCallTimeout,
		verifyTimeout: defaultVerifyTimeout,
		maxRetries:    defaultMaxRetries,
		backoff:       newBackoffSchedule(0, 0, defaultJitterPct),
		state:         Disconnected,
		pending:       make(map[string]chan pendingResult),
		subs:          make(map[string][]func(json.RawMessage)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State, name string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(StateEvent{State: s, Name: name})
	}
}

// Run owns the connection for its lifetime: dial, serve reads, and on
// disconnect wait out a jittered exponential backoff before redialing,
// until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(Connecting, "state")
		conn, err := c.dial(ctx, c.url)
		if err != nil {
			c.setState(Reconnecting, "reconnecting")
			d := c.backoff.delay(attempt)
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(Connected, "connected")

		if c.bearerToken != "" {
			authCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
			_, _ = c.Call(authCtx, "auth", map[string]string{"token": c.bearerToken}, c.callTimeout)
			cancel()
		}

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.failAllPendingLocked(ErrNotConnected)
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(Disconnected, "disconnected")

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn wsConn) {
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		c.dispatch(resp)
	}
}

func (c *Client) dispatch(resp rpcResponse) {
	if resp.Method == "subscription" {
		var push subscriptionPush
		if err := json.Unmarshal(resp.Params, &push); err != nil {
			return
		}
		c.mu.Lock()
		callbacks := append([]func(json.RawMessage){}, c.subs[push.AccountPath]...)
		c.mu.Unlock()
		for _, cb := range callbacks {
			cb(push.Data)
		}
		return
	}

	if resp.ID == "" {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	var err error
	if resp.Error != nil {
		err = resp.Error
	}
	select {
	case ch <- pendingResult{result: resp.Result, err: err}:
	default:
	}
}

func (c *Client) failAllPendingLocked(err error) {
	for id, ch := range c.pending {
		select {
		case ch <- pendingResult{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}

// Subscribe registers callback to receive server-pushed "subscription"
// frames demultiplexed by accountPath, and issues the server-side
// ledger.subscribeToAccount request that establishes the push.
func (c *Client) Subscribe(ctx context.Context, accountPath string, callback func(json.RawMessage)) error {
	c.mu.Lock()
	c.subs[accountPath] = append(c.subs[accountPath], callback)
	c.mu.Unlock()

	_, err := c.Call(ctx, MethodSubscribeToAccount, map[string]string{"accountPath": accountPath}, c.callTimeout)
	return err
}

// Unsubscribe stops callback delivery for accountPath and tells the server
// to stop pushing updates for it.
func (c *Client) Unsubscribe(ctx context.Context, accountPath string) error {
	c.mu.Lock()
	delete(c.subs, accountPath)
	c.mu.Unlock()

	_, err := c.Call(ctx, MethodUnsubscribeFromAccount, map[string]string{"accountPath": accountPath}, c.callTimeout)
	return err
}

// Call issues a JSON-RPC request and waits up to timeout for a response,
// retrying transient failures up to the configured max_retries before
// surfacing a typed RpcError.
func (c *Client) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result, err := c.callOnce(ctx, method, params, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return nil, &RpcError{Method: method, Cause: lastErr}
}

func (c *Client) callOnce(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := uuid.NewString()
	respCh := make(chan pendingResult, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: paramsRaw})
	if err != nil {
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.WriteMessage(writeCtx, data); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp.result, resp.err
	case <-time.After(timeout):
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return false
	}
	return true
}

// VerifyClaim verifies a payment claim, honoring the payments-disabled
// feature gate: when disabled, it resolves locally without a network call.
func (c *Client) VerifyClaim(ctx context.Context, params interface{}) (VerifyResult, error) {
	if c.paymentsDisabled {
		return VerifyResult{Valid: false, Error: "unavailable"}, nil
	}
	raw, err := c.Call(ctx, MethodVerifyPaymentClaim, params, c.verifyTimeout)
	if err != nil {
		return VerifyResult{}, err
	}
	var result VerifyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return VerifyResult{}, err
	}
	return result, nil
}

// Balance queries accountPath's balance. Unlike VerifyClaim, it always
// performs the network round trip, even when payment endpoints are
// feature-gated off.
func (c *Client) Balance(ctx context.Context, accountPath string) (*uint256.Int, error) {
	raw, err := c.Call(ctx, MethodGetBalance, map[string]string{"accountPath": accountPath}, c.callTimeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Balance     string `json:"balance"`
		AccountPath string `json:"accountPath"`
		LastUpdated int64  `json:"lastUpdated"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	amount, err := uint256.FromDecimal(payload.Balance)
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// RoutingStatsResult is the boundary shape of payment.getRoutingStats.
type RoutingStatsResult struct {
	RoutesAttempted int64 `json:"routesAttempted"`
	RoutesSucceeded int64 `json:"routesSucceeded"`
}

// ConvertToAKT converts amount (denominated in the account's native unit)
// to AKT, honoring the payments-disabled feature gate.
func (c *Client) ConvertToAKT(ctx context.Context, accountPath, amount string) (*uint256.Int, error) {
	if c.paymentsDisabled {
		return nil, ErrFeatureDisabled
	}
	raw, err := c.Call(ctx, MethodConvertToAKT, map[string]string{"accountPath": accountPath, "amount": amount}, c.callTimeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		AKT string `json:"akt"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(payload.AKT)
}

// ClaimAllChannels requests settlement of every outstanding payment channel
// for accountPath, honoring the payments-disabled feature gate.
func (c *Client) ClaimAllChannels(ctx context.Context, accountPath string) error {
	if c.paymentsDisabled {
		return ErrFeatureDisabled
	}
	_, err := c.Call(ctx, MethodClaimAllChannels, map[string]string{"accountPath": accountPath}, c.callTimeout)
	return err
}

// RoutingStats reports aggregate payment-routing counters, honoring the
// payments-disabled feature gate.
func (c *Client) RoutingStats(ctx context.Context) (RoutingStatsResult, error) {
	if c.paymentsDisabled {
		return RoutingStatsResult{}, ErrFeatureDisabled
	}
	raw, err := c.Call(ctx, MethodGetRoutingStats, nil, c.callTimeout)
	if err != nil {
		return RoutingStatsResult{}, err
	}
	var result RoutingStatsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return RoutingStatsResult{}, err
	}
	return result, nil
}
