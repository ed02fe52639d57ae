package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/berkode/priceengine/internal/domain"
	"github.com/berkode/priceengine/internal/retry"
)

// rpcRequest is the JSON-RPC 2.0 envelope Solana's pubsub endpoints expect
// for *Subscribe/*Unsubscribe calls.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type rpcNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// RawEvent is an undecoded notification from one endpoint connection,
// handed to the per-dex parser dispatch layer unmodified.
type RawEvent struct {
	Kind      domain.SubscriptionKind
	Pool      string // pool (or, for raydium_v4/pumpswap_amm, vault) address for account_updates; program id for program_logs
	Slot      uint64
	Signature string
	Logs      []string
	AccountB64 string
	Err       error
}

// endpointConn is one logical WebSocket to one RPC provider. It owns its
// socket exclusively; the Multiplexer never touches conn directly.
type endpointConn struct {
	url   string
	tier  int
	conn  *websocket.Conn
	state atomic.Value // domain.EndpointState

	mu               sync.Mutex
	remoteSubs       map[uint64]localSub // remote subscription id -> local subscription
	pendingByReqID   map[uint64]chan rpcResponse
	nextReqID        uint64
	consecutiveFails int
	lastPongWall     time.Time

	pingInterval     time.Duration
	pingTimeout      time.Duration
	resubscribeTimeout time.Duration
	reconnectInitialDelay time.Duration
	reconnectMaxDelay     time.Duration

	out chan RawEvent
}

type localSub struct {
	kind domain.SubscriptionKind
	key  string // pool address or program id, whichever was subscribed
}

func newEndpointConn(url string, tier int, out chan RawEvent, pingInterval, pingTimeout, resubscribeTimeout, reconnectInitialDelay, reconnectMaxDelay time.Duration) *endpointConn {
	if reconnectInitialDelay <= 0 {
		reconnectInitialDelay = time.Second
	}
	if reconnectMaxDelay <= 0 {
		reconnectMaxDelay = 60 * time.Second
	}
	e := &endpointConn{
		url:                   url,
		tier:                  tier,
		remoteSubs:            make(map[uint64]localSub),
		pendingByReqID:        make(map[uint64]chan rpcResponse),
		pingInterval:          pingInterval,
		pingTimeout:           pingTimeout,
		resubscribeTimeout:    resubscribeTimeout,
		reconnectInitialDelay: reconnectInitialDelay,
		reconnectMaxDelay:     reconnectMaxDelay,
		out:                   out,
	}
	e.state.Store(domain.EndpointConnecting)
	return e
}

func (e *endpointConn) State() domain.EndpointState {
	return e.state.Load().(domain.EndpointState)
}

// run dials, services the socket, and reconnects at backoff until ctx is
// cancelled. This is the single task that drives this endpoint's read loop;
// a separate goroutine drives the write/keepalive side.
func (e *endpointConn) run(ctx context.Context, connectTimeout time.Duration) {
	policy := retry.Policy{
		MaxAttempts: 0,
		BaseDelay:   e.reconnectInitialDelay,
		MaxDelay:    e.reconnectMaxDelay,
		Jitter:      0.2,
	}
	_ = retry.Do(ctx, policy, func(ctx context.Context) error {
		err := e.connectAndServe(ctx, connectTimeout)
		if ctx.Err() != nil {
			return ctx.Err() // not retryable: caller is tearing down
		}
		e.mu.Lock()
		e.consecutiveFails++
		e.mu.Unlock()
		e.state.Store(domain.EndpointDegraded)
		log.Warn().Err(err).Str("endpoint", e.url).Int("tier", e.tier).Msg("endpoint disconnected, reconnecting")
		return err // always retryable: connect errors are never fatal
	})
	e.state.Store(domain.EndpointClosed)
}

func (e *endpointConn) connectAndServe(ctx context.Context, connectTimeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	u, err := url.Parse(e.url)
	if err != nil {
		return fmt.Errorf("websocket: invalid endpoint url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", e.url, err)
	}

	e.mu.Lock()
	e.conn = conn
	prevSubs := make(map[uint64]localSub, len(e.remoteSubs))
	for id, s := range e.remoteSubs {
		prevSubs[id] = s
	}
	e.remoteSubs = make(map[uint64]localSub)
	e.consecutiveFails = 0
	e.lastPongWall = time.Now()
	e.mu.Unlock()

	e.state.Store(domain.EndpointOpen)
	log.Info().Str("endpoint", e.url).Int("tier", e.tier).Msg("endpoint connected")

	// Re-issue every subscription this endpoint previously held.
	for _, s := range prevSubs {
		resubCtx, cancel := context.WithTimeout(ctx, e.resubscribeTimeout)
		_, err := e.subscribe(resubCtx, s.kind, s.key)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("endpoint", e.url).Str("key", s.key).Msg("resubscribe failed, migration left to caller")
		}
	}

	errCh := make(chan error, 1)
	go e.writeLoop(ctx, errCh)

	readErr := e.readLoop(ctx)

	conn.Close()
	e.mu.Lock()
	e.conn = nil
	e.mu.Unlock()

	select {
	case werr := <-errCh:
		if werr != nil {
			return werr
		}
	default:
	}
	return readErr
}

func (e *endpointConn) writeLoop(ctx context.Context, errCh chan<- error) {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			errCh <- nil
			return
		case <-ticker.C:
			e.mu.Lock()
			conn := e.conn
			lastPong := e.lastPongWall
			e.mu.Unlock()
			if conn == nil {
				errCh <- nil
				return
			}
			if time.Since(lastPong) > e.pingTimeout {
				e.state.Store(domain.EndpointDegraded)
				errCh <- fmt.Errorf("websocket: ping timeout on %s", e.url)
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				errCh <- err
				return
			}
		}
	}
}

func (e *endpointConn) readLoop(ctx context.Context) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket: readLoop called with no connection")
	}
	conn.SetPongHandler(func(string) error {
		e.mu.Lock()
		e.lastPongWall = time.Now()
		e.mu.Unlock()
		return nil
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket: read %s: %w", e.url, err)
		}
		e.dispatch(data)
	}
}

func (e *endpointConn) dispatch(data []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID != 0 {
		e.mu.Lock()
		ch, ok := e.pendingByReqID[resp.ID]
		if ok {
			delete(e.pendingByReqID, resp.ID)
		}
		e.mu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	var note rpcNotification
	if err := json.Unmarshal(data, &note); err != nil {
		log.Debug().Err(err).Str("endpoint", e.url).Msg("discarding undecodable message")
		return
	}
	e.mu.Lock()
	sub, ok := e.remoteSubs[note.Params.Subscription]
	e.mu.Unlock()
	if !ok {
		return
	}

	switch sub.kind {
	case domain.KindAccountUpdates:
		e.out <- decodeAccountNotification(sub.key, note.Params.Result)
	case domain.KindProgramLogs:
		e.out <- decodeLogsNotification(sub.key, note.Params.Result)
	}
}

// subscribe opens a remote subscription for (kind, key) on this endpoint and
// blocks until the ack arrives or ctx is cancelled.
func (e *endpointConn) subscribe(ctx context.Context, kind domain.SubscriptionKind, key string) (uint64, error) {
	e.mu.Lock()
	conn := e.conn
	if conn == nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("websocket: endpoint %s not connected", e.url)
	}
	e.nextReqID++
	reqID := e.nextReqID
	waitCh := make(chan rpcResponse, 1)
	e.pendingByReqID[reqID] = waitCh
	e.mu.Unlock()

	method, params := subscribeEnvelope(kind, key)
	req := rpcRequest{JSONRPC: "2.0", ID: reqID, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	e.mu.Unlock()
	if writeErr != nil {
		return 0, writeErr
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case resp := <-waitCh:
		if resp.Error != nil {
			return 0, fmt.Errorf("websocket: subscribe %s: %s", method, resp.Error.Message)
		}
		var remoteID uint64
		if err := json.Unmarshal(resp.Result, &remoteID); err != nil {
			return 0, fmt.Errorf("websocket: subscribe %s: unexpected result shape: %w", method, err)
		}
		e.mu.Lock()
		e.remoteSubs[remoteID] = localSub{kind: kind, key: key}
		e.mu.Unlock()
		return remoteID, nil
	}
}

func (e *endpointConn) unsubscribe(ctx context.Context, kind domain.SubscriptionKind, remoteID uint64) error {
	e.mu.Lock()
	conn := e.conn
	if conn == nil {
		e.mu.Unlock()
		return nil // already torn down
	}
	e.nextReqID++
	reqID := e.nextReqID
	waitCh := make(chan rpcResponse, 1)
	e.pendingByReqID[reqID] = waitCh
	e.mu.Unlock()

	method := unsubscribeMethod(kind)
	req := rpcRequest{JSONRPC: "2.0", ID: reqID, Method: method, Params: []interface{}{remoteID}}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	e.mu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	delete(e.remoteSubs, remoteID)
	e.mu.Unlock()
	if writeErr != nil {
		return writeErr
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

func subscribeEnvelope(kind domain.SubscriptionKind, key string) (string, []interface{}) {
	commitment := map[string]interface{}{"commitment": "processed"}
	switch kind {
	case domain.KindAccountUpdates:
		encoding := map[string]interface{}{"commitment": "processed", "encoding": "base64"}
		return "accountSubscribe", []interface{}{key, encoding}
	case domain.KindProgramLogs:
		filter := map[string]interface{}{"mentions": []string{key}}
		return "logsSubscribe", []interface{}{filter, commitment}
	default:
		return "", nil
	}
}

func unsubscribeMethod(kind domain.SubscriptionKind) string {
	if kind == domain.KindProgramLogs {
		return "logsUnsubscribe"
	}
	return "accountUnsubscribe"
}
