// Package upstream implements the generic Polygon-protocol client every
// internal hop in the chain uses to dial the hop before it: the firehose
// dials Polygon, the aggregator dials the firehose, and the filtered
// proxy dials both the firehose and the aggregator. Grounded on
// alpacahq-alpaca-trade-api-go/polygon/stream.go's auth/sub/unsub
// handshake and resubscribe-on-reconnect behavior, ported from
// gorilla/websocket to the teacher's gobwas/ws and generalized to dial
// any of the three internal endpoints rather than only Polygon's.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	gws "github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/wotanvonklass/polygon-proxy/internal/obslog"
	"github.com/wotanvonklass/polygon-proxy/internal/obsmetrics"
	"github.com/wotanvonklass/polygon-proxy/internal/ratelimit"
	"github.com/wotanvonklass/polygon-proxy/internal/wire"
)

// State is the upstream connection state machine from spec.md §4.1:
// disconnected -> connecting -> authenticating -> subscribing -> streaming.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
)

// FatalAuthError is returned by authenticate (and surfaced via OnFatal) when the
// upstream rejects authentication — spec.md §4.1 treats this as fatal,
// not transient.
type FatalAuthError struct{ Upstream string }

func (e *FatalAuthError) Error() string {
	return fmt.Sprintf("upstream %q rejected authentication", e.Upstream)
}

// Client maintains one persistent connection to an upstream endpoint
// speaking the Polygon control-frame protocol, transparently
// reconnecting with backoff and resubscribing everything it held before
// the drop.
type Client struct {
	Name string // identifies this upstream in logs/metrics, e.g. "polygon", "firehose"
	URL  string
	// Token is sent as the auth frame's "token" field. Empty is valid —
	// the aggregator accepts any auth frame, the firehose accepts one
	// without a token when its own token gate is off, and Polygon itself
	// uses "params" for its key.
	Token string
	// AuthParam is sent as the auth frame's "params" field (Polygon's own
	// API key goes here; internal hops may leave it empty).
	AuthParam string

	// Dialer, when set, replaces the default gobwas/ws dial against URL.
	// Tests substitute a fake upstream here to inject scripted frames
	// without a live Polygon connection, grounded on
	// original_source/polygon_proxy/test_filtering_logic.py's mock-socket
	// harness.
	Dialer func(ctx context.Context) (net.Conn, error)

	OnMessage func(raw []byte)
	// OnFatal is invoked once if the upstream rejects authentication.
	// Per spec.md §4.1 this is fatal for the firehose (process exit) but
	// callers decide that policy, not this package.
	OnFatal func(error)

	BackoffMax time.Duration
	Logger     zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      conn
	selectors map[string]struct{} // desired subscriptions, resubscribed on reconnect
	wantSince int64
	cancel    context.CancelFunc
}

// conn is the minimal surface Client needs from a dialed connection;
// satisfied by net.Conn.
type conn interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Start dials the upstream and runs the read/reconnect loop until ctx is
// cancelled. Non-blocking: the loop runs on its own goroutine.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	if c.selectors == nil {
		c.selectors = make(map[string]struct{})
	}
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop cancels the connection loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Subscribe records selectors as desired (for resubscription across
// reconnects) and sends a live subscribe frame if currently streaming.
func (c *Client) Subscribe(params string, since int64) error {
	c.mu.Lock()
	for _, p := range strings.Split(params, ",") {
		c.selectors[p] = struct{}{}
	}
	if since > 0 {
		c.wantSince = since
	}
	streaming := c.state == StateStreaming
	conn := c.conn
	c.mu.Unlock()

	if !streaming || conn == nil {
		return nil
	}
	return c.sendRequest(conn, wire.Request{Action: wire.ActionSubscribe, Params: params, Since: since})
}

// Unsubscribe removes selectors from the desired set and sends a live
// unsubscribe frame if currently streaming.
func (c *Client) Unsubscribe(params string) error {
	c.mu.Lock()
	for _, p := range strings.Split(params, ",") {
		delete(c.selectors, p)
	}
	streaming := c.state == StateStreaming
	conn := c.conn
	c.mu.Unlock()

	if !streaming || conn == nil {
		return nil
	}
	return c.sendRequest(conn, wire.Request{Action: wire.ActionUnsubscribe, Params: params})
}

func (c *Client) run(ctx context.Context) {
	defer obslog.RecoverPanic(c.Logger, "upstream.run", map[string]any{"upstream": c.Name})

	backoff := ratelimit.NewBackoff(c.BackoffMax)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.Logger.Warn().Err(err).Str("upstream", c.Name).Msg("dial failed, backing off")
			obsmetrics.UpstreamReconnectsTotal.WithLabelValues(c.Name).Inc()
			c.wait(ctx, backoff.Next())
			continue
		}

		if err := c.authenticate(conn); err != nil {
			if _, fatal := err.(*FatalAuthError); fatal {
				c.Logger.Error().Err(err).Str("upstream", c.Name).Msg("fatal authentication failure")
				if c.OnFatal != nil {
					c.OnFatal(err)
				}
				conn.Close()
				return
			}
			conn.Close()
			obsmetrics.UpstreamReconnectsTotal.WithLabelValues(c.Name).Inc()
			c.wait(ctx, backoff.Next())
			continue
		}

		c.setState(StateSubscribing)
		if err := c.resubscribeAll(conn); err != nil {
			conn.Close()
			c.wait(ctx, backoff.Next())
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateStreaming)
		obsmetrics.UpstreamStateGauge.WithLabelValues(c.Name).Set(1)
		backoff.Reset()

		c.readLoop(ctx, conn)

		obsmetrics.UpstreamStateGauge.WithLabelValues(c.Name).Set(0)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
		obsmetrics.UpstreamReconnectsTotal.WithLabelValues(c.Name).Inc()
		c.wait(ctx, backoff.Next())
	}
}

func (c *Client) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context) (conn, error) {
	if c.Dialer != nil {
		return c.Dialer(ctx)
	}
	dialer := ws.Dialer{Timeout: 10 * time.Second}
	conn, _, _, err := dialer.Dial(ctx, c.URL)
	return conn, err
}

func (c *Client) authenticate(cn conn) error {
	req := wire.Request{Action: wire.ActionAuth, Params: c.AuthParam, Token: c.Token}
	c.setState(StateAuthenticating)
	if err := c.sendRequest(cn, req); err != nil {
		return err
	}

	cn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer cn.SetReadDeadline(time.Time{})

	msg, _, err := gws.ReadServerData(cn)
	if err != nil {
		return err
	}

	var statuses []wire.StatusEvent
	if err := json.Unmarshal(msg, &statuses); err != nil || len(statuses) == 0 {
		return fmt.Errorf("upstream %q: malformed auth response", c.Name)
	}
	switch statuses[0].Status {
	case wire.StatusAuthSuccess, wire.StatusAuthenticated, wire.StatusConnected:
		return nil
	default:
		return &FatalAuthError{Upstream: c.Name}
	}
}

func (c *Client) resubscribeAll(cn conn) error {
	c.mu.Lock()
	if len(c.selectors) == 0 {
		c.mu.Unlock()
		return nil
	}
	params := joinKeys(c.selectors)
	since := c.wantSince
	c.mu.Unlock()

	return c.sendRequest(cn, wire.Request{Action: wire.ActionSubscribe, Params: params, Since: since})
}

func joinKeys(m map[string]struct{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return strings.Join(keys, ",")
}

func (c *Client) sendRequest(cn conn, req wire.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	cn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer cn.SetWriteDeadline(time.Time{})
	return gws.WriteClientMessage(cn, ws.OpText, data)
}

func (c *Client) readLoop(ctx context.Context, cn conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cn.SetReadDeadline(time.Now().Add(pongWaitUpstream))
		msg, op, err := gws.ReadServerData(cn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		obsmetrics.FramesInTotal.Inc()
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

const pongWaitUpstream = 30 * time.Second
