// Package aggregator implements the Millisecond-Bar Aggregator: one
// upstream trade feed from the firehose, a bar state machine per
// (symbol, interval) key, and a bounded ring buffer per key for
// replay-on-subscribe. Grounded on spec.md §4.2 and
// original_source/polygon_proxy/ms-aggregator's test_since.py /
// test_buffer_live.py for the exact replay/ordering contract and wire
// shape, adapting the firehose's consumer-session plumbing rather than
// duplicating it.
package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wotanvonklass/polygon-proxy/internal/config"
	"github.com/wotanvonklass/polygon-proxy/internal/obsmetrics"
	"github.com/wotanvonklass/polygon-proxy/internal/ratelimit"
	"github.com/wotanvonklass/polygon-proxy/internal/resourceguard"
	"github.com/wotanvonklass/polygon-proxy/internal/upstream"
	"github.com/wotanvonklass/polygon-proxy/internal/wire"
	"github.com/wotanvonklass/polygon-proxy/internal/wsutil"
)

const consumerQueueCapacity = 1024

// idleScanInterval bounds how often bars are checked for idle-close.
// spec.md §4.2 wants the check "at interval granularity" per key; a
// single fast global scan is simpler than one timer per key and is
// fine-grained enough for intervals of 100ms and up. Shorter intervals,
// which the selector grammar accepts down to 1ms, close idle bars up to
// one scan period late.
const idleScanInterval = 25 * time.Millisecond

// Server runs the Millisecond-Bar Aggregator: one upstream firehose
// trade feed, one HTTP listener accepting consumers (normally filtered
// proxy instances).
type Server struct {
	cfg    *config.AggregatorConfig
	logger zerolog.Logger
	guard  *resourceguard.Guard

	firehose *upstream.Client
	fatal    chan struct{}

	statesMu sync.RWMutex
	states   map[BarKey]*barState

	consumersMu sync.RWMutex
	consumers   map[string]*aggConsumer

	inboundLimiter *ratelimit.ClientLimiter
}

type aggConsumer struct {
	id      string
	session *wsutil.Session
	// authed is read from the firehose-frame-processing goroutine (via
	// emitBar) and written from this consumer's own read goroutine.
	authed atomic.Bool
	// subsMu guards subs: the consumer's own read goroutine mutates it in
	// handleConsumerFrame while activeIntervals and emitBar read it from
	// the firehose-frame-processing goroutine.
	subsMu sync.RWMutex
	subs   *wire.SubscriptionSet
}

func New(cfg *config.AggregatorConfig, logger zerolog.Logger, guard *resourceguard.Guard) *Server {
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		guard:          guard,
		states:         make(map[BarKey]*barState),
		consumers:      make(map[string]*aggConsumer),
		fatal:          make(chan struct{}),
		inboundLimiter: ratelimit.NewClientLimiter(cfg.ClientMessageRatePerSec, cfg.ClientMessageBurst),
	}
	s.firehose = &upstream.Client{
		Name:       "firehose",
		URL:        cfg.FirehoseURL,
		Token:      cfg.FirehoseToken,
		BackoffMax: time.Duration(cfg.ReconnectBackoffMaxMs) * time.Millisecond,
		Logger:     logger,
		OnMessage:  s.handleFirehoseFrame,
		OnFatal:    s.onUpstreamFatal,
	}
	return s
}

func (s *Server) onUpstreamFatal(err error) {
	s.logger.Error().Err(err).Msg("firehose authentication failed")
	select {
	case <-s.fatal:
	default:
		close(s.fatal)
	}
}

// Fatal is closed if the aggregator's own upstream connection to the
// firehose permanently fails authentication (a misconfigured shared
// token, per spec.md §4.1's fatal-auth policy applied one hop down).
func (s *Server) Fatal() <-chan struct{} { return s.fatal }

// Start dials the firehose, subscribes to every trade, and launches the
// idle-bar-close scanner.
func (s *Server) Start(ctx context.Context) {
	s.firehose.Start(ctx)
	s.firehose.Subscribe(string(wire.ChannelTrade)+"."+wire.SymbolWildcard, 0)
	go s.runIdleCloser(ctx)
}

func (s *Server) runIdleCloser(ctx context.Context) {
	ticker := time.NewTicker(idleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scanIdleBars()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) scanIdleBars() {
	now := time.Now().UnixMilli()

	s.statesMu.RLock()
	keys := make([]BarKey, 0, len(s.states))
	states := make([]*barState, 0, len(s.states))
	for k, st := range s.states {
		keys = append(keys, k)
		states = append(states, st)
	}
	s.statesMu.RUnlock()

	for i, st := range states {
		closed, ok := st.closeIdle(now)
		if !ok {
			continue
		}
		st.trimRing(now - int64(s.cfg.ReplayWindowSeconds)*1000)
		s.emitBar(keys[i], *closed)
	}
}

// handleFirehoseFrame decodes one broadcast frame from the firehose and
// folds any trade events into the active bar states. Non-trade events
// (quotes, native aggregates) are ignored — the aggregator only ever
// synthesizes bars from trades, per spec.md §4.2.
func (s *Server) handleFirehoseFrame(raw []byte) {
	if s.guard.ShouldPauseUpstream() {
		obsmetrics.DropsByReason.WithLabelValues(obsmetrics.DropReasonCPUPause).Inc()
		return
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return
	}
	for _, item := range items {
		var tag struct {
			Event string `json:"ev"`
		}
		if err := json.Unmarshal(item, &tag); err != nil {
			continue
		}
		if tag.Event != string(wire.ChannelTrade) {
			continue
		}
		var t wire.Trade
		if err := json.Unmarshal(item, &t); err != nil {
			obsmetrics.AggregationAnomalies.WithLabelValues(obsmetrics.AnomalyMalformed).Inc()
			continue
		}
		s.processTrade(&t)
	}
}

func (s *Server) processTrade(t *wire.Trade) {
	for _, n := range s.activeIntervals() {
		key := BarKey{Symbol: t.Symbol, IntervalMs: n}
		st := s.stateFor(key)

		closed, anomaly := st.onTrade(key, t.Timestamp, t.Price, t.Size)
		if anomaly != "" {
			obsmetrics.AggregationAnomalies.WithLabelValues(anomaly).Inc()
			continue
		}
		if closed != nil {
			st.trimRing(t.Timestamp - int64(s.cfg.ReplayWindowSeconds)*1000)
			obsmetrics.BarsEmittedTotal.WithLabelValues(string(wire.BarChannel(n))).Inc()
			s.emitBar(key, *closed)
		}
	}
}

// activeIntervals returns the distinct millisecond intervals any
// connected consumer currently has a selector for, regardless of which
// symbol that selector names — spec.md §4.2's "every active interval
// currently subscribed by at least one client".
func (s *Server) activeIntervals() []int64 {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()

	seen := make(map[int64]struct{})
	var out []int64
	for _, c := range s.consumers {
		c.subsMu.RLock()
		sels := c.subs.Selectors()
		c.subsMu.RUnlock()
		for _, sel := range sels {
			n, ok := sel.Channel.IntervalMs()
			if !ok {
				continue
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

func (s *Server) stateFor(key BarKey) *barState {
	s.statesMu.RLock()
	st, ok := s.states[key]
	s.statesMu.RUnlock()
	if ok {
		return st
	}

	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	if st, ok := s.states[key]; ok {
		return st
	}
	st = newBarState()
	s.states[key] = st
	return st
}

// emitBar forwards one closed bar to every consumer whose subscription
// set matches its (channel, symbol).
func (s *Server) emitBar(key BarKey, bar wire.Bar) {
	channel := wire.BarChannel(key.IntervalMs)

	s.consumersMu.RLock()
	var targets []*aggConsumer
	for _, c := range s.consumers {
		if !c.authed.Load() {
			continue
		}
		c.subsMu.RLock()
		matches := c.subs.MatchesAny(channel, key.Symbol)
		c.subsMu.RUnlock()
		if matches {
			targets = append(targets, c)
		}
	}
	s.consumersMu.RUnlock()
	if len(targets) == 0 {
		return
	}

	frame, err := json.Marshal([]wire.Bar{bar})
	if err != nil {
		return
	}
	for _, c := range targets {
		if !c.session.Enqueue(frame) {
			c.session.Close(wsutil.DropSlowConsumer)
			continue
		}
		obsmetrics.FramesOutTotal.Inc()
	}
}

// ServeHTTP upgrades an inbound request to a consumer WebSocket session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ok, reason := s.guard.ShouldAcceptConnection(); !ok {
		s.logger.Warn().Str("reason", reason).Msg("rejecting aggregator consumer, resource guard")
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}
	if !s.guard.AcquireGoroutine() {
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := wsutil.Upgrade(w, r)
	if err != nil {
		s.guard.ReleaseGoroutine()
		s.logger.Warn().Err(err).Msg("aggregator consumer upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &aggConsumer{id: id, subs: wire.NewSubscriptionSet()}
	c.session = wsutil.NewSession(conn, consumerQueueCapacity, s.logger, "aggregator-consumer-"+id, func(reason wsutil.DropReason) {
		s.removeConsumer(id)
		s.guard.ReleaseGoroutine()
		obsmetrics.DropsByReason.WithLabelValues(string(reason)).Inc()
		obsmetrics.ClientsConnected.Dec()
	})
	c.session.Start()
	obsmetrics.ClientsConnected.Inc()
	obsmetrics.ClientsTotal.Inc()

	s.consumersMu.Lock()
	s.consumers[id] = c
	s.consumersMu.Unlock()

	c.session.ReadLoop(func(msg []byte) {
		s.handleConsumerFrame(c, msg)
	})
}

// handleConsumerFrame implements the aggregator's public contract from
// spec.md §4.2: auth handshake identical in shape to the firehose's but
// with an optional token (any auth request succeeds — the aggregator's
// own consumers are internal hops, not Polygon-style clients), then
// subscribe/unsubscribe with the "<N>Ms.<SYM>" selector family and
// optional since-based replay.
func (s *Server) handleConsumerFrame(c *aggConsumer, msg []byte) {
	if !s.inboundLimiter.Allow(c.id) {
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, "rate limit exceeded"))
		return
	}

	req, err := wire.ParseRequest(msg)
	if err != nil {
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, "malformed request"))
		return
	}

	switch req.Action {
	case wire.ActionAuth:
		c.authed.Store(true)
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusAuthenticated, "authenticated"))

	case wire.ActionSubscribe:
		if !c.authed.Load() {
			c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, "not authenticated"))
			return
		}
		sels, err := wire.ParseSelectors(req.Params)
		if err != nil {
			c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, err.Error()))
			return
		}
		c.subsMu.Lock()
		for _, sel := range sels {
			c.subs.Add(sel)
		}
		c.subsMu.Unlock()
		obsmetrics.SubscriptionsActive.Add(float64(len(sels)))
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusSubscribed, "subscribed"))
		if req.Since > 0 {
			obsmetrics.ReplayRequestsTotal.Inc()
			s.replayTo(c, sels, req.Since)
		}

	case wire.ActionUnsubscribe:
		sels, err := wire.ParseSelectors(req.Params)
		if err != nil {
			c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, err.Error()))
			return
		}
		c.subsMu.Lock()
		for _, sel := range sels {
			c.subs.Remove(sel)
		}
		c.subsMu.Unlock()
		obsmetrics.SubscriptionsActive.Sub(float64(len(sels)))
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusSuccess, "unsubscribed"))

	default:
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, "unknown action"))
	}
}

// replayTo delivers buffered bars for every concrete-symbol selector in
// sels with end_ts >= sinceMs, each key's bars in ascending end_ts order,
// before returning control to the live path. Wildcard-symbol selectors
// have no single ring buffer to replay from and receive live bars only —
// see DESIGN.md's resolution of this open question.
func (s *Server) replayTo(c *aggConsumer, sels []wire.Selector, sinceMs int64) {
	for _, sel := range sels {
		if sel.Symbol == wire.SymbolWildcard {
			continue
		}
		n, ok := sel.Channel.IntervalMs()
		if !ok {
			continue
		}
		key := BarKey{Symbol: sel.Symbol, IntervalMs: n}

		s.statesMu.RLock()
		st := s.states[key]
		s.statesMu.RUnlock()
		if st == nil {
			continue
		}

		for _, bar := range st.replay(sinceMs) {
			frame, err := json.Marshal([]wire.Bar{bar})
			if err != nil {
				continue
			}
			c.session.Enqueue(frame)
		}
	}
}

func (s *Server) removeConsumer(id string) {
	s.consumersMu.Lock()
	delete(s.consumers, id)
	s.consumersMu.Unlock()
	s.inboundLimiter.Remove(id)
}
