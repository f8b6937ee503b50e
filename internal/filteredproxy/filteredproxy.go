// Package filteredproxy implements the Filtered Proxy: the public
// endpoint that reproduces Polygon's subscription protocol, merges the
// firehose's raw ticks with the aggregator's synthetic bars over two
// upstream connections, and forwards each client only the subset of
// messages its own subscription set matches. Grounded on spec.md §4.3
// and the teacher's internal/shared/broadcast.go fan-out discipline,
// generalized from a single flat-channel broadcast into true per-client
// selector filtering using internal/wire.SubscriptionSet.
package filteredproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
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

// Server runs the Filtered Proxy: two upstream connections (firehose,
// aggregator) merged and fanned out to many filtered client sessions.
type Server struct {
	cfg    *config.FilteredProxyConfig
	logger zerolog.Logger
	guard  *resourceguard.Guard

	firehose   *upstream.Client
	aggregator *upstream.Client
	fatal      chan struct{}

	clientsMu sync.RWMutex
	clients   map[string]*client

	aggRefMu sync.Mutex
	aggRefs  map[wire.Selector]int

	inboundLimiter *ratelimit.ClientLimiter
}

type client struct {
	id      string
	session *wsutil.Session

	authed atomic.Bool // read from the upstream dispatch goroutine, written from this session's read goroutine

	subsMu         sync.RWMutex
	subs           *wire.SubscriptionSet
	malformedCount int
}

func New(cfg *config.FilteredProxyConfig, logger zerolog.Logger, guard *resourceguard.Guard) *Server {
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		guard:          guard,
		clients:        make(map[string]*client),
		aggRefs:        make(map[wire.Selector]int),
		fatal:          make(chan struct{}),
		inboundLimiter: ratelimit.NewClientLimiter(cfg.ClientMessageRatePerSec, cfg.ClientMessageBurst),
	}
	s.firehose = &upstream.Client{
		Name:       "firehose",
		URL:        cfg.FirehoseURL,
		Token:      cfg.FirehoseToken,
		BackoffMax: time.Duration(cfg.ReconnectBackoffMaxMs) * time.Millisecond,
		Logger:     logger,
		OnMessage:  s.handleUpstreamFrame,
		OnFatal:    s.onUpstreamFatal("firehose"),
	}
	s.aggregator = &upstream.Client{
		Name:       "aggregator",
		URL:        cfg.MsAggregatorURL,
		BackoffMax: time.Duration(cfg.ReconnectBackoffMaxMs) * time.Millisecond,
		Logger:     logger,
		OnMessage:  s.handleUpstreamFrame,
		OnFatal:    s.onUpstreamFatal("aggregator"),
	}
	return s
}

func (s *Server) onUpstreamFatal(name string) func(error) {
	return func(err error) {
		s.logger.Error().Err(err).Str("upstream", name).Msg("upstream authentication failed")
		select {
		case <-s.fatal:
		default:
			close(s.fatal)
		}
	}
}

// Fatal is closed if either upstream connection permanently fails
// authentication.
func (s *Server) Fatal() <-chan struct{} { return s.fatal }

// Start dials both upstreams. The firehose requires a trivial subscribe
// to begin streaming (params are ignored by the firehose — spec.md
// §4.1); the aggregator is subscribed to lazily, per client demand.
func (s *Server) Start(ctx context.Context) {
	s.firehose.Start(ctx)
	s.firehose.Subscribe(string(wire.ChannelWildcard)+"."+wire.SymbolWildcard, 0)
	s.aggregator.Start(ctx)
}

// ServeHTTP upgrades an inbound request to a client WebSocket session and
// immediately emits the "connected" status frame spec.md §4.3 requires.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ok, reason := s.guard.ShouldAcceptConnection(); !ok {
		s.logger.Warn().Str("reason", reason).Msg("rejecting client, resource guard")
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
		s.logger.Warn().Err(err).Msg("client upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &client{id: id, subs: wire.NewSubscriptionSet()}
	c.session = wsutil.NewSession(conn, consumerQueueCapacity, s.logger, "client-"+id, func(reason wsutil.DropReason) {
		s.removeClient(c)
		s.guard.ReleaseGoroutine()
		obsmetrics.DropsByReason.WithLabelValues(string(reason)).Inc()
		obsmetrics.ClientsConnected.Dec()
	})
	c.session.Start()
	obsmetrics.ClientsConnected.Inc()
	obsmetrics.ClientsTotal.Inc()

	s.clientsMu.Lock()
	s.clients[id] = c
	s.clientsMu.Unlock()

	c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusConnected, "Connected"))

	c.session.ReadLoop(func(msg []byte) {
		s.handleClientFrame(c, msg)
	})
}

// removeClient releases this client's share of every aggregator
// subscription it held before dropping it from the roster — otherwise a
// disconnected client's selectors would leak the aggregator subscription
// forever.
func (s *Server) removeClient(c *client) {
	c.subsMu.RLock()
	held := c.subs.Selectors()
	c.subsMu.RUnlock()
	s.decrementAggRefs(held)

	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
	s.inboundLimiter.Remove(c.id)
}

// handleClientFrame implements the client state machine of spec.md §4.3:
// unauth clients may only send auth; auth/subscribed accept subscribe and
// unsubscribe freely. Malformed frames get an error status and, past a
// configured count, drop the session.
func (s *Server) handleClientFrame(c *client, msg []byte) {
	if !s.inboundLimiter.Allow(c.id) {
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, "rate limit exceeded"))
		return
	}

	req, err := wire.ParseRequest(msg)
	if err != nil {
		s.rejectMalformed(c, "malformed request")
		return
	}

	if !c.authed.Load() && req.Action != wire.ActionAuth {
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, "must authenticate first"))
		return
	}

	switch req.Action {
	case wire.ActionAuth:
		if req.Params == "" {
			c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusAuthFailed, "credential required"))
			return
		}
		c.authed.Store(true)
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusAuthSuccess, "authenticated"))

	case wire.ActionSubscribe:
		sels, err := wire.ParseSelectors(req.Params)
		if err != nil {
			s.rejectMalformed(c, err.Error())
			return
		}
		c.subsMu.RLock()
		projected := c.subs.Len() + len(sels)
		c.subsMu.RUnlock()
		if projected > s.cfg.MaxClientSubscriptions {
			// Protocol error per spec.md §3: retained, not dropped.
			c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, "subscription limit exceeded"))
			return
		}
		s.subscribeClient(c, sels, req.Since)
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusSuccess, "subscribed to: "+joinSelectors(sels)))

	case wire.ActionUnsubscribe:
		sels, err := wire.ParseSelectors(req.Params)
		if err != nil {
			s.rejectMalformed(c, err.Error())
			return
		}
		s.unsubscribeClient(c, sels)
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusSuccess, "unsubscribed"))

	default:
		s.rejectMalformed(c, "unknown action")
	}
}

func (s *Server) rejectMalformed(c *client, message string) {
	c.subsMu.Lock()
	c.malformedCount++
	count := c.malformedCount
	c.subsMu.Unlock()

	c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, message))
	obsmetrics.MalformedFramesTotal.Inc()
	if count >= s.cfg.MaxMalformedFrames {
		obsmetrics.DropsByReason.WithLabelValues(obsmetrics.DropReasonMalformedSpam).Inc()
		c.session.Close(wsutil.DropReadError)
	}
}

// subscribeClient records selectors client-side and routes any
// synthetic-bar selectors upstream to the aggregator, refcounted so the
// proxy only subscribes upstream for a key's first interested client and
// unsubscribes when its last one leaves — spec.md §4.3's "upstream
// routing of subscriptions".
func (s *Server) subscribeClient(c *client, sels []wire.Selector, since int64) {
	c.subsMu.Lock()
	var added []wire.Selector
	for _, sel := range sels {
		if c.subs.Add(sel) {
			added = append(added, sel)
		}
	}
	c.subsMu.Unlock()
	obsmetrics.SubscriptionsActive.Add(float64(len(added)))

	var newUpstream []wire.Selector
	s.aggRefMu.Lock()
	for _, sel := range added {
		if _, ok := sel.Channel.IntervalMs(); !ok {
			continue
		}
		s.aggRefs[sel]++
		if s.aggRefs[sel] == 1 {
			newUpstream = append(newUpstream, sel)
		}
	}
	s.aggRefMu.Unlock()

	if len(newUpstream) > 0 {
		if since > 0 {
			obsmetrics.ReplayRequestsTotal.Inc()
		}
		s.aggregator.Subscribe(joinSelectors(newUpstream), since)
	}
}

func (s *Server) unsubscribeClient(c *client, sels []wire.Selector) {
	c.subsMu.Lock()
	var removed []wire.Selector
	for _, sel := range sels {
		if c.subs.Remove(sel) {
			removed = append(removed, sel)
		}
	}
	c.subsMu.Unlock()
	obsmetrics.SubscriptionsActive.Sub(float64(len(removed)))

	s.decrementAggRefs(removed)
}

// decrementAggRefs drops this caller's share of each synthetic-bar
// selector's refcount, unsubscribing upstream from the aggregator for
// any key whose last client just left.
func (s *Server) decrementAggRefs(sels []wire.Selector) {
	var drop []wire.Selector
	s.aggRefMu.Lock()
	for _, sel := range sels {
		if _, ok := sel.Channel.IntervalMs(); !ok {
			continue
		}
		if s.aggRefs[sel] <= 0 {
			continue
		}
		s.aggRefs[sel]--
		if s.aggRefs[sel] == 0 {
			delete(s.aggRefs, sel)
			drop = append(drop, sel)
		}
	}
	s.aggRefMu.Unlock()

	if len(drop) > 0 {
		s.aggregator.Unsubscribe(joinSelectors(drop))
	}
}

func joinSelectors(sels []wire.Selector) string {
	parts := make([]string, len(sels))
	for i, sel := range sels {
		parts[i] = sel.String()
	}
	return strings.Join(parts, ",")
}

// handleUpstreamFrame is shared by both upstream connections: decode
// once, apply the extended-hours filter, then walk the client roster
// forwarding each client only the subset of messages its subscription
// set matches. This is the hot path spec.md §5 calls out explicitly.
func (s *Server) handleUpstreamFrame(raw []byte) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return
	}

	parsed := make([]taggedMessage, 0, len(items))
	for _, item := range items {
		tm, ok := parseTaggedMessage(item)
		if !ok {
			continue
		}
		if !s.cfg.IncludeExtendedHours && !isRegularSession(tm.Timestamp) {
			continue
		}
		parsed = append(parsed, tm)
	}
	if len(parsed) == 0 {
		return
	}

	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.authed.Load() {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		s.dispatchTo(c, parsed)
	}
}

func (s *Server) dispatchTo(c *client, parsed []taggedMessage) {
	c.subsMu.RLock()
	var matched []json.RawMessage
	for _, tm := range parsed {
		if c.subs.MatchesAny(tm.Channel, tm.Symbol) {
			matched = append(matched, tm.Raw)
		}
	}
	c.subsMu.RUnlock()
	if len(matched) == 0 {
		return
	}

	frame, err := json.Marshal(matched)
	if err != nil {
		return
	}
	if !c.session.Enqueue(frame) {
		c.session.Close(wsutil.DropSlowConsumer)
		return
	}
	obsmetrics.FramesOutTotal.Inc()
}
