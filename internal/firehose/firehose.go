// Package firehose implements the Firehose Proxy: the single authenticated
// upstream Polygon session, wildcard-subscribed to every native channel,
// fanned out verbatim to every authenticated internal consumer. Grounded
// on the teacher's internal/shared/broadcast.go fan-out discipline
// (non-blocking per-client send, drop on a full queue) adapted to the
// simpler "one frame, many listeners, no per-message parsing" shape this
// layer needs — the firehose never looks inside a frame.
package firehose

import (
	"context"
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

// wildcardParams is the fixed subscription the firehose holds against
// Polygon for the lifetime of the process — spec.md §4.1.
const wildcardParams = "T.*,Q.*,A.*,AM.*"

// Server runs the Firehose Proxy: one upstream Polygon connection, one
// HTTP listener accepting internal consumers.
type Server struct {
	cfg    *config.FirehoseConfig
	logger zerolog.Logger
	guard  *resourceguard.Guard

	polygon *upstream.Client
	fatal   chan struct{} // closed once, by onUpstreamFatal

	mu        sync.RWMutex
	consumers map[string]*consumer

	inboundLimiter *ratelimit.ClientLimiter
}

type consumer struct {
	id      string
	session *wsutil.Session
	// authed is read from the upstream broadcast goroutine and written
	// from this consumer's own read goroutine.
	authed atomic.Bool
}

// New builds a Server. It does not start the upstream connection or the
// HTTP listener; call Start and then mount ServeHTTP.
func New(cfg *config.FirehoseConfig, logger zerolog.Logger, guard *resourceguard.Guard) *Server {
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		guard:          guard,
		consumers:      make(map[string]*consumer),
		fatal:          make(chan struct{}),
		inboundLimiter: ratelimit.NewClientLimiter(cfg.ClientMessageRatePerSec, cfg.ClientMessageBurst),
	}
	s.polygon = &upstream.Client{
		Name:       "polygon",
		URL:        cfg.PolygonURL,
		AuthParam:  cfg.PolygonAPIKey,
		BackoffMax: time.Duration(cfg.ReconnectBackoffMaxMs) * time.Millisecond,
		Logger:     logger,
		OnMessage:  s.broadcast,
		OnFatal:    s.onUpstreamFatal,
	}
	return s
}

// onUpstreamFatal is invoked once, from the upstream client's own
// goroutine, when Polygon rejects authentication. Per spec.md §4.1 this
// is a misconfigured deployment; cmd/firehose selects on Fatal() to exit
// non-zero.
func (s *Server) onUpstreamFatal(err error) {
	s.logger.Error().Err(err).Msg("polygon authentication failed")
	select {
	case <-s.fatal:
	default:
		close(s.fatal)
	}
}

// Fatal is closed when the upstream Polygon authentication has
// permanently failed; the caller should exit non-zero on receipt.
func (s *Server) Fatal() <-chan struct{} {
	return s.fatal
}

// Start dials Polygon and issues the permanent wildcard subscription.
func (s *Server) Start(ctx context.Context) {
	s.polygon.Start(ctx)
	s.polygon.Subscribe(wildcardParams, 0)
}

// ServeHTTP upgrades an inbound request to a WebSocket consumer session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ok, reason := s.guard.ShouldAcceptConnection(); !ok {
		s.logger.Warn().Str("reason", reason).Msg("rejecting firehose consumer, resource guard")
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
		s.logger.Warn().Err(err).Msg("firehose consumer upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &consumer{id: id}
	c.session = wsutil.NewSession(conn, consumerQueueCapacity, s.logger, "firehose-consumer-"+id, func(reason wsutil.DropReason) {
		s.removeConsumer(id)
		s.guard.ReleaseGoroutine()
		obsmetrics.DropsByReason.WithLabelValues(string(reason)).Inc()
		obsmetrics.ClientsConnected.Dec()
	})
	c.session.Start()
	obsmetrics.ClientsConnected.Inc()
	obsmetrics.ClientsTotal.Inc()

	s.mu.Lock()
	s.consumers[id] = c
	s.mu.Unlock()

	c.session.ReadLoop(func(msg []byte) {
		s.handleConsumerFrame(c, msg)
	})
}

// handleConsumerFrame implements the firehose's trivial two-verb
// protocol: auth against the shared token, then a no-op subscribe ack.
// Parameters to subscribe are ignored — the firehose never filters.
func (s *Server) handleConsumerFrame(c *consumer, msg []byte) {
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
		if s.cfg.FirehoseToken != "" && req.Token != s.cfg.FirehoseToken {
			c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusAuthFailed, "invalid token"))
			c.session.Close(wsutil.DropReadError)
			return
		}
		c.authed.Store(true)
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusAuthenticated, "authenticated"))
	case wire.ActionSubscribe:
		if !c.authed.Load() {
			c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, "not authenticated"))
			return
		}
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusSubscribed, "subscribed"))
	case wire.ActionUnsubscribe:
		// No-op: the firehose holds nothing per-consumer to remove.
	default:
		c.session.Enqueue(wire.MarshalStatusFrame(wire.StatusError, "unknown action"))
	}
}

// broadcast fans one verbatim upstream frame out to every authenticated
// consumer. A consumer whose queue is full is dropped, never throttled —
// spec.md §4.1's "the upstream is never slowed for a slow downstream".
func (s *Server) broadcast(frame []byte) {
	s.mu.RLock()
	targets := make([]*consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		if c.authed.Load() {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if !c.session.Enqueue(frame) {
			c.session.Close(wsutil.DropSlowConsumer)
			continue
		}
		obsmetrics.FramesOutTotal.Inc()
	}
}

func (s *Server) removeConsumer(id string) {
	s.mu.Lock()
	delete(s.consumers, id)
	s.mu.Unlock()
	s.inboundLimiter.Remove(id)
}
