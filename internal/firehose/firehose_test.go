package firehose

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	gws "github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/wotanvonklass/polygon-proxy/internal/config"
	"github.com/wotanvonklass/polygon-proxy/internal/ratelimit"
	"github.com/wotanvonklass/polygon-proxy/internal/resourceguard"
	"github.com/wotanvonklass/polygon-proxy/internal/wire"
	"github.com/wotanvonklass/polygon-proxy/internal/wsutil"
)

func testServer(token string) *Server {
	cfg := &config.FirehoseConfig{FirehoseToken: token}
	cfg.ClientMessageRatePerSec = 1000
	cfg.ClientMessageBurst = 1000
	logger := zerolog.Nop()
	guard := resourceguard.New(logger, 75, 80, 4000)
	return New(cfg, logger, guard)
}

func newPipeConsumer(t *testing.T, s *Server, id string) (*consumer, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := &consumer{id: id}
	c.session = wsutil.NewSession(server, 4, zerolog.Nop(), "test-"+id, func(wsutil.DropReason) {
		s.removeConsumer(id)
	})
	c.session.Start()
	s.mu.Lock()
	s.consumers[id] = c
	s.mu.Unlock()
	return c, client
}

func TestHandleConsumerFrameAuthRequiresMatchingToken(t *testing.T) {
	s := testServer("secret")
	c, client := newPipeConsumer(t, s, "1")
	defer client.Close()

	s.handleConsumerFrame(c, []byte(`{"action":"auth","token":"wrong"}`))
	if c.authed.Load() {
		t.Fatal("auth with wrong token should not authenticate")
	}
}

func TestHandleConsumerFrameAuthSucceedsWithMatchingToken(t *testing.T) {
	s := testServer("secret")
	c, client := newPipeConsumer(t, s, "1")
	defer client.Close()

	s.handleConsumerFrame(c, []byte(`{"action":"auth","token":"secret"}`))
	if !c.authed.Load() {
		t.Fatal("auth with correct token should authenticate")
	}
}

func TestHandleConsumerFrameSubscribeBeforeAuthRejected(t *testing.T) {
	s := testServer("")
	c, client := newPipeConsumer(t, s, "1")
	defer client.Close()

	s.handleConsumerFrame(c, []byte(`{"action":"subscribe","params":"T.*"}`))
	if c.authed.Load() {
		t.Fatal("subscribe must not authenticate a session")
	}
}

func TestBroadcastOnlyReachesAuthedConsumers(t *testing.T) {
	s := testServer("")
	authed, authedClient := newPipeConsumer(t, s, "authed")
	authed.authed.Store(true)
	unauthed, unauthedClient := newPipeConsumer(t, s, "unauthed")
	defer authedClient.Close()
	defer unauthedClient.Close()

	frame, _ := json.Marshal([]wire.Trade{{Event: "T", Symbol: "TSLA"}})
	s.broadcast(frame)

	authedClient.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	if _, err := authedClient.Read(buf); err != nil {
		t.Fatalf("authed consumer should receive the broadcast frame: %v", err)
	}

	unauthedClient.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := unauthedClient.Read(buf); err == nil {
		t.Fatal("unauthenticated consumer must not receive broadcast frames")
	}
	_ = unauthed
}

func TestHandleConsumerFrameThrottlesExcessMessages(t *testing.T) {
	s := testServer("")
	s.cfg.ClientMessageRatePerSec = 1
	s.cfg.ClientMessageBurst = 1
	s.inboundLimiter = ratelimit.NewClientLimiter(1, 1)
	c, client := newPipeConsumer(t, s, "1")
	defer client.Close()

	s.handleConsumerFrame(c, []byte(`{"action":"auth"}`))
	if !c.authed.Load() {
		t.Fatal("first frame within burst should be processed")
	}

	s.handleConsumerFrame(c, []byte(`{"action":"subscribe","params":"T.*"}`))
	client.SetReadDeadline(time.Now().Add(time.Second))
	// The auth ack is queued ahead of the throttled request's status frame.
	if _, _, err := gws.ReadServerData(client); err != nil {
		t.Fatalf("expected the auth ack first: %v", err)
	}
	msg, _, err := gws.ReadServerData(client)
	if err != nil {
		t.Fatalf("expected a status frame for the throttled request: %v", err)
	}
	if !strings.Contains(string(msg), "rate limit") {
		t.Fatalf("expected a rate-limit status frame, got %q", msg)
	}
}

func TestStartRelaysInjectedUpstreamFrames(t *testing.T) {
	s := testServer("")
	inject := make(chan []byte)
	s.polygon.Dialer = fakeUpstreamDialer(inject)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	c, client := newPipeConsumer(t, s, "1")
	defer client.Close()
	c.authed.Store(true)

	frame, _ := json.Marshal([]wire.Trade{{Event: "T", Symbol: "AAPL"}})
	select {
	case inject <- frame:
	case <-time.After(time.Second):
		t.Fatal("fake upstream never completed its handshake")
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("expected the injected upstream frame to reach the consumer: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "AAPL") {
		t.Fatalf("expected the injected trade, got %q", buf[:n])
	}
}

func TestBroadcastDropsSlowConsumer(t *testing.T) {
	s := testServer("")
	c, client := newPipeConsumer(t, s, "slow")
	defer client.Close()
	c.authed.Store(true)

	// Fill the queue without anyone draining the pipe so the writer
	// goroutine is blocked inside the single in-flight write.
	for i := 0; i < 10; i++ {
		frame, _ := json.Marshal([]wire.Trade{{Event: "T", Symbol: "AAPL"}})
		s.broadcast(frame)
	}

	time.Sleep(50 * time.Millisecond)
	s.mu.RLock()
	_, stillPresent := s.consumers["slow"]
	s.mu.RUnlock()
	if stillPresent {
		t.Fatal("a consumer whose queue stays full should eventually be dropped")
	}
}
