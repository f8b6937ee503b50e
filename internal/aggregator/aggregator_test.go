package aggregator

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	gws "github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/wotanvonklass/polygon-proxy/internal/config"
	"github.com/wotanvonklass/polygon-proxy/internal/resourceguard"
	"github.com/wotanvonklass/polygon-proxy/internal/wire"
	"github.com/wotanvonklass/polygon-proxy/internal/wsutil"
)

func testAggServer() *Server {
	cfg := &config.AggregatorConfig{ReplayWindowSeconds: 300}
	cfg.ClientMessageRatePerSec = 1000
	cfg.ClientMessageBurst = 1000
	logger := zerolog.Nop()
	guard := resourceguard.New(logger, 75, 80, 4000)
	return New(cfg, logger, guard)
}

func newAggPipeConsumer(t *testing.T, s *Server, id string) (*aggConsumer, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := &aggConsumer{id: id, subs: wire.NewSubscriptionSet()}
	c.session = wsutil.NewSession(server, 16, zerolog.Nop(), "test-"+id, func(wsutil.DropReason) {
		s.removeConsumer(id)
	})
	c.session.Start()
	s.consumersMu.Lock()
	s.consumers[id] = c
	s.consumersMu.Unlock()
	return c, client
}

func TestHandleConsumerFrameSubscribeRecordsSelectors(t *testing.T) {
	s := testAggServer()
	c, client := newAggPipeConsumer(t, s, "1")
	defer client.Close()

	s.handleConsumerFrame(c, []byte(`{"action":"auth"}`))
	if !c.authed.Load() {
		t.Fatal("auth without a token must still succeed for the aggregator")
	}

	s.handleConsumerFrame(c, []byte(`{"action":"subscribe","params":"500Ms.TSLA"}`))
	if c.subs.Len() != 1 {
		t.Fatalf("expected one selector recorded, got %d", c.subs.Len())
	}

	intervals := s.activeIntervals()
	if len(intervals) != 1 || intervals[0] != 500 {
		t.Fatalf("expected active interval [500], got %v", intervals)
	}
}

func TestProcessTradeEmitsBarOnlyToMatchingSubscriber(t *testing.T) {
	s := testAggServer()
	matched, matchedClient := newAggPipeConsumer(t, s, "matched")
	other, otherClient := newAggPipeConsumer(t, s, "other")
	defer matchedClient.Close()
	defer otherClient.Close()

	s.handleConsumerFrame(matched, []byte(`{"action":"auth"}`))
	s.handleConsumerFrame(matched, []byte(`{"action":"subscribe","params":"500Ms.TSLA"}`))
	s.handleConsumerFrame(other, []byte(`{"action":"auth"}`))
	s.handleConsumerFrame(other, []byte(`{"action":"subscribe","params":"500Ms.AAPL"}`))

	t1 := wire.Trade{Event: "T", Symbol: "TSLA", Price: dec(10), Size: dec(5), Timestamp: 1700000000000}
	t2 := wire.Trade{Event: "T", Symbol: "TSLA", Price: dec(12), Size: dec(2), Timestamp: 1700000000600}
	s.processTrade(&t1)
	s.processTrade(&t2)

	// Each consumer's auth and subscribe acks are queued ahead of any bar.
	for _, conn := range []net.Conn{matchedClient, otherClient} {
		for i := 0; i < 2; i++ {
			conn.SetReadDeadline(time.Now().Add(time.Second))
			if _, _, err := gws.ReadServerData(conn); err != nil {
				t.Fatalf("expected a status ack before any bar: %v", err)
			}
		}
	}

	matchedClient.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 512)
	msg, _, err := gws.ReadServerData(matchedClient)
	if err != nil {
		t.Fatalf("TSLA subscriber should receive the closed bar: %v", err)
	}
	var bars []wire.Bar
	if err := json.Unmarshal(msg, &bars); err != nil {
		t.Fatalf("expected a bar array frame: %v", err)
	}
	if len(bars) != 1 || bars[0].Symbol != "TSLA" {
		t.Fatalf("unexpected bar frame: %+v", bars)
	}

	otherClient.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := otherClient.Read(buf); err == nil {
		t.Fatal("AAPL subscriber must not receive a TSLA bar")
	}
}

func TestHandleFirehoseFramePausesUnderHighCPU(t *testing.T) {
	s := testAggServer()
	c, client := newAggPipeConsumer(t, s, "1")
	defer client.Close()

	s.handleConsumerFrame(c, []byte(`{"action":"auth"}`))
	s.handleConsumerFrame(c, []byte(`{"action":"subscribe","params":"500Ms.TSLA"}`))

	s.guard.TestSetCPUPercent(95)

	trade := wire.Trade{Event: "T", Symbol: "TSLA", Price: dec(10), Size: dec(1), Timestamp: 1700000000000}
	frame, _ := json.Marshal([]wire.Trade{trade})
	s.handleFirehoseFrame(frame)

	s.statesMu.RLock()
	_, seen := s.states[BarKey{Symbol: "TSLA", IntervalMs: 500}]
	s.statesMu.RUnlock()
	if seen {
		t.Fatal("a trade arriving while CPU exceeds the pause threshold must not be folded into bar state")
	}
}

func TestReplayToSkipsWildcardSymbolSelectors(t *testing.T) {
	s := testAggServer()
	c, client := newAggPipeConsumer(t, s, "1")
	defer client.Close()

	key := BarKey{Symbol: "TSLA", IntervalMs: 500}
	st := s.stateFor(key)
	st.onTrade(key, 1700000000000, dec(10), dec(1))
	st.onTrade(key, 1700000000500, dec(11), dec(1))

	sels, err := wire.ParseSelectors("500Ms.*")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	s.replayTo(c, sels, 0)
	buf := make([]byte, 64)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("a wildcard-symbol selector must not trigger replay")
	}
}
