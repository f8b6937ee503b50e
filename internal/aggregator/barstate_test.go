package aggregator

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestOnTradeOpensAndExtendsBar(t *testing.T) {
	key := BarKey{Symbol: "TSLA", IntervalMs: 500}
	st := newBarState()

	if closed, anomaly := st.onTrade(key, 1700000000000, decimal.NewFromFloat(10), dec(5)); closed != nil || anomaly != "" {
		t.Fatalf("first trade should open a bar with no close, got closed=%v anomaly=%q", closed, anomaly)
	}
	closed, anomaly := st.onTrade(key, 1700000000200, decimal.NewFromFloat(11), dec(3))
	if closed != nil || anomaly != "" {
		t.Fatalf("trade within the same bucket should extend, not close: closed=%v anomaly=%q", closed, anomaly)
	}

	st.mu.Lock()
	cur := st.current
	st.mu.Unlock()
	if !cur.High.Equal(decimal.NewFromFloat(11)) || !cur.Close.Equal(decimal.NewFromFloat(11)) {
		t.Fatalf("expected high/close updated to 11, got high=%v close=%v", cur.High, cur.Close)
	}
	if !cur.Volume.Equal(dec(8)) || cur.Count != 2 {
		t.Fatalf("expected volume=8 count=2, got volume=%v count=%d", cur.Volume, cur.Count)
	}
}

func TestOnTradeClosesAtBucketBoundary(t *testing.T) {
	key := BarKey{Symbol: "TSLA", IntervalMs: 500}
	st := newBarState()

	st.onTrade(key, 1700000000000, decimal.NewFromFloat(10), dec(5))
	st.onTrade(key, 1700000000200, decimal.NewFromFloat(11), dec(3))
	closed, anomaly := st.onTrade(key, 1700000000600, decimal.NewFromFloat(12), dec(2))

	if anomaly != "" {
		t.Fatalf("unexpected anomaly: %q", anomaly)
	}
	if closed == nil {
		t.Fatal("trade crossing the bucket boundary should close the previous bar")
	}
	if closed.StartTS != 1700000000000 || closed.EndTS != 1700000000500 {
		t.Fatalf("unexpected closed bar bounds: start=%d end=%d", closed.StartTS, closed.EndTS)
	}
	if !closed.Open.Equal(decimal.NewFromFloat(10)) || !closed.High.Equal(decimal.NewFromFloat(11)) ||
		!closed.Low.Equal(decimal.NewFromFloat(10)) || !closed.Close.Equal(decimal.NewFromFloat(11)) {
		t.Fatalf("unexpected closed bar OHLC: %+v", closed)
	}
	if !closed.Volume.Equal(dec(8)) || closed.Count != 2 {
		t.Fatalf("unexpected closed bar volume/count: v=%v n=%d", closed.Volume, closed.Count)
	}

	st.mu.Lock()
	cur := st.current
	st.mu.Unlock()
	if cur.StartTS != 1700000000500 || cur.EndTS != 1700000001000 {
		t.Fatalf("new bar should open at the next bucket, got start=%d end=%d", cur.StartTS, cur.EndTS)
	}
}

func TestOnTradeAtExactBoundaryBelongsToNextBar(t *testing.T) {
	key := BarKey{Symbol: "TSLA", IntervalMs: 500}
	st := newBarState()

	st.onTrade(key, 1700000000000, decimal.NewFromFloat(10), dec(1))
	closed, _ := st.onTrade(key, 1700000000500, decimal.NewFromFloat(20), dec(1))
	if closed == nil {
		t.Fatal("a trade exactly on end_ts must close the current bar (end exclusive)")
	}
	if closed.EndTS != 1700000000500 {
		t.Fatalf("expected the closed bar's end_ts to be the boundary, got %d", closed.EndTS)
	}
}

func TestOnTradeDiscardsOutOfOrder(t *testing.T) {
	key := BarKey{Symbol: "TSLA", IntervalMs: 500}
	st := newBarState()

	st.onTrade(key, 1700000000500, decimal.NewFromFloat(10), dec(1))
	closed, anomaly := st.onTrade(key, 1700000000000, decimal.NewFromFloat(99), dec(1))
	if closed != nil {
		t.Fatal("an out-of-order trade must never close or back-date a bar")
	}
	if anomaly == "" {
		t.Fatal("an out-of-order trade should be flagged as an anomaly")
	}
}

func TestCloseIdleOnlyWhenPastEndTS(t *testing.T) {
	key := BarKey{Symbol: "TSLA", IntervalMs: 500}
	st := newBarState()
	st.onTrade(key, 1700000000000, decimal.NewFromFloat(10), dec(1))

	if _, ok := st.closeIdle(1700000000400); ok {
		t.Fatal("a bar not yet past its end_ts must not be closed idle")
	}
	closed, ok := st.closeIdle(1700000000600)
	if !ok || closed == nil {
		t.Fatal("a bar past its end_ts with no new trade should close idle")
	}
}

func TestReplayFiltersBySinceAscending(t *testing.T) {
	key := BarKey{Symbol: "TSLA", IntervalMs: 500}
	st := newBarState()

	st.onTrade(key, 1700000000000, decimal.NewFromFloat(10), dec(1))
	st.onTrade(key, 1700000000500, decimal.NewFromFloat(11), dec(1))
	st.onTrade(key, 1700000001000, decimal.NewFromFloat(12), dec(1))

	bars := st.replay(1700000000500)
	if len(bars) != 2 {
		t.Fatalf("expected both buffered bars with end_ts >= since, got %d", len(bars))
	}
	if bars[0].EndTS != 1700000000500 || bars[1].EndTS != 1700000001000 {
		t.Fatalf("unexpected replayed bar end_ts order: %d, %d", bars[0].EndTS, bars[1].EndTS)
	}
}

func TestTrimRingDropsOldEntries(t *testing.T) {
	key := BarKey{Symbol: "TSLA", IntervalMs: 500}
	st := newBarState()

	st.onTrade(key, 1700000000000, decimal.NewFromFloat(10), dec(1))
	st.onTrade(key, 1700000000500, decimal.NewFromFloat(11), dec(1))
	st.onTrade(key, 1700000001000, decimal.NewFromFloat(12), dec(1))

	st.trimRing(1700000000600)

	st.mu.Lock()
	n := len(st.ring)
	st.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected ring trimmed to 1 entry, got %d", n)
	}
}
