package aggregator

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wotanvonklass/polygon-proxy/internal/obsmetrics"
	"github.com/wotanvonklass/polygon-proxy/internal/wire"
)

// BarKey identifies one aggregator bar-state machine: one symbol at one
// millisecond interval. Spec.md §3's "per-(symbol, interval) bar state".
type BarKey struct {
	Symbol     string
	IntervalMs int64
}

// barState owns the current in-progress bar and the ring buffer of
// recently closed bars for one BarKey. Exactly one goroutine mutates a
// given key's trade stream at a time in practice (the upstream reader),
// but onTrade and the idle-close scanner can race, so access is guarded
// by a per-key mutex rather than relying on that happening to be true.
type barState struct {
	mu      sync.Mutex
	current *wire.Bar
	ring    []wire.Bar // strictly ascending by StartTS/EndTS, per spec.md §3
}

func newBarState() *barState {
	return &barState{}
}

func bucketStart(ts, intervalMs int64) int64 {
	return (ts / intervalMs) * intervalMs
}

func newOpenBar(key BarKey, bucket int64, price, size decimal.Decimal) *wire.Bar {
	return &wire.Bar{
		Event:    wire.MillisecondBarEvent,
		Symbol:   key.Symbol,
		Interval: key.IntervalMs,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Volume:   size,
		Count:    1,
		StartTS:  bucket,
		EndTS:    bucket + key.IntervalMs,
	}
}

// onTrade folds one trade into this key's bar state per spec.md §4.2's
// bucketing algorithm. It returns a non-nil closed bar when folding this
// trade closed the previously open bar, and a non-empty anomaly label
// when the trade was discarded instead of folded.
func (b *barState) onTrade(key BarKey, ts int64, price, size decimal.Decimal) (closed *wire.Bar, anomaly string) {
	if size.IsNegative() || price.IsNegative() {
		return nil, obsmetrics.AnomalyMalformed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bucket := bucketStart(ts, key.IntervalMs)

	if b.current == nil {
		if n := len(b.ring); n > 0 && ts < b.ring[n-1].EndTS {
			// Late trade for a bar the idle scanner already closed.
			return nil, obsmetrics.AnomalyOutOfOrder
		}
		b.current = newOpenBar(key, bucket, price, size)
		return nil, ""
	}

	if ts < b.current.StartTS {
		// Out-of-order upstream trade: discarded, never back-dated into a
		// closed bar — spec.md §4.2's tie-break.
		return nil, obsmetrics.AnomalyOutOfOrder
	}

	if bucket == b.current.StartTS {
		if price.GreaterThan(b.current.High) {
			b.current.High = price
		}
		if price.LessThan(b.current.Low) {
			b.current.Low = price
		}
		b.current.Close = price
		b.current.Volume = b.current.Volume.Add(size)
		b.current.Count++
		return nil, ""
	}

	prev := b.current
	b.ring = append(b.ring, *prev)
	b.current = newOpenBar(key, bucket, price, size)
	return prev, ""
}

// closeIdle closes the current bar if it has aged past its end_ts with
// no new trade extending it — spec.md §4.2's idle-bar-close timer.
func (b *barState) closeIdle(nowMs int64) (closed *wire.Bar, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil || nowMs <= b.current.EndTS {
		return nil, false
	}
	prev := b.current
	b.ring = append(b.ring, *prev)
	b.current = nil
	return prev, true
}

// trimRing drops ring entries older than cutoffEndTS, bounding the ring
// to spec.md's REPLAY_WINDOW_SECONDS.
func (b *barState) trimRing(cutoffEndTS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.ring) && b.ring[i].EndTS < cutoffEndTS {
		i++
	}
	if i > 0 {
		b.ring = b.ring[i:]
	}
}

// replay returns buffered bars with end_ts >= sinceMs, in ascending
// end_ts order (the ring's natural order) — spec.md §4.2's replay-on-
// subscribe contract.
func (b *barState) replay(sinceMs int64) []wire.Bar {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]wire.Bar, 0, len(b.ring))
	for _, bar := range b.ring {
		if bar.EndTS >= sinceMs {
			out = append(out, bar)
		}
	}
	return out
}
