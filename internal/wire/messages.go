// Package wire defines the Polygon-shaped message vocabulary shared by the
// firehose, aggregator and filtered-proxy services: one tagged-variant type
// per upstream message family, the control-frame JSON shapes, and the
// subscription selector grammar. Every upstream frame is parsed exactly
// once into these types; nothing downstream touches a raw map.
package wire

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Channel identifies an event family. The four upstream channels come
// verbatim from Polygon; the synthetic "<N>Ms" family is produced by the
// aggregator and carries its own interval in its tag (e.g. "500Ms").
type Channel string

const (
	ChannelTrade        Channel = "T"
	ChannelQuote        Channel = "Q"
	ChannelSecondAgg    Channel = "A"
	ChannelMinuteAgg    Channel = "AM"
	ChannelWildcard     Channel = "*"
	SymbolWildcard              = "*"
	MillisecondBarEvent         = "MB" // documented fixed wire key for synthetic bars, see SPEC_FULL.md
)

// Trade mirrors Polygon's "T" event. Field tags match the wire format
// exactly (sym, p, s, t, x, c) so it serializes back out verbatim.
type Trade struct {
	Event      string          `json:"ev"`
	Symbol     string          `json:"sym"`
	Price      decimal.Decimal `json:"p"`
	Size       decimal.Decimal `json:"s"`
	Timestamp  int64           `json:"t"`
	Exchange   int             `json:"x,omitempty"`
	Conditions []int           `json:"c,omitempty"`
}

// Quote mirrors Polygon's "Q" event.
type Quote struct {
	Event       string          `json:"ev"`
	Symbol      string          `json:"sym"`
	BidPrice    decimal.Decimal `json:"bp"`
	BidSize     decimal.Decimal `json:"bs"`
	BidExchange int             `json:"bx,omitempty"`
	AskPrice    decimal.Decimal `json:"ap"`
	AskSize     decimal.Decimal `json:"as"`
	AskExchange int             `json:"ax,omitempty"`
	Timestamp   int64           `json:"t"`
	Condition   int             `json:"c,omitempty"`
}

// SecondAgg mirrors Polygon's "A" (per-second aggregate) event.
type SecondAgg struct {
	Event     string          `json:"ev"`
	Symbol    string          `json:"sym"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	Timestamp int64           `json:"t"`
}

// MinuteAgg mirrors Polygon's "AM" (per-minute aggregate) event. Kept a
// distinct type from SecondAgg per spec.md's open question — the two are
// never conflated, even though their shape is identical.
type MinuteAgg struct {
	Event     string          `json:"ev"`
	Symbol    string          `json:"sym"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	Timestamp int64           `json:"t"`
}

// Bar is the synthetic millisecond-bar event produced by the aggregator.
// Wire tag and field set are fixed to "MB"/sym,interval,o,h,l,c,v,n,s,e —
// the shape original_source/polygon_proxy/ms-aggregator's own test suite
// asserts against, not an invented convention.
type Bar struct {
	Event    string          `json:"ev"`
	Symbol   string          `json:"sym"`
	Interval int64           `json:"interval"`
	Open     decimal.Decimal `json:"o"`
	High     decimal.Decimal `json:"h"`
	Low      decimal.Decimal `json:"l"`
	Close    decimal.Decimal `json:"c"`
	Volume   decimal.Decimal `json:"v"`
	Count    int64           `json:"n"`
	StartTS  int64           `json:"s"`
	EndTS    int64           `json:"e"`
}

// The *SelectorKey functions return the (channel, symbol) pair carried by
// each message family. For bars the channel is synthesized from the
// interval ("500Ms").
func TradeSelectorKey(t *Trade) (Channel, string)     { return ChannelTrade, t.Symbol }
func QuoteSelectorKey(q *Quote) (Channel, string)     { return ChannelQuote, q.Symbol }
func SecondAggSelectorKey(a *SecondAgg) (Channel, string) { return ChannelSecondAgg, a.Symbol }
func MinuteAggSelectorKey(a *MinuteAgg) (Channel, string) { return ChannelMinuteAgg, a.Symbol }
func BarSelectorKey(b *Bar) (Channel, string) {
	return BarChannel(b.Interval), b.Symbol
}

// BarChannel constructs the synthetic channel tag for a given interval,
// e.g. BarChannel(500) == "500Ms".
func BarChannel(intervalMs int64) Channel {
	return Channel(strconv.FormatInt(intervalMs, 10) + "Ms")
}
