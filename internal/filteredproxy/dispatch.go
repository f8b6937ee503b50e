package filteredproxy

import (
	"encoding/json"

	"github.com/wotanvonklass/polygon-proxy/internal/wire"
)

// taggedMessage is one decoded inner message from an upstream frame,
// carrying just enough to test selector membership plus the original
// bytes so a match forwards the message verbatim — spec.md §9's "define
// one internal tagged-variant type per upstream message family... decode
// once".
type taggedMessage struct {
	Channel   wire.Channel
	Symbol    string
	Timestamp int64
	Raw       json.RawMessage
}

// parseTaggedMessage decodes one inner message's event tag and, on a
// recognized tag, its channel/symbol/timestamp. Unrecognized tags are
// skipped rather than erroring — forward compatibility with upstream
// event types this proxy does not yet know about.
func parseTaggedMessage(raw json.RawMessage) (taggedMessage, bool) {
	var tag struct {
		Event string `json:"ev"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return taggedMessage{}, false
	}

	switch wire.Channel(tag.Event) {
	case wire.ChannelTrade:
		var t wire.Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			return taggedMessage{}, false
		}
		return taggedMessage{Channel: wire.ChannelTrade, Symbol: t.Symbol, Timestamp: t.Timestamp, Raw: raw}, true

	case wire.ChannelQuote:
		var q wire.Quote
		if err := json.Unmarshal(raw, &q); err != nil {
			return taggedMessage{}, false
		}
		return taggedMessage{Channel: wire.ChannelQuote, Symbol: q.Symbol, Timestamp: q.Timestamp, Raw: raw}, true

	case wire.ChannelSecondAgg:
		var a wire.SecondAgg
		if err := json.Unmarshal(raw, &a); err != nil {
			return taggedMessage{}, false
		}
		return taggedMessage{Channel: wire.ChannelSecondAgg, Symbol: a.Symbol, Timestamp: a.Timestamp, Raw: raw}, true

	case wire.ChannelMinuteAgg:
		var a wire.MinuteAgg
		if err := json.Unmarshal(raw, &a); err != nil {
			return taggedMessage{}, false
		}
		return taggedMessage{Channel: wire.ChannelMinuteAgg, Symbol: a.Symbol, Timestamp: a.Timestamp, Raw: raw}, true
	}

	if tag.Event == wire.MillisecondBarEvent {
		var b wire.Bar
		if err := json.Unmarshal(raw, &b); err != nil {
			return taggedMessage{}, false
		}
		return taggedMessage{Channel: wire.BarChannel(b.Interval), Symbol: b.Symbol, Timestamp: b.EndTS, Raw: raw}, true
	}

	return taggedMessage{}, false
}
