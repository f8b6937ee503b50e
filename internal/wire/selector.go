package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Selector is one (channel, symbol) subscription entry, per spec grammar
// `<selector> := <channel>.<symbol>`. Either coordinate may be the
// wildcard "*".
type Selector struct {
	Channel Channel
	Symbol  string
}

func (s Selector) String() string {
	return string(s.Channel) + "." + s.Symbol
}

// Matches reports whether this selector matches an upstream message
// carrying the given channel and symbol, per spec.md §4.3:
// (C==c ∨ C=="*") ∧ (S==s ∨ S=="*").
func (s Selector) Matches(channel Channel, symbol string) bool {
	if s.Channel != channel && s.Channel != ChannelWildcard {
		return false
	}
	if s.Symbol != symbol && s.Symbol != SymbolWildcard {
		return false
	}
	return true
}

// ParseSelectors splits a comma-joined selector list into individual
// Selector values, trimming whitespace per selector and normalizing the
// symbol to uppercase. Returns an error naming the first malformed
// selector encountered.
func ParseSelectors(params string) ([]Selector, error) {
	parts := strings.Split(params, ",")
	out := make([]Selector, 0, len(parts))
	for _, raw := range parts {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		sel, err := parseSelector(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("wire: empty selector list")
	}
	return out, nil
}

func parseSelector(raw string) (Selector, error) {
	idx := strings.IndexByte(raw, '.')
	if idx < 0 || idx == len(raw)-1 {
		return Selector{}, fmt.Errorf("wire: malformed selector %q", raw)
	}
	channel := raw[:idx]
	symbol := strings.ToUpper(raw[idx+1:])
	if !validChannel(channel) {
		return Selector{}, fmt.Errorf("wire: unrecognized channel %q in selector %q", channel, raw)
	}
	if !validSymbol(symbol) {
		return Selector{}, fmt.Errorf("wire: malformed symbol %q in selector %q", symbol, raw)
	}
	return Selector{Channel: Channel(channel), Symbol: symbol}, nil
}

// validChannel accepts "T", "Q", "A", "AM", "*", and the synthetic
// "<N>Ms" family per the grammar `[1-9][0-9]* "Ms"`.
func validChannel(c string) bool {
	switch c {
	case string(ChannelTrade), string(ChannelQuote), string(ChannelSecondAgg), string(ChannelMinuteAgg), string(ChannelWildcard):
		return true
	}
	if !strings.HasSuffix(c, "Ms") {
		return false
	}
	digits := c[:len(c)-2]
	if digits == "" {
		return false
	}
	if digits[0] == '0' {
		return false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	return err == nil && n >= 1
}

// validSymbol accepts "*" or `[A-Z][A-Z0-9.-]{0,15}`.
func validSymbol(s string) bool {
	if s == SymbolWildcard {
		return true
	}
	if len(s) == 0 || len(s) > 16 {
		return false
	}
	first := s[0]
	if first < 'A' || first > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '-':
		default:
			return false
		}
	}
	return true
}

// IntervalMs returns the millisecond interval encoded by a synthetic bar
// channel (e.g. "500Ms" -> 500, true), or (0, false) for any other channel.
func (c Channel) IntervalMs() (int64, bool) {
	s := string(c)
	if !strings.HasSuffix(s, "Ms") {
		return 0, false
	}
	digits := s[:len(s)-2]
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
