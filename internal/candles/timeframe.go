// Package candles owns the OHLCV side of the archive: detecting holes in
// stored series, queueing repair windows, and filling them from the quote
// provider.
package candles

import "fmt"

// Timeframe is a supported bar resolution.
type Timeframe struct {
	// Name is the storage key ("1d", "1h", "15m").
	Name string
	// IntervalMS is the bar spacing in unix milliseconds.
	IntervalMS int64
	// ProviderCode is the interval token the quote provider expects.
	ProviderCode string
}

var timeframes = map[string]Timeframe{
	"1d":  {Name: "1d", IntervalMS: 24 * 60 * 60 * 1000, ProviderCode: "1D"},
	"1h":  {Name: "1h", IntervalMS: 60 * 60 * 1000, ProviderCode: "1H"},
	"15m": {Name: "15m", IntervalMS: 15 * 60 * 1000, ProviderCode: "15m"},
}

// ParseTimeframe resolves a timeframe name.
func ParseTimeframe(name string) (Timeframe, error) {
	tf, ok := timeframes[name]
	if !ok {
		return Timeframe{}, fmt.Errorf("unknown timeframe %q (want 1d, 1h, or 15m)", name)
	}
	return tf, nil
}

// Timeframes returns every supported resolution.
func Timeframes() []Timeframe {
	return []Timeframe{timeframes["1d"], timeframes["1h"], timeframes["15m"]}
}
