package candles

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/kalambet/vnarchive/internal/storage"
)

// Provider fetches OHLCV bars for a window, both ends inclusive, in unix
// milliseconds.
type Provider interface {
	FetchCandles(ctx context.Context, ticker string, tf Timeframe, startTS, endTS int64) ([]storage.Candle, error)
}

// HTTPProvider talks to the quote vendor's history endpoint.
type HTTPProvider struct {
	BaseURL string
	Client  *http.Client
	// SourceTag is the provenance written on fetched bars.
	SourceTag string
}

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		BaseURL:   baseURL,
		Client:    &http.Client{Timeout: timeout},
		SourceTag: "vci",
	}
}

// providerBar is the vendor's wire shape: one object per bar, every field
// nullable.
type providerBar struct {
	TS int64    `json:"t"`
	O  *float64 `json:"o"`
	H  *float64 `json:"h"`
	L  *float64 `json:"l"`
	C  *float64 `json:"c"`
	V  *float64 `json:"v"`
}

type historyResponse struct {
	Data []providerBar `json:"data"`
}

func (p *HTTPProvider) FetchCandles(ctx context.Context, ticker string, tf Timeframe, startTS, endTS int64) ([]storage.Candle, error) {
	q := url.Values{}
	q.Set("symbol", ticker)
	q.Set("interval", tf.ProviderCode)
	q.Set("start", strconv.FormatInt(startTS, 10))
	q.Set("end", strconv.FormatInt(endTS, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider history %s %s: status %d", ticker, tf.Name, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed historyResponse
	if err := decodeHistory(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding provider history %s %s: %w", ticker, tf.Name, err)
	}

	// Bars with any missing price field are unusable and dropped here so
	// the repairer only ever writes complete rows.
	bars := make([]storage.Candle, 0, len(parsed.Data))
	for _, b := range parsed.Data {
		if b.O == nil || b.H == nil || b.L == nil || b.C == nil {
			continue
		}
		bars = append(bars, storage.Candle{
			Ticker: ticker,
			TF:     tf.Name,
			TS:     b.TS,
			O:      *b.O,
			H:      *b.H,
			L:      *b.L,
			C:      *b.C,
			V:      b.V,
			Source: p.SourceTag,
		})
	}
	return bars, nil
}

// decodeHistory parses the response, retrying once after stripping a UTF-8
// BOM or the vendor's occasional XSSI )]}' prefix.
func decodeHistory(body []byte, dst *historyResponse) error {
	err := json.Unmarshal(body, dst)
	if err == nil {
		return nil
	}
	cleaned := bytes.TrimPrefix(body, []byte{0xEF, 0xBB, 0xBF})
	cleaned = bytes.TrimPrefix(cleaned, []byte(")]}'"))
	cleaned = bytes.TrimLeft(cleaned, "\r\n \t")
	if len(cleaned) == len(body) {
		return err
	}
	if err2 := json.Unmarshal(cleaned, dst); err2 != nil {
		return err
	}
	return nil
}
