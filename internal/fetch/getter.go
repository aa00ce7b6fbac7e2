package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/kalambet/vnarchive/internal/vietstock"
)

// Getter downloads one page body.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// HTTPGetter is the plain-HTTP strategy.
type HTTPGetter struct {
	Client *http.Client
}

func NewHTTPGetter(timeout time.Duration) *HTTPGetter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGetter{Client: &http.Client{Timeout: timeout}}
}

func (g *HTTPGetter) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", vietstock.UserAgent)

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// RenderGetter drives a headless browser for pages that serve their body
// from script or sit behind anti-bot checks a plain GET trips over.
type RenderGetter struct {
	browser *rod.Browser
}

// NewRenderGetter launches a headless browser. Callers own Close.
func NewRenderGetter() (*RenderGetter, error) {
	u, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	return &RenderGetter{browser: browser}, nil
}

func (g *RenderGetter) Get(ctx context.Context, url string) ([]byte, error) {
	page, err := g.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("opening page %s: %w", url, err)
	}
	defer page.Close()

	page = page.Context(ctx)
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", url, err)
	}
	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("reading rendered html for %s: %w", url, err)
	}
	return []byte(html), nil
}

func (g *RenderGetter) Close() error {
	return g.browser.Close()
}
