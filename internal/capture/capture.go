// Package capture takes chart screenshots from the aggregator's pair page
// with a headless browser. The vision overlay feeds on these PNGs; a short
// TTL cache keeps repeated evaluations of the same pair from re-rendering.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"dextrend/internal/config"
)

// Interval is a chart bar interval as the chart UI names it.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1D  Interval = "1D"
	Interval1W  Interval = "1W"
)

// IntervalForAge picks the bar interval so roughly the token's whole life
// fits on screen.
func IntervalForAge(ageHours float64) Interval {
	switch {
	case ageHours <= 1.5:
		return Interval1m
	case ageHours <= 6:
		return Interval3m
	case ageHours <= 24:
		return Interval5m
	case ageHours <= 72:
		return Interval15m
	case ageHours <= 240:
		return Interval1h
	case ageHours <= 720:
		return Interval4h
	case ageHours <= 4320:
		return Interval1D
	default:
		return Interval1W
	}
}

// Request identifies one chart to capture. Tf and Lookback partition the
// cache alongside the pair identity.
type Request struct {
	Chain    string
	Pair     string
	Interval Interval
	Tf       string
	Lookback int
}

func (r Request) cacheKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", r.Chain, r.Pair, r.Interval, r.Tf, r.Lookback)
}

type cacheEntry struct {
	png     []byte
	expires time.Time
}

// Capturer renders pair pages headlessly and screenshots them.
type Capturer struct {
	cfg    config.CaptureConfig
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time

	// render is swapped in tests; production uses the chromedp pipeline.
	render func(ctx context.Context, req Request) ([]byte, error)
}

func New(cfg config.CaptureConfig, logger *slog.Logger) *Capturer {
	c := &Capturer{
		cfg:    cfg,
		logger: logger.With("component", "capture"),
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
	c.render = c.renderChromedp
	return c
}

// Capture returns the chart PNG for a request, from cache when fresh.
func (c *Capturer) Capture(ctx context.Context, req Request) ([]byte, error) {
	if !c.cfg.Enabled {
		return nil, fmt.Errorf("capture: disabled")
	}

	key := req.cacheKey()
	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && c.now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.png, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	png, err := c.render(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("capture %s/%s: %w", req.Chain, req.Pair, err)
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{png: png, expires: c.now().Add(c.cfg.CacheTTL)}
	c.mu.Unlock()

	c.logger.Debug("chart captured", "chain", req.Chain, "pair", req.Pair,
		"interval", req.Interval, "bytes", len(png))
	return png, nil
}

// renderChromedp loads the pair page, waits for the chart canvas inside the
// embedded chart iframe, applies the interval, and screenshots the page.
func (c *Capturer) renderChromedp(ctx context.Context, req Request) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(1440, 900),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	url := fmt.Sprintf("https://dexscreener.com/%s/%s?embed=1&theme=dark", req.Chain, req.Pair)

	var png []byte
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitVisible(`iframe`, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second), // chart iframe bootstraps after load
		c.applyInterval(req.Interval),
		chromedp.Sleep(time.Second),
		chromedp.FullScreenshot(&png, 90),
	)
	if err != nil {
		return nil, err
	}
	return png, nil
}

// applyInterval clicks the toolbar button for the interval; if the button is
// not found it falls back to the chart's keyboard shortcut (typing the
// interval and pressing enter).
func (c *Capturer) applyInterval(interval Interval) chromedp.Action {
	sel := fmt.Sprintf(`//button[normalize-space(text())=%q]`, string(interval))
	return chromedp.ActionFunc(func(ctx context.Context) error {
		clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := chromedp.Click(sel, chromedp.BySearch).Do(clickCtx); err == nil {
			return nil
		}
		return chromedp.KeyEvent(string(interval) + "\r").Do(ctx)
	})
}
