// Package dexscreener implements the DexScreener market data client.
//
// Three read paths feed the pipeline:
//
//   - FetchPairsByAddresses: GET /latest/dex/tokens/{a1,a2,...} — batched pair
//     lookups with recursive bisection when a batch is rejected or comes back
//     with a null pairs payload.
//   - FetchPricesByAddresses: best-pair USD price per address.
//   - FetchTrendingCandidates: address discovery from the token-profiles and
//     token-boosts endpoints, normalized into rows for the pipeline.
//
// Per-chunk failures are logged and skipped so one bad batch never takes down
// a whole scan cycle.
package dexscreener

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"dextrend/internal/config"
	"dextrend/pkg/types"
)

// Token is the base/quote token descriptor inside a pair record.
type Token struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// TxnBucket holds buy/sell counts for one window.
type TxnBucket struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

// Pair is the JSON shape of one AMM pool as returned by the aggregator.
type Pair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	URL         string `json:"url"`
	PairAddress string `json:"pairAddress"`
	BaseToken   Token  `json:"baseToken"`
	QuoteToken  Token  `json:"quoteToken"`

	PriceNative Num `json:"priceNative"`
	PriceUSD    Num `json:"priceUsd"`

	Txns struct {
		M5  *TxnBucket `json:"m5"`
		H1  *TxnBucket `json:"h1"`
		H6  *TxnBucket `json:"h6"`
		H24 *TxnBucket `json:"h24"`
	} `json:"txns"`

	Volume struct {
		M5  Num `json:"m5"`
		H1  Num `json:"h1"`
		H6  Num `json:"h6"`
		H24 Num `json:"h24"`
	} `json:"volume"`

	PriceChange struct {
		M5  Num `json:"m5"`
		H1  Num `json:"h1"`
		H6  Num `json:"h6"`
		H24 Num `json:"h24"`
	} `json:"priceChange"`

	Liquidity struct {
		USD   Num `json:"usd"`
		Base  Num `json:"base"`
		Quote Num `json:"quote"`
	} `json:"liquidity"`

	FDV           Num   `json:"fdv"`
	MarketCap     Num   `json:"marketCap"`
	PairCreatedAt int64 `json:"pairCreatedAt"`
}

// tokensResponse is the envelope of GET /latest/dex/tokens/{addrs}.
// Pairs is null (not empty) when the API has nothing for the batch.
type tokensResponse struct {
	Pairs *[]Pair `json:"pairs"`
}

// boostedToken is one entry from the trending discovery endpoints.
type boostedToken struct {
	ChainID      string `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
}

// trendingPaths are the three discovery endpoints merged for the candidate
// universe.
var trendingPaths = []string{
	"/token-profiles/latest/v1",
	"/token-boosts/latest/v1",
	"/token-boosts/top/v1",
}

// Client is the DexScreener REST client.
type Client struct {
	http         *resty.Client
	chunkSize    int
	maxAddresses int
	logger       *slog.Logger
}

// New creates a client from config.
func New(cfg config.FeedsConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.DexScreenerBaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http:         httpClient,
		chunkSize:    cfg.ChunkSize,
		maxAddresses: cfg.MaxAddresses,
		logger:       logger.With("component", "dexscreener"),
	}
}

// FetchPairsByAddresses returns every known pair for each base-token address.
// Addresses are deduplicated preserving first-seen order and capped at the
// configured maximum. Chunks that the API rejects are bisected down to single
// addresses before giving up on them.
func (c *Client) FetchPairsByAddresses(ctx context.Context, addresses []string) (map[string][]Pair, error) {
	addrs := dedupe(addresses)
	if len(addrs) > c.maxAddresses {
		addrs = addrs[:c.maxAddresses]
	}
	if len(addrs) == 0 {
		return map[string][]Pair{}, nil
	}

	chunks := chunk(addrs, c.chunkSize)

	var mu sync.Mutex
	byAddr := make(map[string][]Pair, len(addrs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ch := range chunks {
		ch := ch
		g.Go(func() error {
			pairs, err := c.fetchChunk(gctx, ch)
			if err != nil {
				// Log-and-skip: the rest of the universe proceeds.
				c.logger.Warn("chunk fetch failed", "addresses", len(ch), "error", err)
				return nil
			}
			mu.Lock()
			for _, p := range pairs {
				key := strings.ToLower(p.BaseToken.Address)
				byAddr[key] = append(byAddr[key], p)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Re-key to the caller's original address spelling.
	out := make(map[string][]Pair, len(addrs))
	for _, a := range addrs {
		out[a] = byAddr[strings.ToLower(a)]
	}
	return out, nil
}

// fetchChunk fetches one batch, recursively bisecting when the API rejects
// the batch (400/413/414) or returns a 200 with a null pairs payload for a
// multi-address request. A single-address null response means the address is
// simply unknown and yields no pairs.
func (c *Client) fetchChunk(ctx context.Context, addrs []string) ([]Pair, error) {
	var result tokensResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/latest/dex/tokens/" + strings.Join(addrs, ","))
	if err != nil {
		return nil, fmt.Errorf("fetch tokens: %w", err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		if result.Pairs == nil {
			if len(addrs) == 1 {
				return nil, nil
			}
			return c.bisect(ctx, addrs)
		}
		return *result.Pairs, nil

	case code == http.StatusBadRequest,
		code == http.StatusRequestEntityTooLarge,
		code == http.StatusRequestURITooLong:
		if len(addrs) == 1 {
			return nil, fmt.Errorf("fetch tokens: status %d for %s", code, addrs[0])
		}
		return c.bisect(ctx, addrs)

	default:
		return nil, fmt.Errorf("fetch tokens: status %d", code)
	}
}

// bisect splits a failing batch in half and merges whatever each half yields.
// Half-failures are logged and skipped so the surviving half still lands.
func (c *Client) bisect(ctx context.Context, addrs []string) ([]Pair, error) {
	mid := len(addrs) / 2
	var merged []Pair
	for _, half := range [][]string{addrs[:mid], addrs[mid:]} {
		if len(half) == 0 {
			continue
		}
		pairs, err := c.fetchChunk(ctx, half)
		if err != nil {
			c.logger.Warn("bisected half failed", "addresses", len(half), "error", err)
			continue
		}
		merged = append(merged, pairs...)
	}
	return merged, nil
}

// FetchPricesByAddresses resolves each address to the USD price of its best
// pair. Only positive prices are emitted; addresses without a priced pair are
// simply absent from the result.
func (c *Client) FetchPricesByAddresses(ctx context.Context, addresses []string) (map[string]float64, error) {
	byAddr, err := c.FetchPairsByAddresses(ctx, addresses)
	if err != nil {
		return nil, err
	}

	prices := make(map[string]float64, len(byAddr))
	for addr, pairs := range byAddr {
		best := BestPair(pairs)
		if best == nil {
			continue
		}
		if p := best.PriceUSD.Or(0); p > 0 {
			prices[addr] = p
		}
	}
	return prices, nil
}

// FetchPairPrice returns the USD price for one exact (chain, pair) pool, or
// 0 when the pool is not in the address's pair set.
func (c *Client) FetchPairPrice(ctx context.Context, chain, tokenAddress, pairAddress string) (float64, error) {
	byAddr, err := c.FetchPairsByAddresses(ctx, []string{tokenAddress})
	if err != nil {
		return 0, err
	}
	for _, p := range byAddr[tokenAddress] {
		if strings.EqualFold(p.PairAddress, pairAddress) && strings.EqualFold(p.ChainID, chain) {
			return p.PriceUSD.Or(0), nil
		}
	}
	return 0, nil
}

// FetchTrendingCandidates discovers currently-promoted token addresses,
// resolves their best pairs, and returns normalized rows sorted by
// (volume_24h, liquidity) descending, truncated to pageSize.
func (c *Client) FetchTrendingCandidates(ctx context.Context, pageSize int) ([]types.NormalizedRow, error) {
	addrs := c.fetchTrendingAddresses(ctx)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("trending discovery returned no addresses")
	}

	byAddr, err := c.FetchPairsByAddresses(ctx, addrs)
	if err != nil {
		return nil, err
	}

	rows := make([]types.NormalizedRow, 0, len(byAddr))
	for _, pairs := range byAddr {
		best := BestPair(pairs)
		if best == nil {
			continue
		}
		rows = append(rows, Normalize(*best))
	}

	sort.SliceStable(rows, func(i, j int) bool {
		vi, vj := types.Deref(rows[i].Volume24h, 0), types.Deref(rows[j].Volume24h, 0)
		if vi != vj {
			return vi > vj
		}
		li, lj := types.Deref(rows[i].LiquidityUSD, 0), types.Deref(rows[j].LiquidityUSD, 0)
		if li != lj {
			return li > lj
		}
		// Rows come out of a map; the pair address keeps full ties stable
		// across runs.
		return rows[i].PairAddress < rows[j].PairAddress
	})

	if pageSize > 0 && len(rows) > pageSize {
		rows = rows[:pageSize]
	}
	return rows, nil
}

// fetchTrendingAddresses merges the three discovery endpoints. Endpoint
// failures are logged and skipped.
func (c *Client) fetchTrendingAddresses(ctx context.Context) []string {
	var addrs []string
	for _, path := range trendingPaths {
		var page []boostedToken
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&page).
			Get(path)
		if err != nil {
			c.logger.Warn("trending endpoint failed", "path", path, "error", err)
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			c.logger.Warn("trending endpoint failed", "path", path, "status", resp.StatusCode())
			continue
		}
		for _, t := range page {
			if t.TokenAddress != "" {
				addrs = append(addrs, t.TokenAddress)
			}
		}
	}
	return dedupe(addrs)
}

// BestPair picks the pair maximizing (liquidity_usd, volume_24h)
// lexicographically. Returns nil for an empty set.
func BestPair(pairs []Pair) *Pair {
	var best *Pair
	for i := range pairs {
		p := &pairs[i]
		if best == nil {
			best = p
			continue
		}
		li, lb := p.Liquidity.USD.Or(0), best.Liquidity.USD.Or(0)
		if li != lb {
			if li > lb {
				best = p
			}
			continue
		}
		if p.Volume.H24.Or(0) > best.Volume.H24.Or(0) {
			best = p
		}
	}
	return best
}

// Normalize flattens a pair record into the pipeline's row type.
func Normalize(p Pair) types.NormalizedRow {
	row := types.NormalizedRow{
		Chain:         p.ChainID,
		TokenAddress:  p.BaseToken.Address,
		PairAddress:   p.PairAddress,
		Symbol:        p.BaseToken.Symbol,
		PriceUSD:      p.PriceUSD.Ptr(),
		PriceNative:   p.PriceNative.Ptr(),
		Volume5m:      p.Volume.M5.Ptr(),
		Volume1h:      p.Volume.H1.Ptr(),
		Volume6h:      p.Volume.H6.Ptr(),
		Volume24h:     p.Volume.H24.Ptr(),
		LiquidityUSD:  p.Liquidity.USD.Ptr(),
		Change5m:      p.PriceChange.M5.Ptr(),
		Change1h:      p.PriceChange.H1.Ptr(),
		Change6h:      p.PriceChange.H6.Ptr(),
		Change24h:     p.PriceChange.H24.Ptr(),
		PairCreatedAt: p.PairCreatedAt,
		FDV:           p.FDV.Ptr(),
		MarketCap:     p.MarketCap.Ptr(),
	}
	row.Txns5m = txnWindow(p.Txns.M5)
	row.Txns1h = txnWindow(p.Txns.H1)
	row.Txns6h = txnWindow(p.Txns.H6)
	row.Txns24h = txnWindow(p.Txns.H24)
	return row
}

func txnWindow(b *TxnBucket) *types.TxnWindow {
	if b == nil {
		return nil
	}
	return &types.TxnWindow{Buys: b.Buys, Sells: b.Sells}
}

// dedupe removes duplicates preserving first-seen order. Comparison is
// case-insensitive because EVM addresses arrive in mixed casing.
func dedupe(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		key := strings.ToLower(a)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

// chunk splits addrs into slices of at most size elements.
func chunk(addrs []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for len(addrs) > 0 {
		n := size
		if n > len(addrs) {
			n = len(addrs)
		}
		out = append(out, addrs[:n])
		addrs = addrs[n:]
	}
	return out
}
