// Package guard implements the per-pair consistency guard. It keeps a
// bounded window of coarse snapshot fingerprints per (chain, pair) and trips
// when the feed looks manipulated: an implausible single-tick price jump, or
// the feed ping-ponging between exactly two states.
package guard

import (
	"fmt"
	"math"
	"sync"
	"time"

	"dextrend/internal/config"
	"dextrend/pkg/types"
)

// Verdict is the outcome of a single observation.
type Verdict int

const (
	OK Verdict = iota
	RequiresManualIntervention
)

func (v Verdict) String() string {
	if v == RequiresManualIntervention {
		return "REQUIRES_MANUAL_INTERVENTION"
	}
	return "OK"
}

// Trip reasons, surfaced in analytics SKIP rows.
const (
	ReasonPriceJump   = "PRICE_JUMP"
	ReasonAlternation = "FEED_ALTERNATION"
)

// fingerprint coarsens a snapshot so that ordinary drift maps to the same
// value while a swapped-out feed maps to a different one.
type fingerprint struct {
	priceBucket int
	liqBucket   int
	fdvBucket   int
	mcapBucket  int
	buys5m      int
	sells5m     int
}

type observation struct {
	fp    fingerprint
	price float64
	at    time.Time
}

type pairState struct {
	window []observation
}

// Guard tracks fingerprints for all observed pairs. Safe for concurrent use.
type Guard struct {
	mu  sync.Mutex
	cfg config.GuardConfig

	pairs map[string]*pairState
	now   func() time.Time
}

func New(cfg config.GuardConfig) *Guard {
	return &Guard{
		cfg:   cfg,
		pairs: make(map[string]*pairState),
		now:   time.Now,
	}
}

// Observe records a snapshot for the row's pair and returns the verdict with
// a machine reason when tripped. Observations arriving after the horizon
// only re-anchor the window; they never trip.
func (g *Guard) Observe(row *types.NormalizedRow) (Verdict, string) {
	price := types.Deref(row.PriceUSD, 0)
	fp := fingerprintOf(row)

	g.mu.Lock()
	defer g.mu.Unlock()

	key := row.Chain + ":" + row.PairAddress
	st := g.pairs[key]
	if st == nil {
		st = &pairState{}
		g.pairs[key] = st
	}

	now := g.now()
	obs := observation{fp: fp, price: price, at: now}

	if n := len(st.window); n > 0 {
		prev := st.window[n-1]

		// Stale anchor: record and move on without judging the gap.
		if now.Sub(prev.at) > g.cfg.Horizon {
			st.window = st.window[:0]
			st.push(obs, g.cfg.Depth)
			return OK, ""
		}

		if prev.price > 0 && price > 0 {
			ratio := price / prev.price
			j := g.cfg.JumpFactor
			if ratio > j || ratio < 1/j {
				st.push(obs, g.cfg.Depth)
				return RequiresManualIntervention,
					fmt.Sprintf("%s ratio=%.3f", ReasonPriceJump, ratio)
			}
		}
	}

	st.push(obs, g.cfg.Depth)

	if st.alternating(2 * g.cfg.AltCycles) {
		return RequiresManualIntervention, ReasonAlternation
	}
	return OK, ""
}

// Reset drops all tracked state for a pair, used after manual review.
func (g *Guard) Reset(chain, pair string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pairs, chain+":"+pair)
}

func (s *pairState) push(obs observation, depth int) {
	s.window = append(s.window, obs)
	if depth > 0 && len(s.window) > depth {
		s.window = s.window[len(s.window)-depth:]
	}
}

// alternating reports whether the window tail of length n is a strict
// ABAB... pattern over exactly two distinct fingerprints.
func (s *pairState) alternating(n int) bool {
	if n < 4 || len(s.window) < n {
		return false
	}
	tail := s.window[len(s.window)-n:]

	a, b := tail[0].fp, tail[1].fp
	if a == b {
		return false
	}
	for i, obs := range tail {
		want := a
		if i%2 == 1 {
			want = b
		}
		if obs.fp != want {
			return false
		}
	}
	return true
}

func fingerprintOf(row *types.NormalizedRow) fingerprint {
	fp := fingerprint{
		priceBucket: logBucket(types.Deref(row.PriceUSD, 0)),
		liqBucket:   logBucket(types.Deref(row.LiquidityUSD, 0)),
		fdvBucket:   logBucket(types.Deref(row.FDV, 0)),
		mcapBucket:  logBucket(types.Deref(row.MarketCap, 0)),
	}
	if w := row.Txns5m; w != nil {
		fp.buys5m = countBucket(w.Buys)
		fp.sells5m = countBucket(w.Sells)
	}
	return fp
}

// logBucket maps a positive value to a coarse decade-scale bucket (3 steps
// per decade), so small drift stays in one bucket while an order-of-
// magnitude shift does not.
func logBucket(v float64) int {
	if v <= 0 {
		return -1
	}
	return int(math.Floor(math.Log10(v) * 3))
}

func countBucket(n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Floor(math.Log2(float64(n)))) + 1
}
