package pipeline

import (
	"sort"
	"strings"
	"time"

	"dextrend/internal/config"
	"dextrend/internal/scoring"
	"dextrend/pkg/types"
)

// selection turns the raw trending universe into an ordered, deduplicated
// candidate list. Hard-filter drops are silent (the universe is noisy);
// quality-gate drops surface as analytics SKIPs.
type selection struct {
	cfg     config.SelectionConfig
	quality *scoring.QualityGate
}

// Select is deterministic: identical inputs yield identical outputs.
func (s *selection) Select(rows []types.NormalizedRow, open []types.Position, now time.Time) ([]*types.Candidate, []skip) {
	kept := make([]*types.NormalizedRow, 0, len(rows))
	taken := make(map[int]bool, len(rows))

	for i := range rows {
		row := &rows[i]
		if !s.passesFloors(row) || !s.passesMomentum(row) {
			continue
		}
		kept = append(kept, row)
		taken[i] = true
		if len(kept) >= s.cfg.MaxResults {
			break
		}
	}

	kept = s.softFill(rows, kept, taken)

	var skips []skip
	cands := make([]*types.Candidate, 0, len(kept))
	for _, row := range kept {
		score, reason, ok := s.quality.Evaluate(row, now)
		if !ok {
			skips = append(skips, skip{row: row, reason: reason})
			continue
		}
		cands = append(cands, &types.Candidate{
			NormalizedRow: *row,
			TokenAgeHours: row.AgeHours(now),
			QualityScore:  score,
		})
	}

	s.order(cands)
	if len(cands) > s.cfg.MaxResults {
		cands = cands[:s.cfg.MaxResults]
	}

	return s.dedupeOpen(cands, open), skips
}

func (s *selection) passesFloors(row *types.NormalizedRow) bool {
	return types.Deref(row.Volume24h, 0) >= s.cfg.Volume24hMin &&
		types.Deref(row.LiquidityUSD, 0) >= s.cfg.LiquidityMin
}

// passesMomentum applies the interval-specific floor: intraday intervals
// accept either their own window's move or the 24h move.
func (s *selection) passesMomentum(row *types.NormalizedRow) bool {
	p24 := types.Deref(row.Change24h, -1)
	switch s.cfg.Interval {
	case "5m":
		return types.Deref(row.Change5m, -1) >= s.cfg.Momentum5m || p24 >= s.cfg.Momentum24h
	case "1h":
		return types.Deref(row.Change1h, -1) >= s.cfg.Momentum1h || p24 >= s.cfg.Momentum24h
	default:
		return p24 >= s.cfg.Momentum24h
	}
}

// softFill tops the kept set up to SoftMin from the same universe, relaxing
// momentum but still requiring the volume/liquidity floors and a
// non-negative 1h or 24h move. Fill order follows the configured order key.
func (s *selection) softFill(rows []types.NormalizedRow, kept []*types.NormalizedRow, taken map[int]bool) []*types.NormalizedRow {
	if len(kept) >= s.cfg.SoftMin {
		return kept
	}

	var pool []*types.NormalizedRow
	for i := range rows {
		if taken[i] {
			continue
		}
		row := &rows[i]
		if !s.passesFloors(row) {
			continue
		}
		if types.Deref(row.Change1h, -1) < 0 && types.Deref(row.Change24h, -1) < 0 {
			continue
		}
		pool = append(pool, row)
	}

	sort.SliceStable(pool, func(i, j int) bool {
		return s.orderValue(pool[i]) > s.orderValue(pool[j])
	})

	for _, row := range pool {
		if len(kept) >= s.cfg.SoftMin {
			break
		}
		kept = append(kept, row)
	}
	return kept
}

func (s *selection) orderValue(row *types.NormalizedRow) float64 {
	if s.cfg.OrderKey == "liqUsd" {
		return types.Deref(row.LiquidityUSD, 0)
	}
	return types.Deref(row.Volume24h, 0)
}

func (s *selection) order(cands []*types.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return s.orderValue(&cands[i].NormalizedRow) > s.orderValue(&cands[j].NormalizedRow)
	})
}

// dedupeOpen drops candidates already held, matching by symbol or address.
func (s *selection) dedupeOpen(cands []*types.Candidate, open []types.Position) []*types.Candidate {
	if len(open) == 0 {
		return cands
	}
	heldSymbol := make(map[string]bool, len(open))
	heldAddr := make(map[string]bool, len(open))
	for _, p := range open {
		heldSymbol[strings.ToLower(p.Symbol)] = true
		heldAddr[strings.ToLower(p.TokenAddress)] = true
	}

	out := cands[:0]
	for _, c := range cands {
		if heldSymbol[strings.ToLower(c.Symbol)] || heldAddr[strings.ToLower(c.TokenAddress)] {
			continue
		}
		out = append(out, c)
	}
	return out
}
