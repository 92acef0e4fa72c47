package dexscreener

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Num is a tolerant numeric field. The aggregator is inconsistent about
// numeric encoding: the same field can arrive as a JSON number, a numeric
// string, or a 0x-prefixed hex string, and is sometimes missing entirely.
// Missing, null, or non-finite values parse as absent rather than failing
// the whole payload.
type Num struct {
	Value float64
	Valid bool
}

// UnmarshalJSON accepts numbers, numeric strings, and 0x hex strings.
func (n *Num) UnmarshalJSON(b []byte) error {
	n.Value, n.Valid = 0, false

	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` || s == "" {
		return nil
	}

	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return nil
		}
		n.set(parseNumeric(str))
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return nil
	}
	n.set(f, true)
	return nil
}

// MarshalJSON emits the value, or null when absent.
func (n Num) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

func (n *Num) set(v float64, ok bool) {
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	n.Value, n.Valid = v, true
}

// Ptr returns the value as an optional float, nil when absent.
func (n Num) Ptr() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// Or returns the value, or def when absent.
func (n Num) Or(def float64) float64 {
	if !n.Valid {
		return def
	}
	return n.Value
}

func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		u, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		return float64(u), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
