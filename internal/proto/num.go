package proto

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Num is a nullable metric value. Numbers and numeric strings decode to a
// value; anything else (including NaN and infinities) decodes to null.
type Num struct {
	V     float64
	Valid bool
}

// N returns a valid Num.
func N(v float64) Num {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Num{}
	}
	return Num{V: v, Valid: true}
}

func (n Num) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.V)
}

func (n *Num) UnmarshalJSON(b []byte) error {
	*n = Num{}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		*n = N(t)
	case bool:
		if t {
			*n = N(1)
		} else {
			*n = N(0)
		}
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			*n = N(f)
		}
	}
	return nil
}

// Clamp bounds a valid value to [lo, hi]; null stays null.
func (n Num) Clamp(lo, hi float64) Num {
	if !n.Valid {
		return n
	}
	return N(math.Max(lo, math.Min(hi, n.V)))
}

// Millis interprets the value as a unix millisecond timestamp, returning
// fallback when it is null or not positive.
func (n Num) Millis(fallback int64) int64 {
	if !n.Valid || n.V <= 0 {
		return fallback
	}
	return int64(n.V)
}
