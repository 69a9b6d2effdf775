package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"

	"go.uber.org/zap"
)

// FindKeyValue returns payload copies of every committed block whose payload
// has key set to value. With ignoreCase, string values compare case-folded.
func (l *Ledger) FindKeyValue(key string, value any, ignoreCase bool) []Payload {
	want := normalizeQuery(value)

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []Payload{}
	for p := 0; p < l.count; p++ {
		got, ok := l.blocks[p].Payload[key]
		if ok && valuesEqual(got, want, ignoreCase) {
			out = append(out, l.blocks[p].Payload.Clone())
		}
	}
	return out
}

// FindKeyValueRange returns payload copies of every committed block whose
// payload holds a number under key within [lower, upper]. lower > upper
// yields an empty slice and ErrInvalidCriteria.
func (l *Ledger) FindKeyValueRange(key string, lower, upper float64) ([]Payload, error) {
	if math.IsNaN(lower) || math.IsNaN(upper) || lower > upper {
		l.logger.Warn("invalid search criteria",
			zap.String("key", key),
			zap.Float64("lower", lower),
			zap.Float64("upper", upper),
		)
		return []Payload{}, fmt.Errorf("%s in [%g, %g]: %w", key, lower, upper, ErrInvalidCriteria)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []Payload{}
	for p := 0; p < l.count; p++ {
		n, ok := l.blocks[p].Payload[key].(json.Number)
		if ok && numberWithin(n, lower, upper) {
			out = append(out, l.blocks[p].Payload.Clone())
		}
	}
	return out, nil
}

// FindKeyValueAny returns payload copies of every committed block with any
// field equal to value. Each block appears at most once.
func (l *Ledger) FindKeyValueAny(value any, ignoreCase bool) []Payload {
	want := normalizeQuery(value)

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []Payload{}
	for p := 0; p < l.count; p++ {
		for _, got := range l.blocks[p].Payload {
			if valuesEqual(got, want, ignoreCase) {
				out = append(out, l.blocks[p].Payload.Clone())
				break
			}
		}
	}
	return out
}

// normalizeQuery brings a search value into the same shape as stored
// payload values, so that int 5 matches a stored 5.0.
func normalizeQuery(v any) any {
	n, err := normalize(v)
	if err != nil {
		return v
	}
	return n
}

// valuesEqual compares decoded JSON values. Numbers compare by value rather
// than by literal text.
func valuesEqual(got, want any, ignoreCase bool) bool {
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		if !ok {
			return false
		}
		if ignoreCase {
			return strings.EqualFold(g, w)
		}
		return g == w
	case json.Number:
		g, ok := got.(json.Number)
		return ok && numbersEqual(g, w)
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for k, wv := range w {
			gv, ok := g[k]
			if !ok || !valuesEqual(gv, wv, ignoreCase) {
				return false
			}
		}
		return true
	case []any:
		g, ok := got.([]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !valuesEqual(g[i], w[i], ignoreCase) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(got, want)
	}
}

func numbersEqual(a, b json.Number) bool {
	if a == b {
		return true
	}
	ra, okA := ratOf(a)
	rb, okB := ratOf(b)
	return okA && okB && ra.Cmp(rb) == 0
}

// ratOf parses n exactly. Literals with an exponent go through float64 so
// that a huge exponent cannot force a huge allocation.
func ratOf(n json.Number) (*big.Rat, bool) {
	s := string(n)
	if strings.ContainsAny(s, "eE") {
		f, err := n.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, false
		}
		return new(big.Rat).SetFloat64(f), true
	}
	return new(big.Rat).SetString(s)
}

// numberWithin reports whether n lies in [lower, upper], compared exactly.
// Infinite bounds are open on that side.
func numberWithin(n json.Number, lower, upper float64) bool {
	r, ok := ratOf(n)
	if !ok {
		return false
	}
	if math.IsInf(lower, 1) || math.IsInf(upper, -1) {
		return false
	}
	if !math.IsInf(lower, -1) && r.Cmp(new(big.Rat).SetFloat64(lower)) < 0 {
		return false
	}
	if !math.IsInf(upper, 1) && r.Cmp(new(big.Rat).SetFloat64(upper)) > 0 {
		return false
	}
	return true
}
