package detect

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// relEpsilon is the relative tolerance for float comparison:
// |a−b| ≤ 1e−6 × max(1, |a|, |b|).
const relEpsilon = 1e-6

// equalValues applies the type-aware equality rules. Null and missing are
// the same thing; both inputs are assumed normalized already, so type
// mismatches only happen between nil and a value.
func equalValues(def models.FieldDef, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch def.Type {
	case models.TypeString:
		as, aok := a.(string)
		bs, bok := b.(string)
		if !aok || !bok {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(as), strings.TrimSpace(bs))

	case models.TypeInt, models.TypeTime:
		ai, aok := asInt(a)
		bi, bok := asInt(b)
		return aok && bok && ai == bi

	case models.TypeFloat:
		af, aok := asFloat(a)
		bf, bok := asFloat(b)
		return aok && bok && floatEqual(af, bf)

	case models.TypeDecimal:
		af, aok := asFloat(a)
		bf, bok := asFloat(b)
		if !aok || !bok {
			return false
		}
		// Normalization already rounded both sides to the declared
		// precision; compare at that granularity.
		scale := math.Pow(10, float64(def.Precision))
		return math.Round(af*scale) == math.Round(bf*scale)

	case models.TypeBool:
		ab, aok := a.(bool)
		bb, bok := b.(bool)
		return aok && bok && ab == bb

	case models.TypeJSON:
		return jsonEqual(a, b)

	default:
		return a == b
	}
}

func floatEqual(a, b float64) bool {
	if a == b {
		return true
	}
	tol := relEpsilon * math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= tol
}

// jsonEqual compares embedded documents structurally: objects by key set,
// arrays elementwise in order, and numbers with the same relative
// tolerance scalar floats get.
func jsonEqual(a, b any) bool {
	ar, aok := rawJSON(a)
	br, bok := rawJSON(b)
	if !aok || !bok {
		return false
	}
	var av, bv any
	if json.Unmarshal(ar, &av) != nil || json.Unmarshal(br, &bv) != nil {
		return false
	}
	return jsonValueEqual(av, bv)
}

func jsonValueEqual(a, b any) bool {
	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, v := range at {
			bv, present := bt[k]
			if !present || !jsonValueEqual(v, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !jsonValueEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	case float64:
		bf, ok := b.(float64)
		return ok && floatEqual(at, bf)
	default:
		return a == b
	}
}

func rawJSON(v any) ([]byte, bool) {
	switch t := v.(type) {
	case json.RawMessage:
		return t, true
	case []byte:
		return t, true
	case string:
		return []byte(t), true
	default:
		return nil, false
	}
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		if t == math.Trunc(t) {
			return int64(t), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}
