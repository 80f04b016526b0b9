// Package normalize coerces adapter and webhook records into the canonical
// value domain their schema declares. After normalization a field is nil,
// string, int64, float64, bool, or json.RawMessage, decimals are rounded to
// their declared precision, and required fields are known to be present.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// Record normalizes rec in place against its kind's schema. Fields the
// schema does not declare are dropped. Coercion failures and missing
// required fields are errors; the record should then be skipped, not
// stored.
func Record(rec *models.Record) error {
	sch, ok := models.SchemaFor(rec.Kind())
	if !ok {
		return fmt.Errorf("no schema for kind %q", rec.Kind())
	}

	for _, name := range rec.Fields() {
		def, ok := sch.Field(name)
		if !ok {
			log.Debug().
				Str("kind", string(rec.Kind())).
				Str("field", name).
				Msg("Dropping undeclared field")
			rec.Delete(name)
			continue
		}
		v, _ := rec.Get(name)
		if v == nil {
			continue
		}
		coerced, err := coerce(v, def)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		rec.Set(name, coerced)
	}

	if err := rec.Validate(sch); err != nil {
		return err
	}
	if _, err := rec.Key(sch); err != nil {
		return err
	}
	return checkInvariants(rec)
}

// checkInvariants enforces the kind-specific rules coercion cannot express:
// battery percentages stay in [0,100], and charging sessions derive their
// power gain from the battery delta when the vendor omitted it.
func checkInvariants(rec *models.Record) error {
	switch rec.Kind() {
	case models.KindRobotState:
		if battery, ok := rec.GetInt("battery"); ok {
			if battery < 0 || battery > 100 {
				return fmt.Errorf("battery %d outside [0,100]", battery)
			}
		}

	case models.KindCharging:
		initial, hasInitial := rec.GetInt("initial_battery")
		final, hasFinal := rec.GetInt("final_battery")
		for _, b := range []struct {
			name string
			v    int64
			ok   bool
		}{{"initial_battery", initial, hasInitial}, {"final_battery", final, hasFinal}} {
			if b.ok && (b.v < 0 || b.v > 100) {
				return fmt.Errorf("%s %d outside [0,100]", b.name, b.v)
			}
		}
		if _, has := rec.GetInt("power_gain"); !has && hasInitial && hasFinal {
			rec.Set("power_gain", final-initial)
		}
	}
	return nil
}

// Records normalizes a batch, returning the valid records and logging each
// drop. Order is preserved.
func Records(recs []*models.Record) []*models.Record {
	out := recs[:0]
	for _, rec := range recs {
		if err := Record(rec); err != nil {
			log.Warn().
				Err(err).
				Str("kind", string(rec.Kind())).
				Str("vendor", rec.Vendor()).
				Str("serial", rec.Serial()).
				Msg("Dropping invalid record")
			continue
		}
		out = append(out, rec)
	}
	return out
}

func coerce(v any, def models.FieldDef) (any, error) {
	v = models.CanonicalValue(v)
	switch def.Type {
	case models.TypeString:
		return coerceString(v)
	case models.TypeInt:
		return coerceInt(v)
	case models.TypeFloat:
		return coerceFloat(v)
	case models.TypeDecimal:
		f, err := coerceFloat(v)
		if err != nil {
			return nil, err
		}
		return roundTo(f, def.Precision), nil
	case models.TypeBool:
		return coerceBool(v)
	case models.TypeTime:
		return coerceTime(v)
	case models.TypeJSON:
		return coerceJSON(v)
	default:
		return nil, fmt.Errorf("unhandled field type %v", def.Type)
	}
}

func coerceString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("cannot coerce %T to string", v)
	}
}

func coerceInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("non-integral value %v", t)
		}
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as integer", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to integer", v)
	}
}

func coerceFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as number", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to number", v)
	}
}

func coerceBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		switch s {
		case "yes", "y":
			return true, nil
		case "no", "n":
			return false, nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return false, fmt.Errorf("cannot parse %q as bool", t)
		}
		return b, nil
	case int64:
		return t != 0, nil
	default:
		return false, fmt.Errorf("cannot coerce %T to bool", v)
	}
}

// timeLayouts are tried in order for string timestamps.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func coerceTime(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("non-integral timestamp %v", t)
		}
		return int64(t), nil
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		for _, layout := range timeLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.Unix(), nil
			}
		}
		return 0, fmt.Errorf("cannot parse %q as timestamp", t)
	default:
		return 0, fmt.Errorf("cannot coerce %T to timestamp", v)
	}
}

func coerceJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		canon, err := models.CanonicalJSON(t)
		if err != nil {
			return nil, err
		}
		return canon, nil
	case string:
		canon, err := models.CanonicalJSON([]byte(t))
		if err != nil {
			return nil, err
		}
		return canon, nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode json field: %w", err)
		}
		return models.CanonicalJSON(raw)
	}
}

// roundTo rounds half away from zero to p decimal places.
func roundTo(f float64, p int) float64 {
	if p <= 0 {
		return math.Round(f)
	}
	scale := math.Pow(10, float64(p))
	return math.Round(f*scale) / scale
}
