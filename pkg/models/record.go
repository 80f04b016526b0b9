package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies one category of telemetry record.
type Kind string

const (
	KindRobotState Kind = "robot_state"
	KindTask       Kind = "task"
	KindCharging   Kind = "charging"
	KindEvent      Kind = "event"
	KindLocation   Kind = "location"
)

// Record is one normalized telemetry row. Fields are dynamically typed but
// normalized values are restricted to nil, string, int64, float64, bool, and
// json.RawMessage. Field order is preserved from insertion so generated
// column lists are deterministic.
type Record struct {
	kind   Kind
	vendor string
	order  []string
	values map[string]any
}

// NewRecord returns an empty record of the given kind.
func NewRecord(kind Kind) *Record {
	return &Record{
		kind:   kind,
		values: make(map[string]any),
	}
}

func (r *Record) Kind() Kind { return r.kind }

// Vendor is the identifier of the vendor the record originated from.
func (r *Record) Vendor() string { return r.vendor }

func (r *Record) SetVendor(vendor string) { r.vendor = vendor }

// Set stores a field value. Setting an existing field overwrites it in place
// without changing its position.
func (r *Record) Set(name string, value any) {
	if _, ok := r.values[name]; !ok {
		r.order = append(r.order, name)
	}
	r.values[name] = value
}

// Get returns a field value. A present field holding nil reports ok=true.
func (r *Record) Get(name string) (any, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Has reports whether the field is present, even if nil.
func (r *Record) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Delete removes a field if present.
func (r *Record) Delete(name string) {
	if _, ok := r.values[name]; !ok {
		return
	}
	delete(r.values, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Fields returns the field names in insertion order.
func (r *Record) Fields() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of fields present.
func (r *Record) Len() int { return len(r.order) }

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := &Record{
		kind:   r.kind,
		vendor: r.vendor,
		order:  make([]string, len(r.order)),
		values: make(map[string]any, len(r.values)),
	}
	copy(c.order, r.order)
	for k, v := range r.values {
		if raw, ok := v.(json.RawMessage); ok {
			dup := make(json.RawMessage, len(raw))
			copy(dup, raw)
			c.values[k] = dup
			continue
		}
		c.values[k] = v
	}
	return c
}

// ── Typed accessors ──────────────────────────────────────────

// GetString returns the field as a string if present and string-typed.
func (r *Record) GetString(name string) (string, bool) {
	v, ok := r.values[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt returns the field as an int64 if present and integer-typed.
func (r *Record) GetInt(name string) (int64, bool) {
	v, ok := r.values[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// GetFloat returns the field as a float64 if present and numeric.
func (r *Record) GetFloat(name string) (float64, bool) {
	v, ok := r.values[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// GetBool returns the field as a bool if present and boolean.
func (r *Record) GetBool(name string) (bool, bool) {
	v, ok := r.values[name]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Serial returns the robot serial field, or "" when absent.
func (r *Record) Serial() string {
	s, _ := r.GetString("serial")
	return s
}

// ── Keys ─────────────────────────────────────────────────────

// Key is the typed primary-key tuple of a record under a schema. Fields
// follow the schema key order.
type Key struct {
	Fields []string
	Values []any
}

// String renders the key as a stable map-index form.
func (k Key) String() string {
	var b strings.Builder
	for i, v := range k.Values {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(keyPart(v))
	}
	return b.String()
}

func keyPart(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Key assembles the record's primary key under the schema. All key fields
// must be present and non-nil.
func (r *Record) Key(sch Schema) (Key, error) {
	k := Key{
		Fields: make([]string, len(sch.Key)),
		Values: make([]any, len(sch.Key)),
	}
	for i, name := range sch.Key {
		v, ok := r.values[name]
		if !ok || v == nil {
			return Key{}, fmt.Errorf("record %s missing key field %q", r.kind, name)
		}
		k.Fields[i] = name
		k.Values[i] = v
	}
	return k, nil
}

// Validate checks that every required schema field is present and non-nil.
func (r *Record) Validate(sch Schema) error {
	for _, f := range sch.Fields {
		if !f.Required {
			continue
		}
		v, ok := r.values[f.Name]
		if !ok || v == nil {
			return fmt.Errorf("record %s missing required field %q", r.kind, f.Name)
		}
	}
	return nil
}

// ── Canonical values ─────────────────────────────────────────

// CanonicalValue narrows a decoded value to the record value domain:
// integers widen to int64, float32 widens to float64, json numbers that are
// integral collapse to int64 only when asked via typed normalization, maps
// and slices re-encode to json.RawMessage. Unknown types pass through.
func CanonicalValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, bool, int64, float64, json.RawMessage:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return json.RawMessage(raw)
	default:
		return v
	}
}

// CanonicalJSON re-encodes a JSON document with object keys sorted at every
// depth, so equal structures serialize identically.
func CanonicalJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return json.Marshal(sortJSON(v))
}

func sortJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			m = append(m, orderedEntry{k, sortJSON(t[k])})
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortJSON(e)
		}
		return out
	default:
		return v
	}
}

type orderedEntry struct {
	key string
	val any
}

// orderedMap marshals entries in slice order, preserving the sorted keys.
type orderedMap []orderedEntry

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		v, err := json.Marshal(e.val)
		if err != nil {
			return nil, err
		}
		b.Write(v)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
