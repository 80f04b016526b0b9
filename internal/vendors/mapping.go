package vendor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// Webhook payloads are translated by declarative mapping documents, one per
// vendor, so adding a push shape is a config change rather than code. A
// document names the field that identifies the vendor's payloads, the
// webhook verification mode, and per-message field mappings with a closed
// set of value conversions.

var mappingValidate = validator.New()

// ── Document types ───────────────────────────────────────────

// WebhookAuth declares how a vendor signs its webhook pushes.
type WebhookAuth struct {
	// Mode is header, body, or none. An empty secret in the account
	// config skips verification regardless of mode.
	Mode      string `yaml:"mode" validate:"omitempty,oneof=header body none"`
	Header    string `yaml:"header"`
	BodyField string `yaml:"body_field"`
}

// Match selects the message rule for a payload by exact field value.
type Match struct {
	Field  string `yaml:"field" validate:"required"`
	Equals string `yaml:"equals" validate:"required"`
}

// FieldMap moves one payload field into a record field, optionally through
// a conversion.
type FieldMap struct {
	// From is a dot path into the decoded payload, e.g. "data.sn".
	From string `yaml:"from" validate:"required"`
	To   string `yaml:"to" validate:"required"`
	// Convert names one of the closed conversion set; empty passes the
	// value through untouched.
	Convert string `yaml:"convert" validate:"omitempty,oneof=lowercase uppercase trim mapping ms_to_s liters_to_ml duration power_gain status_code json"`
	// Mapping is the value table for convert: mapping.
	Mapping map[string]string `yaml:"mapping"`
	// Default substitutes when a mapping has no entry for the value.
	Default string `yaml:"default"`
}

// MessageRule translates one push shape into one record.
type MessageRule struct {
	Match  Match          `yaml:"match"`
	Kind   models.Kind    `yaml:"kind" validate:"required"`
	Set    map[string]any `yaml:"set"`
	Fields []FieldMap     `yaml:"fields" validate:"min=1,dive"`
}

// Document is one vendor's complete webhook mapping.
type Document struct {
	Vendor string `yaml:"vendor" validate:"required"`
	// DetectField identifies this vendor's payloads on the brand-agnostic
	// endpoint: present means the payload is theirs.
	DetectField string        `yaml:"detect_field" validate:"required"`
	Auth        WebhookAuth   `yaml:"auth"`
	Messages    []MessageRule `yaml:"messages" validate:"min=1,dive"`
}

// ── Loading ──────────────────────────────────────────────────

// LoadMappings reads every *.yaml under dir and returns the documents keyed
// by vendor name.
func LoadMappings(dir string) (MappingSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read mappings dir: %w", err)
	}
	set := make(MappingSet)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		doc, err := LoadMapping(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := set[doc.Vendor]; dup {
			return nil, fmt.Errorf("duplicate mapping for vendor %q", doc.Vendor)
		}
		set[doc.Vendor] = doc
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no mapping documents in %s", dir)
	}
	return set, nil
}

// LoadMapping reads and validates a single mapping document.
func LoadMapping(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping %s: %w", filepath.Base(path), err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mapping %s: %w", filepath.Base(path), err)
	}
	if err := mappingValidate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("validate mapping %s: %w", filepath.Base(path), err)
	}
	for i, m := range doc.Messages {
		if _, ok := models.SchemaFor(m.Kind); !ok {
			return nil, fmt.Errorf("mapping %s: message %d has unknown kind %q",
				filepath.Base(path), i, m.Kind)
		}
		if m.Match.Field == "" {
			// Single-message documents may omit match; multi-message
			// documents may not.
			if len(doc.Messages) > 1 {
				return nil, fmt.Errorf("mapping %s: message %d missing match", filepath.Base(path), i)
			}
		}
	}
	return &doc, nil
}

// MappingSet is the loaded documents keyed by vendor.
type MappingSet map[string]*Document

// Detect finds the single document whose detect field appears in the
// payload. Zero or multiple matches are errors: the payload cannot be
// attributed to exactly one vendor.
func (s MappingSet) Detect(payload map[string]any) (*Document, error) {
	var found *Document
	for _, doc := range s {
		if _, ok := payload[doc.DetectField]; !ok {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("payload matches both %q and %q", found.Vendor, doc.Vendor)
		}
		found = doc
	}
	if found == nil {
		fields := make([]string, 0, len(s))
		for _, doc := range s {
			fields = append(fields, doc.DetectField)
		}
		sort.Strings(fields)
		return nil, fmt.Errorf("payload matches no vendor (looked for %s)", strings.Join(fields, ", "))
	}
	return found, nil
}

// ── Interpretation ───────────────────────────────────────────

// Route finds the message rule matching the payload.
func (d *Document) Route(payload map[string]any) (*MessageRule, error) {
	for i := range d.Messages {
		m := &d.Messages[i]
		if m.Match.Field == "" {
			return m, nil
		}
		v, ok := lookupPath(payload, m.Match.Field)
		if !ok {
			continue
		}
		if stringify(v) == m.Match.Equals {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no message rule matches payload")
}

// Apply translates a payload through a message rule into one record.
// Absent source paths leave the target field absent; explicit nulls carry
// through as nulls.
func (d *Document) Apply(rule *MessageRule, payload map[string]any) (*models.Record, error) {
	rec := models.NewRecord(rule.Kind)
	rec.SetVendor(d.Vendor)

	setKeys := make([]string, 0, len(rule.Set))
	for k := range rule.Set {
		setKeys = append(setKeys, k)
	}
	sort.Strings(setKeys)
	for _, k := range setKeys {
		rec.Set(k, models.CanonicalValue(rule.Set[k]))
	}

	for _, fm := range rule.Fields {
		raw, ok := lookupPath(payload, fm.From)
		if !ok {
			continue
		}
		if raw == nil {
			rec.Set(fm.To, nil)
			continue
		}
		v, err := convert(raw, fm)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fm.To, err)
		}
		rec.Set(fm.To, v)
	}
	return rec, nil
}

// lookupPath walks a dot path through nested objects. The bool result
// distinguishes an absent path from an explicit null.
func lookupPath(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = payload
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func convert(v any, fm FieldMap) (any, error) {
	switch fm.Convert {
	case "":
		return models.CanonicalValue(v), nil

	case "lowercase":
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil

	case "uppercase":
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil

	case "trim":
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil

	case "mapping":
		key := stringify(v)
		if mapped, ok := fm.Mapping[key]; ok {
			return mapped, nil
		}
		if fm.Default != "" {
			return fm.Default, nil
		}
		// Unmapped values pass through lowercased rather than failing
		// the whole payload.
		return strings.ToLower(key), nil

	case "ms_to_s":
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		return n / 1000, nil

	case "liters_to_ml":
		f, err := asFloat(v)
		if err != nil {
			return nil, err
		}
		return int64(f*1000 + 0.5), nil

	case "duration":
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return models.ParseChargeDuration(s)

	case "power_gain":
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return models.ParsePowerGain(s)

	case "status_code":
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		status, ok := models.TaskStatusFromCode(n)
		if !ok {
			return nil, fmt.Errorf("unknown task status code %d", n)
		}
		return string(status), nil

	case "json":
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json subtree: %w", err)
		}
		return json.RawMessage(raw), nil

	default:
		return nil, fmt.Errorf("unknown conversion %q", fm.Convert)
	}
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
