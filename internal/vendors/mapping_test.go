package vendor_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetglass/fleetglass/internal/vendors"
	"github.com/fleetglass/fleetglass/pkg/models"
)

const sweepbotMapping = `
vendor: sweepbot
detect_field: messageTypeId
auth:
  mode: header
  header: X-Sweepbot-Signature
messages:
  - match:
      field: messageTypeId
      equals: ROBOT_STATUS
    kind: robot_state
    fields:
      - from: data.sn
        to: serial
      - from: data.status
        to: state
        convert: mapping
        mapping:
          WORKING: working
          STANDBY: idle
          OFFLINE: offline
      - from: data.batteryPct
        to: battery
      - from: data.ts
        to: reported_at
        convert: ms_to_s
  - match:
      field: messageTypeId
      equals: TASK_REPORT
    kind: task
    set:
      mode: sweep
    fields:
      - from: data.sn
        to: serial
      - from: data.taskName
        to: task_name
      - from: data.startTs
        to: start_time
        convert: ms_to_s
      - from: data.endTs
        to: end_time
        convert: ms_to_s
      - from: data.statusCode
        to: status
        convert: status_code
      - from: data.waterL
        to: water_ml
        convert: liters_to_ml
      - from: data.detail
        to: extra
        convert: json
`

const nexbotMapping = `
vendor: nexbot
detect_field: callback_type
auth:
  mode: body
  body_field: token
messages:
  - match:
      field: callback_type
      equals: robot_status
    kind: robot_state
    fields:
      - from: serial_no
        to: serial
      - from: status
        to: state
        convert: lowercase
      - from: battery
        to: battery
      - from: timestamp
        to: reported_at
`

func writeMappingsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"sweepbot.yaml": sweepbotMapping,
		"nexbot.yaml":   nexbotMapping,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func decodePayload(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return payload
}

func TestLoadMappings(t *testing.T) {
	set, err := vendor.LoadMappings(writeMappingsDir(t))
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("loaded %d documents, want 2", len(set))
	}
	if set["sweepbot"].Auth.Mode != "header" || set["sweepbot"].Auth.Header != "X-Sweepbot-Signature" {
		t.Errorf("sweepbot auth = %+v", set["sweepbot"].Auth)
	}
	if set["nexbot"].Auth.Mode != "body" || set["nexbot"].Auth.BodyField != "token" {
		t.Errorf("nexbot auth = %+v", set["nexbot"].Auth)
	}
}

func TestDetect(t *testing.T) {
	set, err := vendor.LoadMappings(writeMappingsDir(t))
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}

	doc, err := set.Detect(decodePayload(t, `{"messageTypeId":"ROBOT_STATUS","data":{}}`))
	if err != nil || doc.Vendor != "sweepbot" {
		t.Errorf("Detect = (%v, %v), want sweepbot", doc, err)
	}

	doc, err = set.Detect(decodePayload(t, `{"callback_type":"robot_status"}`))
	if err != nil || doc.Vendor != "nexbot" {
		t.Errorf("Detect = (%v, %v), want nexbot", doc, err)
	}

	if _, err := set.Detect(decodePayload(t, `{"messageTypeId":"x","callback_type":"y"}`)); err == nil {
		t.Error("Detect accepted a payload matching two vendors")
	}
	if _, err := set.Detect(decodePayload(t, `{"hello":"world"}`)); err == nil {
		t.Error("Detect accepted a payload matching no vendor")
	}
}

func TestApplyStatusMessage(t *testing.T) {
	set, err := vendor.LoadMappings(writeMappingsDir(t))
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	doc := set["sweepbot"]
	payload := decodePayload(t, `{
		"messageTypeId": "ROBOT_STATUS",
		"data": {"sn": "SB-001", "status": "WORKING", "batteryPct": 76, "ts": 1700000000000}
	}`)

	rule, err := doc.Route(payload)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if rule.Kind != models.KindRobotState {
		t.Fatalf("routed kind = %q", rule.Kind)
	}

	rec, err := doc.Apply(rule, payload)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.Vendor() != "sweepbot" {
		t.Errorf("vendor = %q", rec.Vendor())
	}
	if s, _ := rec.GetString("state"); s != "working" {
		t.Errorf("state = %q, want working", s)
	}
	if b, _ := rec.GetInt("battery"); b != 76 {
		t.Errorf("battery = %d, want 76", b)
	}
	if ts, _ := rec.GetInt("reported_at"); ts != 1700000000 {
		t.Errorf("reported_at = %d, want seconds", ts)
	}
}

func TestApplyTaskConversions(t *testing.T) {
	set, err := vendor.LoadMappings(writeMappingsDir(t))
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	doc := set["sweepbot"]
	payload := decodePayload(t, `{
		"messageTypeId": "TASK_REPORT",
		"data": {
			"sn": "SB-001", "taskName": "Lobby",
			"startTs": 1700000000000, "endTs": 1700003600000,
			"statusCode": 0, "waterL": 1.5,
			"detail": {"zones": ["a", "b"]}
		}
	}`)

	rule, err := doc.Route(payload)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	rec, err := doc.Apply(rule, payload)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if st, _ := rec.GetString("status"); st != "completed" {
		t.Errorf("status = %q, want completed", st)
	}
	if ml, _ := rec.GetInt("water_ml"); ml != 1500 {
		t.Errorf("water_ml = %d, want 1500", ml)
	}
	if mode, _ := rec.GetString("mode"); mode != "sweep" {
		t.Errorf("set constant mode = %q, want sweep", mode)
	}
	extra, ok := rec.Get("extra")
	if !ok {
		t.Fatal("extra missing")
	}
	if _, isRaw := extra.(json.RawMessage); !isRaw {
		t.Errorf("extra is %T, want json.RawMessage", extra)
	}
}

func TestApplyAbsentVersusNull(t *testing.T) {
	set, err := vendor.LoadMappings(writeMappingsDir(t))
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	doc := set["nexbot"]
	payload := decodePayload(t, `{"callback_type":"robot_status","serial_no":"NX-200","battery":null}`)

	rule, err := doc.Route(payload)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	rec, err := doc.Apply(rule, payload)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// battery was an explicit null: present, nil.
	v, ok := rec.Get("battery")
	if !ok || v != nil {
		t.Errorf("battery = (%v, %v), want (nil, true)", v, ok)
	}
	// status never appeared: absent.
	if rec.Has("state") {
		t.Error("state should be absent when source path missing")
	}
}

func TestApplyUnmappedValuePassesThrough(t *testing.T) {
	set, err := vendor.LoadMappings(writeMappingsDir(t))
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	doc := set["sweepbot"]
	payload := decodePayload(t, `{
		"messageTypeId": "ROBOT_STATUS",
		"data": {"sn": "SB-001", "status": "DOCKING", "batteryPct": 10, "ts": 0}
	}`)
	rule, _ := doc.Route(payload)
	rec, err := doc.Apply(rule, payload)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s, _ := rec.GetString("state"); s != "docking" {
		t.Errorf("unmapped state = %q, want lowercased passthrough", s)
	}
}

func TestRouteNoMatch(t *testing.T) {
	set, err := vendor.LoadMappings(writeMappingsDir(t))
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	doc := set["sweepbot"]
	if _, err := doc.Route(decodePayload(t, `{"messageTypeId":"SOMETHING_NEW"}`)); err == nil {
		t.Error("Route accepted an unknown message type")
	}
}
