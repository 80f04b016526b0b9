package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetglass/fleetglass/internal/catalog"
	"github.com/fleetglass/fleetglass/internal/notify"
	"github.com/fleetglass/fleetglass/internal/pipeline"
	"github.com/fleetglass/fleetglass/internal/routing"
	"github.com/fleetglass/fleetglass/internal/store"
	"github.com/fleetglass/fleetglass/internal/tasklife"
	"github.com/fleetglass/fleetglass/internal/vendors"
	"github.com/fleetglass/fleetglass/internal/webhook"
	"github.com/fleetglass/fleetglass/pkg/models"
)

const hookSecret = "hook-secret-1"

const webhookVendors = `
tenants:
  - name: contoso
    accounts:
      - vendor: sweepbot
        base_url: https://api.sweepbot.example
        webhook_secret: ` + hookSecret + `
      - vendor: nexbot
        base_url: https://cloud.nexbot.example
`

const webhookRouting = `
databases:
  - name: db1
    dsn: memory
    tenant: contoso
    serials: ["SB-001", "NX-200"]
`

const sweepbotDoc = `
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
        convert: lowercase
      - from: data.batteryPct
        to: battery
      - from: data.ts
        to: reported_at
        convert: ms_to_s
`

const nexbotDoc = `
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
      - from: battery
        to: battery
`

type fixture struct {
	srv *httptest.Server
	st  *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"vendors.yaml": webhookVendors,
		"routing.yaml": webhookRouting,
		"rules.yaml":   "rules: []",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mapDir := filepath.Join(dir, "mappings")
	if err := os.Mkdir(mapDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{
		"sweepbot.yaml": sweepbotDoc,
		"nexbot.yaml":   nexbotDoc,
	} {
		if err := os.WriteFile(filepath.Join(mapDir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cat, err := catalog.Load(dir)
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}
	mappings, err := vendor.LoadMappings(mapDir)
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}

	st := store.NewMemoryStore()
	mgr := store.NewManager()
	mgr.Add("db1", st)

	resolver := routing.NewResolver(cat)
	notifier := notify.NewEngine(cat, mgr, nil, time.Minute)
	proc := pipeline.NewProcessor(resolver, mgr, tasklife.NewManager(0), notifier)
	h := webhook.NewHandler(mappings, cat, resolver, proc, 4)

	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, st: st}
}

func post(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const statusPush = `{"messageTypeId":"ROBOT_STATUS","data":{"sn":"SB-001","status":"WORKING","batteryPct":76,"ts":1700000000000}}`

func TestVendorEndpointAccepts(t *testing.T) {
	f := newFixture(t)

	resp := post(t, f.srv.URL+"/api/sweepbot/webhook", statusPush,
		map[string]string{"X-Sweepbot-Signature": hookSecret})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}

	// The record landed in the tenant store.
	sch, _ := models.SchemaFor(models.KindRobotState)
	rec := models.NewRecord(models.KindRobotState)
	rec.Set("serial", "SB-001")
	k, _ := rec.Key(sch)
	rows, _ := f.st.GetByKeys(context.Background(), sch, []models.Key{k})
	stored := rows[k.String()]
	if stored == nil {
		t.Fatal("record not stored")
	}
	if b, _ := stored.GetInt("battery"); b != 76 {
		t.Errorf("battery = %d", b)
	}
	if s, _ := stored.GetString("state"); s != "working" {
		t.Errorf("state = %q", s)
	}
}

func TestAutoDetectEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := post(t, f.srv.URL+"/api/webhook", statusPush,
		map[string]string{"X-Sweepbot-Signature": hookSecret})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	// Payload matching no configured vendor.
	resp = post(t, f.srv.URL+"/api/webhook", `{"hello":"world"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unattributable payload status = %d, want 400", resp.StatusCode)
	}

	// Payload matching two vendors at once.
	resp = post(t, f.srv.URL+"/api/webhook", `{"messageTypeId":"x","callback_type":"y"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("ambiguous payload status = %d, want 400", resp.StatusCode)
	}
}

func TestVerificationRejectsBadSecret(t *testing.T) {
	f := newFixture(t)

	resp := post(t, f.srv.URL+"/api/sweepbot/webhook", statusPush,
		map[string]string{"X-Sweepbot-Signature": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad secret status = %d, want 401", resp.StatusCode)
	}

	resp = post(t, f.srv.URL+"/api/sweepbot/webhook", statusPush, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing secret status = %d, want 401", resp.StatusCode)
	}

	// Auth is decided before the body is read, so a bad secret wins over a
	// malformed body.
	resp = post(t, f.srv.URL+"/api/sweepbot/webhook", `{not json`,
		map[string]string{"X-Sweepbot-Signature": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad secret with bad body status = %d, want 401", resp.StatusCode)
	}
}

func TestVerificationSkippedWhenNoSecretConfigured(t *testing.T) {
	f := newFixture(t)

	// nexbot has no webhook secret anywhere, so its body-token check is off.
	resp := post(t, f.srv.URL+"/api/nexbot/webhook",
		`{"callback_type":"robot_status","serial_no":"NX-200","battery":55}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with verification skipped", resp.StatusCode)
	}
}

func TestRejectsMalformedAndUnroutable(t *testing.T) {
	f := newFixture(t)
	auth := map[string]string{"X-Sweepbot-Signature": hookSecret}

	resp := post(t, f.srv.URL+"/api/sweepbot/webhook", `{not json`, auth)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d, want 400", resp.StatusCode)
	}

	resp = post(t, f.srv.URL+"/api/sweepbot/webhook",
		`{"messageTypeId":"SOMETHING_NEW"}`, auth)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown message status = %d, want 400", resp.StatusCode)
	}

	unknownSerial := `{"messageTypeId":"ROBOT_STATUS","data":{"sn":"ZZ-999","status":"WORKING","batteryPct":50,"ts":1700000000000}}`
	resp = post(t, f.srv.URL+"/api/sweepbot/webhook", unknownSerial, auth)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unrouted serial status = %d, want 404", resp.StatusCode)
	}

	resp = post(t, f.srv.URL+"/api/roomba/webhook", statusPush, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown vendor status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/api/sweepbot/webhook/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" || body["configured_vendor"] != "sweepbot" {
		t.Errorf("body = %v", body)
	}
	features, _ := body["features"].(map[string]any)
	if features["robot_state"] != true {
		t.Errorf("features = %v", features)
	}
}
