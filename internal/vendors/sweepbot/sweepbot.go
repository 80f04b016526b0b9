// Package sweepbot adapts the SweepBot cloud API. SweepBot authenticates
// with OAuth client credentials, reports timestamps in milliseconds, and
// encodes most enums as vendor codes.
package sweepbot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetglass/fleetglass/internal/vendors"
	"github.com/fleetglass/fleetglass/pkg/models"
)

const Name = "sweepbot"

// Config carries the account credentials and endpoints.
type Config struct {
	BaseURL      string
	AuthURL      string
	ClientID     string
	ClientSecret string
	RPS          float64
	Burst        int
}

// Adapter implements vendor.Adapter for SweepBot.
type Adapter struct {
	client *vendor.Client
	tokens *tokenSource
}

// New builds a SweepBot adapter for one account.
func New(cfg Config) *Adapter {
	return &Adapter{
		client: vendor.NewClient(Name, vendor.ClientOptions{
			BaseURL: cfg.BaseURL,
			RPS:     cfg.RPS,
			Burst:   cfg.Burst,
		}),
		tokens: newTokenSource(cfg),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() []vendor.Capability {
	return []vendor.Capability{
		vendor.CapRobots, vendor.CapStates, vendor.CapTasks,
		vendor.CapCharging, vendor.CapEvents, vendor.CapLocations,
	}
}

// ── Wire format ──────────────────────────────────────────────

// envelope wraps every SweepBot response. A non-zero code is an API-level
// failure even with HTTP 200.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type sbRobot struct {
	SN    string `json:"sn"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

type sbStatus struct {
	SN         string   `json:"sn"`
	Status     *string  `json:"status"`
	BatteryPct *int64   `json:"batteryPct"`
	PosX       *float64 `json:"posX"`
	PosY       *float64 `json:"posY"`
	Yaw        *float64 `json:"yaw"`
	MapID      *string  `json:"mapId"`
	Ts         *int64   `json:"ts"`
}

type sbTask struct {
	TaskName    string          `json:"taskName"`
	Mode        *string         `json:"mode"`
	PlannedArea *float64        `json:"plannedArea"`
	ActualArea  *float64        `json:"actualArea"`
	DurationMs  *int64          `json:"durationMs"`
	WaterL      *float64        `json:"waterConsumptionL"`
	EnergyWh    *float64        `json:"energyConsumptionWh"`
	StartTs     int64           `json:"startTs"`
	EndTs       *int64          `json:"endTs"`
	StatusCode  *int64          `json:"statusCode"`
	MapID       *string         `json:"mapId"`
	SubTasks    json.RawMessage `json:"subTasks"`
	Extra       json.RawMessage `json:"extraData"`
}

type sbCharging struct {
	StartTs        int64   `json:"startTs"`
	EndTs          int64   `json:"endTs"`
	InitialBattery *int64  `json:"initialBattery"`
	FinalBattery   *int64  `json:"finalBattery"`
	ChargeDuration *string `json:"chargeDuration"`
	PowerGain      *string `json:"powerGain"`
}

type sbEvent struct {
	EventID string  `json:"eventId"`
	Level   *string `json:"errorLevel"`
	Type    *string `json:"errorType"`
	Detail  *string `json:"detail"`
	Ts      *int64  `json:"ts"`
}

type sbSite struct {
	SiteID   string   `json:"siteId"`
	Name     *string  `json:"name"`
	Country  *string  `json:"country"`
	Province *string  `json:"province"`
	City     *string  `json:"city"`
	Building *string  `json:"building"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

// ── Operations ───────────────────────────────────────────────

func (a *Adapter) ListRobots(ctx context.Context) ([]models.RobotInfo, error) {
	var robots []sbRobot
	if err := a.get(ctx, "list_robots", "/openapi/v1/robots", nil, &robots); err != nil {
		return nil, err
	}
	out := make([]models.RobotInfo, 0, len(robots))
	for _, r := range robots {
		out = append(out, models.RobotInfo{
			Serial: r.SN,
			Name:   r.Name,
			Model:  r.Model,
			Vendor: Name,
		})
	}
	return out, nil
}

func (a *Adapter) RobotState(ctx context.Context, serial string) (*models.Record, error) {
	var st sbStatus
	if err := a.get(ctx, "robot_state", "/openapi/v1/robots/"+url.PathEscape(serial)+"/status", nil, &st); err != nil {
		return nil, err
	}
	rec := models.NewRecord(models.KindRobotState)
	rec.SetVendor(Name)
	rec.Set("serial", serial)
	if st.Status != nil {
		rec.Set("state", stateWord(*st.Status))
	}
	setInt(rec, "battery", st.BatteryPct)
	setFloat(rec, "position_x", st.PosX)
	setFloat(rec, "position_y", st.PosY)
	setFloat(rec, "position_yaw", st.Yaw)
	setString(rec, "map_id", st.MapID)
	if st.Ts != nil {
		rec.Set("reported_at", *st.Ts/1000)
	}
	return rec, nil
}

func (a *Adapter) Tasks(ctx context.Context, serial string, win vendor.Window) ([]*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, vendor.ListTimeout)
	defer cancel()

	var tasks []sbTask
	path := "/openapi/v1/robots/" + url.PathEscape(serial) + "/tasks"
	if err := a.get(ctx, "tasks", path, windowQuery(win), &tasks); err != nil {
		return nil, err
	}
	out := make([]*models.Record, 0, len(tasks))
	for _, t := range tasks {
		rec := models.NewRecord(models.KindTask)
		rec.SetVendor(Name)
		rec.Set("serial", serial)
		rec.Set("task_name", t.TaskName)
		setString(rec, "mode", t.Mode)
		setFloat(rec, "planned_area", t.PlannedArea)
		setFloat(rec, "actual_area", t.ActualArea)
		if t.DurationMs != nil {
			rec.Set("duration_s", *t.DurationMs/1000)
		}
		if t.WaterL != nil {
			rec.Set("water_ml", int64(*t.WaterL*1000+0.5))
		}
		setFloat(rec, "energy_wh", t.EnergyWh)
		rec.Set("start_time", t.StartTs/1000)
		if t.EndTs != nil {
			rec.Set("end_time", *t.EndTs/1000)
		}
		if t.StatusCode != nil {
			if status, ok := models.TaskStatusFromCode(*t.StatusCode); ok {
				rec.Set("status", string(status))
			}
		}
		setString(rec, "map_id", t.MapID)
		setJSON(rec, "subtasks", t.SubTasks)
		setJSON(rec, "extra", t.Extra)
		out = append(out, rec)
	}
	return out, nil
}

func (a *Adapter) ChargingSessions(ctx context.Context, serial string, win vendor.Window) ([]*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, vendor.ListTimeout)
	defer cancel()

	var sessions []sbCharging
	path := "/openapi/v1/robots/" + url.PathEscape(serial) + "/charging"
	if err := a.get(ctx, "charging", path, windowQuery(win), &sessions); err != nil {
		return nil, err
	}
	out := make([]*models.Record, 0, len(sessions))
	for _, s := range sessions {
		rec := models.NewRecord(models.KindCharging)
		rec.SetVendor(Name)
		rec.Set("serial", serial)
		rec.Set("start_time", s.StartTs/1000)
		rec.Set("end_time", s.EndTs/1000)
		setInt(rec, "initial_battery", s.InitialBattery)
		setInt(rec, "final_battery", s.FinalBattery)
		if s.ChargeDuration != nil {
			if secs, err := models.ParseChargeDuration(*s.ChargeDuration); err == nil {
				rec.Set("duration_s", secs)
			}
		}
		if s.PowerGain != nil {
			if gain, err := models.ParsePowerGain(*s.PowerGain); err == nil {
				rec.Set("power_gain", gain)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (a *Adapter) Events(ctx context.Context, serial string, win vendor.Window) ([]*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, vendor.ListTimeout)
	defer cancel()

	var events []sbEvent
	path := "/openapi/v1/robots/" + url.PathEscape(serial) + "/events"
	if err := a.get(ctx, "events", path, windowQuery(win), &events); err != nil {
		return nil, err
	}
	out := make([]*models.Record, 0, len(events))
	for _, e := range events {
		rec := models.NewRecord(models.KindEvent)
		rec.SetVendor(Name)
		rec.Set("serial", serial)
		rec.Set("event_id", e.EventID)
		if e.Level != nil {
			rec.Set("level", string(levelFromCode(*e.Level)))
		}
		setString(rec, "event_type", e.Type)
		setString(rec, "detail", e.Detail)
		if e.Ts != nil {
			rec.Set("occurred_at", *e.Ts/1000)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (a *Adapter) Locations(ctx context.Context) ([]*models.Record, error) {
	var sites []sbSite
	if err := a.get(ctx, "locations", "/openapi/v1/sites", nil, &sites); err != nil {
		return nil, err
	}
	out := make([]*models.Record, 0, len(sites))
	for _, s := range sites {
		rec := models.NewRecord(models.KindLocation)
		rec.SetVendor(Name)
		rec.Set("building_id", s.SiteID)
		setString(rec, "name", s.Name)
		setString(rec, "country", s.Country)
		setString(rec, "state", s.Province)
		setString(rec, "city", s.City)
		setString(rec, "building", s.Building)
		setFloat(rec, "latitude", s.Lat)
		setFloat(rec, "longitude", s.Lng)
		out = append(out, rec)
	}
	return out, nil
}

// ── Request plumbing ─────────────────────────────────────────

// get performs an authenticated GET and unwraps the response envelope.
func (a *Adapter) get(ctx context.Context, op, path string, query url.Values, out any) error {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return err
	}
	headers := http.Header{"Authorization": []string{"Bearer " + token}}

	var env envelope
	if err := a.client.GetJSON(ctx, op, path, query, headers, &env); err != nil {
		return err
	}
	if env.Code != 0 {
		if env.Code == 401 || env.Code == 403 {
			a.tokens.Invalidate()
			return vendor.Errorf(vendor.FailAuth, Name, op, "api code %d: %s", env.Code, env.Msg)
		}
		return vendor.Errorf(vendor.FailTransient, Name, op, "api code %d: %s", env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return vendor.NewError(vendor.FailMalformed, Name, op, err)
		}
	}
	return nil
}

// windowQuery renders the fetch window in SweepBot's millisecond form.
func windowQuery(win vendor.Window) url.Values {
	return url.Values{
		"startTime": []string{strconv.FormatInt(win.Start.UnixMilli(), 10)},
		"endTime":   []string{strconv.FormatInt(win.End.UnixMilli(), 10)},
	}
}

// ── Vocabulary ───────────────────────────────────────────────

// stateWord maps SweepBot status words onto the canonical state set.
func stateWord(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WORKING", "CLEANING":
		return string(models.StateWorking)
	case "STANDBY", "IDLE":
		return string(models.StateIdle)
	case "CHARGING":
		return string(models.StateCharging)
	case "OFFLINE":
		return string(models.StateOffline)
	case "ONLINE":
		return string(models.StateOnline)
	case "MALFUNCTION", "FAULT":
		return string(models.StateError)
	case "REPAIR", "MAINTENANCE":
		return string(models.StateMaintenance)
	default:
		return models.NormalizeStateWord(s)
	}
}

// levelFromCode maps SweepBot level codes onto the canonical event levels:
// H7 fatal, H6 error, H5 warning, H2 event, everything else info.
func levelFromCode(code string) models.EventLevel {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "H7":
		return models.LevelFatal
	case "H6":
		return models.LevelError
	case "H5":
		return models.LevelWarning
	case "H2":
		return models.LevelEvent
	default:
		return models.LevelInfo
	}
}

// ── Record helpers ───────────────────────────────────────────

func setString(rec *models.Record, name string, v *string) {
	if v != nil {
		rec.Set(name, *v)
	}
}

func setInt(rec *models.Record, name string, v *int64) {
	if v != nil {
		rec.Set(name, *v)
	}
}

func setFloat(rec *models.Record, name string, v *float64) {
	if v != nil {
		rec.Set(name, *v)
	}
}

func setJSON(rec *models.Record, name string, raw json.RawMessage) {
	if len(raw) > 0 {
		rec.Set(name, raw)
	}
}

// ── Token source ─────────────────────────────────────────────

// tokenSource caches the OAuth access token and refreshes it shortly
// before expiry. Safe for concurrent use.
type tokenSource struct {
	mu     sync.Mutex
	client *vendor.Client

	clientID     string
	clientSecret string

	token  string
	expiry time.Time
}

// refreshSlack refreshes tokens this long before their stated expiry.
const refreshSlack = 60 * time.Second

func newTokenSource(cfg Config) *tokenSource {
	return &tokenSource{
		client:       vendor.NewClient(Name, vendor.ClientOptions{BaseURL: cfg.AuthURL}),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
}

func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Now().Before(ts.expiry.Add(-refreshSlack)) {
		return ts.token, nil
	}

	body := map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     ts.clientID,
		"client_secret": ts.clientSecret,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := ts.client.PostJSON(ctx, "token", "", body, nil, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", vendor.Errorf(vendor.FailAuth, Name, "token", "empty access token")
	}
	ts.token = resp.AccessToken
	ts.expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return ts.token, nil
}

// Invalidate drops the cached token so the next call re-authenticates.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}
