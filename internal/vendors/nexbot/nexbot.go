// Package nexbot adapts the NexBot cloud API. NexBot authenticates with a
// static key pair sent on every request, reports timestamps in seconds, and
// has no site hierarchy endpoint.
package nexbot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fleetglass/fleetglass/internal/vendors"
	"github.com/fleetglass/fleetglass/pkg/models"
)

const Name = "nexbot"

// Config carries the account credentials and endpoint.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	RPS       float64
	Burst     int
}

// Adapter implements vendor.Adapter for NexBot.
type Adapter struct {
	client    *vendor.Client
	apiKey    string
	apiSecret string
}

// New builds a NexBot adapter for one account.
func New(cfg Config) *Adapter {
	return &Adapter{
		client: vendor.NewClient(Name, vendor.ClientOptions{
			BaseURL: cfg.BaseURL,
			RPS:     cfg.RPS,
			Burst:   cfg.Burst,
		}),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
	}
}

func (a *Adapter) Name() string { return Name }

// Capabilities omits locations: NexBot has no site hierarchy API.
func (a *Adapter) Capabilities() []vendor.Capability {
	return []vendor.Capability{
		vendor.CapRobots, vendor.CapStates, vendor.CapTasks,
		vendor.CapCharging, vendor.CapEvents,
	}
}

// ── Wire format ──────────────────────────────────────────────

type nxRobot struct {
	SerialNo string `json:"serial_no"`
	Nickname string `json:"nickname"`
	Model    string `json:"model"`
}

type nxState struct {
	SerialNo  string   `json:"serial_no"`
	Status    *string  `json:"status"`
	Battery   *int64   `json:"battery"`
	PosX      *float64 `json:"pos_x"`
	PosY      *float64 `json:"pos_y"`
	Heading   *float64 `json:"heading"`
	MapID     *string  `json:"map_id"`
	UpdatedAt *int64   `json:"updated_at"`
}

type nxTask struct {
	Name        string          `json:"name"`
	Mode        *string         `json:"cleaning_mode"`
	PlannedArea *float64        `json:"planned_area"`
	ActualArea  *float64        `json:"actual_area"`
	Duration    *int64          `json:"duration"`
	WaterML     *int64          `json:"water_usage"`
	EnergyWh    *float64        `json:"energy"`
	StartedAt   int64           `json:"started_at"`
	FinishedAt  *int64          `json:"finished_at"`
	State       *string         `json:"state"`
	MapID       *string         `json:"map_id"`
	Subtasks    json.RawMessage `json:"subtasks"`
	Extra       json.RawMessage `json:"extra"`
}

type nxCharging struct {
	StartedAt    int64  `json:"started_at"`
	FinishedAt   int64  `json:"finished_at"`
	BatteryStart *int64 `json:"battery_start"`
	BatteryEnd   *int64 `json:"battery_end"`
	Duration     *int64 `json:"duration"`
	Gained       *int64 `json:"gained"`
}

type nxEvent struct {
	ID          string  `json:"id"`
	Severity    *string `json:"severity"`
	Type        *string `json:"type"`
	Description *string `json:"description"`
	OccurredAt  *int64  `json:"occurred_at"`
}

// ── Operations ───────────────────────────────────────────────

func (a *Adapter) ListRobots(ctx context.Context) ([]models.RobotInfo, error) {
	var robots []nxRobot
	if err := a.get(ctx, "list_robots", "/api/v2/robots", nil, &robots); err != nil {
		return nil, err
	}
	out := make([]models.RobotInfo, 0, len(robots))
	for _, r := range robots {
		out = append(out, models.RobotInfo{
			Serial: r.SerialNo,
			Name:   r.Nickname,
			Model:  r.Model,
			Vendor: Name,
		})
	}
	return out, nil
}

func (a *Adapter) RobotState(ctx context.Context, serial string) (*models.Record, error) {
	var st nxState
	if err := a.get(ctx, "robot_state", "/api/v2/robots/"+url.PathEscape(serial)+"/state", nil, &st); err != nil {
		return nil, err
	}
	rec := models.NewRecord(models.KindRobotState)
	rec.SetVendor(Name)
	rec.Set("serial", serial)
	if st.Status != nil {
		rec.Set("state", stateWord(*st.Status))
	}
	setInt(rec, "battery", st.Battery)
	setFloat(rec, "position_x", st.PosX)
	setFloat(rec, "position_y", st.PosY)
	setFloat(rec, "position_yaw", st.Heading)
	setString(rec, "map_id", st.MapID)
	setInt(rec, "reported_at", st.UpdatedAt)
	return rec, nil
}

func (a *Adapter) Tasks(ctx context.Context, serial string, win vendor.Window) ([]*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, vendor.ListTimeout)
	defer cancel()

	var tasks []nxTask
	path := "/api/v2/robots/" + url.PathEscape(serial) + "/tasks"
	if err := a.get(ctx, "tasks", path, windowQuery(win), &tasks); err != nil {
		return nil, err
	}
	out := make([]*models.Record, 0, len(tasks))
	for _, t := range tasks {
		rec := models.NewRecord(models.KindTask)
		rec.SetVendor(Name)
		rec.Set("serial", serial)
		rec.Set("task_name", t.Name)
		setString(rec, "mode", t.Mode)
		setFloat(rec, "planned_area", t.PlannedArea)
		setFloat(rec, "actual_area", t.ActualArea)
		setInt(rec, "duration_s", t.Duration)
		setInt(rec, "water_ml", t.WaterML)
		setFloat(rec, "energy_wh", t.EnergyWh)
		rec.Set("start_time", t.StartedAt)
		setInt(rec, "end_time", t.FinishedAt)
		if t.State != nil {
			rec.Set("status", taskWord(*t.State))
		}
		setString(rec, "map_id", t.MapID)
		setJSON(rec, "subtasks", t.Subtasks)
		setJSON(rec, "extra", t.Extra)
		out = append(out, rec)
	}
	return out, nil
}

func (a *Adapter) ChargingSessions(ctx context.Context, serial string, win vendor.Window) ([]*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, vendor.ListTimeout)
	defer cancel()

	var sessions []nxCharging
	path := "/api/v2/robots/" + url.PathEscape(serial) + "/charging"
	if err := a.get(ctx, "charging", path, windowQuery(win), &sessions); err != nil {
		return nil, err
	}
	out := make([]*models.Record, 0, len(sessions))
	for _, s := range sessions {
		rec := models.NewRecord(models.KindCharging)
		rec.SetVendor(Name)
		rec.Set("serial", serial)
		rec.Set("start_time", s.StartedAt)
		rec.Set("end_time", s.FinishedAt)
		setInt(rec, "initial_battery", s.BatteryStart)
		setInt(rec, "final_battery", s.BatteryEnd)
		setInt(rec, "duration_s", s.Duration)
		setInt(rec, "power_gain", s.Gained)
		out = append(out, rec)
	}
	return out, nil
}

func (a *Adapter) Events(ctx context.Context, serial string, win vendor.Window) ([]*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, vendor.ListTimeout)
	defer cancel()

	var events []nxEvent
	path := "/api/v2/robots/" + url.PathEscape(serial) + "/events"
	if err := a.get(ctx, "events", path, windowQuery(win), &events); err != nil {
		return nil, err
	}
	out := make([]*models.Record, 0, len(events))
	for _, e := range events {
		rec := models.NewRecord(models.KindEvent)
		rec.SetVendor(Name)
		rec.Set("serial", serial)
		rec.Set("event_id", e.ID)
		if e.Severity != nil {
			rec.Set("level", string(levelWord(*e.Severity)))
		}
		setString(rec, "event_type", e.Type)
		setString(rec, "detail", e.Description)
		setInt(rec, "occurred_at", e.OccurredAt)
		out = append(out, rec)
	}
	return out, nil
}

func (a *Adapter) Locations(ctx context.Context) ([]*models.Record, error) {
	return nil, vendor.Unsupported(Name, "locations")
}

// ── Request plumbing ─────────────────────────────────────────

func (a *Adapter) get(ctx context.Context, op, path string, query url.Values, out any) error {
	headers := http.Header{
		"X-Api-Key":    []string{a.apiKey},
		"X-Api-Secret": []string{a.apiSecret},
	}
	return a.client.GetJSON(ctx, op, path, query, headers, out)
}

// windowQuery renders the fetch window in NexBot's second form.
func windowQuery(win vendor.Window) url.Values {
	return url.Values{
		"from": []string{strconv.FormatInt(win.Start.Unix(), 10)},
		"to":   []string{strconv.FormatInt(win.End.Unix(), 10)},
	}
}

// ── Vocabulary ───────────────────────────────────────────────

func stateWord(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "working", "cleaning":
		return string(models.StateWorking)
	case "idle", "standby":
		return string(models.StateIdle)
	case "charging", "docked":
		return string(models.StateCharging)
	case "offline":
		return string(models.StateOffline)
	case "online":
		return string(models.StateOnline)
	case "error", "fault":
		return string(models.StateError)
	case "maintenance":
		return string(models.StateMaintenance)
	default:
		return models.NormalizeStateWord(s)
	}
}

func taskWord(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "done":
		return string(models.TaskCompleted)
	case "in_progress", "running":
		return string(models.TaskInProgress)
	case "failed":
		return string(models.TaskFailed)
	case "abnormal", "interrupted":
		return string(models.TaskAbnormal)
	case "pending", "queued":
		return string(models.TaskNotStarted)
	default:
		return models.NormalizeStateWord(s)
	}
}

// levelWord maps NexBot severities onto the canonical event levels;
// "critical" is their fatal.
func levelWord(s string) models.EventLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return models.LevelFatal
	case "error":
		return models.LevelError
	case "warning":
		return models.LevelWarning
	case "info":
		return models.LevelInfo
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
