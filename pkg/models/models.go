package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ── Operational state ────────────────────────────────────────

// OperationalState is the canonical robot state taxonomy. Vendor adapters
// map their native vocabularies onto this set; unmapped values pass through
// lowercased so nothing is silently dropped.
type OperationalState string

const (
	StateOnline      OperationalState = "online"
	StateOffline     OperationalState = "offline"
	StateWorking     OperationalState = "working"
	StateIdle        OperationalState = "idle"
	StateCharging    OperationalState = "charging"
	StateError       OperationalState = "error"
	StateMaintenance OperationalState = "maintenance"
)

// IsValid reports whether the state belongs to the canonical set.
func (s OperationalState) IsValid() bool {
	switch s {
	case StateOnline, StateOffline, StateWorking, StateIdle,
		StateCharging, StateError, StateMaintenance:
		return true
	}
	return false
}

// ── Task status ──────────────────────────────────────────────

// TaskStatus is the canonical task outcome taxonomy.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "not_started"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskAbnormal   TaskStatus = "abnormal"
	TaskFailed     TaskStatus = "failed"
)

// IsValid reports whether the status belongs to the canonical set.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskNotStarted, TaskInProgress, TaskCompleted, TaskAbnormal, TaskFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends a task's lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskAbnormal, TaskFailed:
		return true
	}
	return false
}

// TaskStatusFromCode maps the numeric status codes used by task-list APIs:
// 0 completed, 1 in progress, 2 abnormal, 3 failed, -1 not started.
func TaskStatusFromCode(code int64) (TaskStatus, bool) {
	switch code {
	case 0:
		return TaskCompleted, true
	case 1:
		return TaskInProgress, true
	case 2:
		return TaskAbnormal, true
	case 3:
		return TaskFailed, true
	case -1:
		return TaskNotStarted, true
	}
	return "", false
}

// ── Event level ──────────────────────────────────────────────

// EventLevel is the canonical event severity taxonomy, ordered from most to
// least severe.
type EventLevel string

const (
	LevelFatal   EventLevel = "fatal"
	LevelError   EventLevel = "error"
	LevelWarning EventLevel = "warning"
	LevelEvent   EventLevel = "event"
	LevelInfo    EventLevel = "info"
)

// IsValid reports whether the level belongs to the canonical set.
func (l EventLevel) IsValid() bool {
	switch l {
	case LevelFatal, LevelError, LevelWarning, LevelEvent, LevelInfo:
		return true
	}
	return false
}

// IsIncident reports whether the level counts as an incident for
// notification purposes.
func (l EventLevel) IsIncident() bool {
	return l == LevelFatal || l == LevelError
}

// ── Changes and transitions ──────────────────────────────────

// ChangeKind classifies the outcome of comparing an incoming record against
// the stored row.
type ChangeKind string

const (
	// ChangeCreated means no stored row existed for the record's key.
	ChangeCreated ChangeKind = "created"
	// ChangeUpdated means at least one field materially differs.
	ChangeUpdated ChangeKind = "updated"
	// ChangeNone means every present field matches the stored row.
	ChangeNone ChangeKind = "none"
)

// FieldChange is one materially changed field within a transition.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Transition is the result of change detection for one record: what kind of
// change it is and, for updates, which fields moved.
type Transition struct {
	Kind     Kind        `json:"kind"`
	Database string      `json:"database"`
	Serial   string      `json:"serial"`
	Change   ChangeKind  `json:"change"`
	Record   *Record     `json:"-"`
	Previous *Record     `json:"-"`
	Changes  []FieldChange `json:"changes,omitempty"`
}

// ── Triggers ─────────────────────────────────────────────────

// Trigger identifies one condition derived from a transition. The set is
// closed: rules reference triggers by name and nothing else produces them.
type Trigger string

const (
	TriggerBatteryCritical Trigger = "battery_critical"
	TriggerBatteryLow      Trigger = "battery_low"
	TriggerBatteryRecovered Trigger = "battery_recovered"
	TriggerRobotOffline    Trigger = "robot_offline"
	TriggerRobotOnline     Trigger = "robot_online"
	TriggerIncident        Trigger = "incident"
	TriggerTaskCompleted   Trigger = "task_completed"
	TriggerTaskFailed      Trigger = "task_failed"
)

// TriggerEvent is one fired trigger with the context a notification rule
// needs: where it happened and the values templates may substitute.
type TriggerEvent struct {
	Trigger    Trigger        `json:"trigger"`
	Database   string         `json:"database"`
	Serial     string         `json:"serial"`
	Vendor     string         `json:"vendor"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Field returns a template substitution value, or "" when absent.
func (e TriggerEvent) Field(name string) any {
	if v, ok := e.Fields[name]; ok {
		return v
	}
	return ""
}

// ── Notifications ────────────────────────────────────────────

// Severity grades a notification for downstream display.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityEvent   Severity = "event"
	SeverityInfo    Severity = "info"
)

// Notification is one rendered, persisted notification row.
type Notification struct {
	ID        string    `json:"id"`
	Serial    string    `json:"serial"`
	Trigger   Trigger   `json:"trigger"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Icon      string    `json:"icon,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventReport is one incident report opened from a fatal or error event.
type EventReport struct {
	ID        string    `json:"id"`
	Serial    string    `json:"serial"`
	Level     EventLevel `json:"level"`
	Title     string    `json:"title"`
	Detail    string    `json:"detail,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Report statuses.
const (
	ReportOpen     = "open"
	ReportResolved = "resolved"
)

// ReportEntry is one timeline annotation under an event report.
type ReportEntry struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"report_id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Robot registry ───────────────────────────────────────────

// RobotInfo is one registry row mapping a serial to its friendly identity.
type RobotInfo struct {
	Serial    string    `json:"serial"`
	Name      string    `json:"name,omitempty"`
	Model     string    `json:"model,omitempty"`
	Vendor    string    `json:"vendor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ── Parse helpers ────────────────────────────────────────────

var (
	chargeDurationRe = regexp.MustCompile(`(?i)^\s*(?:(\d+)\s*h)?\s*(?:(\d+)\s*min)?\s*$`)
	powerGainRe      = regexp.MustCompile(`^\s*\+?\s*(\d+)\s*%?\s*$`)
)

// ParseChargeDuration converts a human duration like "2h 15min", "45min",
// or "3h" into seconds.
func ParseChargeDuration(s string) (int64, error) {
	m := chargeDurationRe.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "") {
		return 0, fmt.Errorf("unparseable charge duration %q", s)
	}
	var secs int64
	if m[1] != "" {
		h, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable charge duration %q: %w", s, err)
		}
		secs += h * 3600
	}
	if m[2] != "" {
		min, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable charge duration %q: %w", s, err)
		}
		secs += min * 60
	}
	return secs, nil
}

// ParsePowerGain converts a charge gain like "+37%" or "37" into an integer
// percentage.
func ParsePowerGain(s string) (int64, error) {
	m := powerGainRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("unparseable power gain %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable power gain %q: %w", s, err)
	}
	return n, nil
}

// NormalizeStateWord lowercases and trims a vendor state word so lookup
// tables only need one casing.
func NormalizeStateWord(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
