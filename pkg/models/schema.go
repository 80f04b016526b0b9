package models

// ── Field types ──────────────────────────────────────────────

// FieldType declares how a field is stored, coerced, and compared.
type FieldType int

const (
	// TypeString is a free-form string. Compared trimmed, case-insensitive.
	TypeString FieldType = iota
	// TypeInt is a 64-bit integer.
	TypeInt
	// TypeFloat is a 64-bit float compared with a relative epsilon.
	TypeFloat
	// TypeDecimal is a fixed-precision value; rounded to Precision decimal
	// places before comparison.
	TypeDecimal
	// TypeBool is a canonical true/false.
	TypeBool
	// TypeTime is a timestamp normalized to integer seconds since epoch.
	TypeTime
	// TypeJSON is an embedded structured payload, compared structurally
	// after key sort.
	TypeJSON
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeDecimal:
		return "decimal"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	case TypeJSON:
		return "json"
	default:
		return "unknown"
	}
}

// FieldDef declares one column of a record kind.
type FieldDef struct {
	Name      string
	Type      FieldType
	Precision int  // decimal places, TypeDecimal only
	Required  bool // record is invalid without it
}

// Schema describes one record kind: its target table, primary key, and the
// ordered field set. The field order is the declaration order used for
// iteration and for generated column lists.
type Schema struct {
	Kind  Kind
	Table string
	Key   []string
	// InsertOnly rows never update on key conflict; duplicates are
	// silently dropped.
	InsertOnly bool
	Fields     []FieldDef
}

// Field returns the definition for a named field.
func (s Schema) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// IsKey reports whether the named field is part of the primary key.
func (s Schema) IsKey(name string) bool {
	for _, k := range s.Key {
		if k == name {
			return true
		}
	}
	return false
}

// FieldNames returns the declared field names in order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// WithTable returns a copy of the schema targeting a different table.
// Used for the ongoing-tasks staging table, which shares the task shape.
func (s Schema) WithTable(table string) Schema {
	s.Table = table
	return s
}

// ── Table names ──────────────────────────────────────────────

const (
	TableRobotState     = "robot_state"
	TableTasks          = "robot_tasks"
	TableOngoingTasks   = "mnt_ongoing_tasks"
	TableCharging       = "charging_records"
	TableEvents         = "robot_events"
	TableLocations      = "locations"
	TableRobotRegistry  = "robot_registry"
	TableNotifications  = "robot_notifications"
	TableEventReports   = "mnt_robot_event_reports"
	TableReportTimeline = "mnt_robot_report_timeline"
)

// ── Kind schemas ─────────────────────────────────────────────

var robotStateSchema = Schema{
	Kind:  KindRobotState,
	Table: TableRobotState,
	Key:   []string{"serial"},
	Fields: []FieldDef{
		{Name: "serial", Type: TypeString, Required: true},
		{Name: "state", Type: TypeString},
		{Name: "battery", Type: TypeInt},
		{Name: "position_x", Type: TypeFloat},
		{Name: "position_y", Type: TypeFloat},
		{Name: "position_yaw", Type: TypeFloat},
		{Name: "map_id", Type: TypeString},
		{Name: "reported_at", Type: TypeTime},
		{Name: "vendor", Type: TypeString},
	},
}

var taskSchema = Schema{
	Kind:  KindTask,
	Table: TableTasks,
	Key:   []string{"serial", "task_name", "start_time"},
	Fields: []FieldDef{
		{Name: "serial", Type: TypeString, Required: true},
		{Name: "task_name", Type: TypeString, Required: true},
		{Name: "mode", Type: TypeString},
		{Name: "planned_area", Type: TypeDecimal, Precision: 2},
		{Name: "actual_area", Type: TypeDecimal, Precision: 2},
		{Name: "duration_s", Type: TypeInt},
		{Name: "water_ml", Type: TypeInt},
		{Name: "energy_wh", Type: TypeDecimal, Precision: 3},
		{Name: "start_time", Type: TypeTime, Required: true},
		{Name: "end_time", Type: TypeTime},
		{Name: "status", Type: TypeString},
		{Name: "map_id", Type: TypeString},
		{Name: "subtasks", Type: TypeJSON},
		{Name: "extra", Type: TypeJSON},
		{Name: "vendor", Type: TypeString},
	},
}

var chargingSchema = Schema{
	Kind:  KindCharging,
	Table: TableCharging,
	Key:   []string{"serial", "start_time", "end_time"},
	Fields: []FieldDef{
		{Name: "serial", Type: TypeString, Required: true},
		{Name: "start_time", Type: TypeTime, Required: true},
		{Name: "end_time", Type: TypeTime, Required: true},
		{Name: "initial_battery", Type: TypeInt},
		{Name: "final_battery", Type: TypeInt},
		{Name: "duration_s", Type: TypeInt},
		{Name: "power_gain", Type: TypeInt},
		{Name: "vendor", Type: TypeString},
	},
}

var eventSchema = Schema{
	Kind:       KindEvent,
	Table:      TableEvents,
	Key:        []string{"serial", "event_id"},
	InsertOnly: true,
	Fields: []FieldDef{
		{Name: "serial", Type: TypeString, Required: true},
		{Name: "event_id", Type: TypeString, Required: true},
		{Name: "level", Type: TypeString},
		{Name: "event_type", Type: TypeString},
		{Name: "detail", Type: TypeString},
		{Name: "occurred_at", Type: TypeTime},
		{Name: "vendor", Type: TypeString},
	},
}

var locationSchema = Schema{
	Kind:  KindLocation,
	Table: TableLocations,
	Key:   []string{"building_id"},
	Fields: []FieldDef{
		{Name: "building_id", Type: TypeString, Required: true},
		{Name: "name", Type: TypeString},
		{Name: "country", Type: TypeString},
		{Name: "state", Type: TypeString},
		{Name: "city", Type: TypeString},
		{Name: "building", Type: TypeString},
		{Name: "latitude", Type: TypeDecimal, Precision: 6},
		{Name: "longitude", Type: TypeDecimal, Precision: 6},
		{Name: "vendor", Type: TypeString},
	},
}

var schemas = map[Kind]Schema{
	KindRobotState: robotStateSchema,
	KindTask:       taskSchema,
	KindCharging:   chargingSchema,
	KindEvent:      eventSchema,
	KindLocation:   locationSchema,
}

// SchemaFor returns the schema for a record kind.
func SchemaFor(kind Kind) (Schema, bool) {
	s, ok := schemas[kind]
	return s, ok
}

// OngoingTaskSchema is the task schema targeting the ongoing staging table.
func OngoingTaskSchema() Schema {
	return taskSchema.WithTable(TableOngoingTasks)
}

// Kinds returns all record kinds in pipeline processing order:
// state, tasks, charging, events, locations.
func Kinds() []Kind {
	return []Kind{KindRobotState, KindTask, KindCharging, KindEvent, KindLocation}
}
