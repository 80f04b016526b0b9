package normalize_test

import (
	"encoding/json"
	"testing"

	"github.com/fleetglass/fleetglass/internal/normalize"
	"github.com/fleetglass/fleetglass/pkg/models"
)

func TestRecordCoercesDeclaredTypes(t *testing.T) {
	rec := models.NewRecord(models.KindRobotState)
	rec.Set("serial", "SB-001")
	rec.Set("battery", float64(84)) // webhook JSON numbers arrive as float64
	rec.Set("position_x", int64(3))
	rec.Set("reported_at", "2023-11-14T22:13:20Z")
	rec.Set("state", "working")

	if err := normalize.Record(rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if v, _ := rec.Get("battery"); v != int64(84) {
		t.Errorf("battery = %v (%T), want int64", v, v)
	}
	if v, _ := rec.Get("position_x"); v != float64(3) {
		t.Errorf("position_x = %v (%T), want float64", v, v)
	}
	if v, _ := rec.Get("reported_at"); v != int64(1700000000) {
		t.Errorf("reported_at = %v, want 1700000000", v)
	}
}

func TestRecordRoundsDecimals(t *testing.T) {
	rec := models.NewRecord(models.KindTask)
	rec.Set("serial", "SB-001")
	rec.Set("task_name", "Lobby")
	rec.Set("start_time", int64(1700000000))
	rec.Set("planned_area", 120.4567)
	rec.Set("energy_wh", 15.12349)

	if err := normalize.Record(rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if v, _ := rec.Get("planned_area"); v != 120.46 {
		t.Errorf("planned_area = %v, want 120.46 (precision 2)", v)
	}
	if v, _ := rec.Get("energy_wh"); v != 15.123 {
		t.Errorf("energy_wh = %v, want 15.123 (precision 3)", v)
	}
}

func TestRecordDropsUndeclaredFields(t *testing.T) {
	rec := models.NewRecord(models.KindRobotState)
	rec.Set("serial", "SB-001")
	rec.Set("firmware_build", "v99") // not in the schema

	if err := normalize.Record(rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Has("firmware_build") {
		t.Error("undeclared field survived normalization")
	}
}

func TestRecordKeepsNulls(t *testing.T) {
	rec := models.NewRecord(models.KindTask)
	rec.Set("serial", "SB-001")
	rec.Set("task_name", "Lobby")
	rec.Set("start_time", int64(1700000000))
	rec.Set("end_time", nil)

	if err := normalize.Record(rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	v, ok := rec.Get("end_time")
	if !ok || v != nil {
		t.Errorf("end_time = (%v, %v), want (nil, true)", v, ok)
	}
}

func TestRecordRejectsMissingRequired(t *testing.T) {
	rec := models.NewRecord(models.KindEvent)
	rec.Set("serial", "SB-001")
	// event_id required, absent
	if err := normalize.Record(rec); err == nil {
		t.Error("Record accepted a record missing a required field")
	}
}

func TestRecordRejectsUncoercible(t *testing.T) {
	rec := models.NewRecord(models.KindRobotState)
	rec.Set("serial", "SB-001")
	rec.Set("battery", "eighty")
	if err := normalize.Record(rec); err == nil {
		t.Error("Record accepted an unparseable integer")
	}

	rec2 := models.NewRecord(models.KindRobotState)
	rec2.Set("serial", "SB-001")
	rec2.Set("battery", 83.5)
	if err := normalize.Record(rec2); err == nil {
		t.Error("Record accepted a fractional integer")
	}
}

func TestRecordCanonicalizesJSON(t *testing.T) {
	rec := models.NewRecord(models.KindTask)
	rec.Set("serial", "SB-001")
	rec.Set("task_name", "Lobby")
	rec.Set("start_time", int64(1700000000))
	rec.Set("extra", json.RawMessage(`{"b":2,"a":1}`))

	if err := normalize.Record(rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	v, _ := rec.Get("extra")
	raw, ok := v.(json.RawMessage)
	if !ok {
		t.Fatalf("extra is %T", v)
	}
	if string(raw) != `{"a":1,"b":2}` {
		t.Errorf("extra = %s, want key-sorted form", raw)
	}
}

func TestRecordsDropsInvalid(t *testing.T) {
	good := models.NewRecord(models.KindRobotState)
	good.Set("serial", "SB-001")
	bad := models.NewRecord(models.KindRobotState)
	bad.Set("battery", int64(10)) // no serial

	out := normalize.Records([]*models.Record{good, bad})
	if len(out) != 1 {
		t.Fatalf("Records kept %d, want 1", len(out))
	}
	if out[0].Serial() != "SB-001" {
		t.Errorf("kept wrong record: %q", out[0].Serial())
	}
}
