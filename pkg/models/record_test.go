package models_test

import (
	"testing"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// ─── Record basics ───────────────────────────────────────────

func TestRecordFieldOrder(t *testing.T) {
	r := models.NewRecord(models.KindRobotState)
	r.Set("serial", "SB-001")
	r.Set("battery", int64(84))
	r.Set("state", "working")
	r.Set("battery", int64(83)) // overwrite keeps position

	want := []string{"serial", "battery", "state"}
	got := r.Fields()
	if len(got) != len(want) {
		t.Fatalf("Fields() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Fields()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if b, _ := r.GetInt("battery"); b != 83 {
		t.Errorf("battery = %d, want 83", b)
	}
}

func TestRecordNilFieldIsPresent(t *testing.T) {
	r := models.NewRecord(models.KindTask)
	r.Set("end_time", nil)
	if !r.Has("end_time") {
		t.Error("Has(end_time) = false after Set(nil)")
	}
	v, ok := r.Get("end_time")
	if !ok || v != nil {
		t.Errorf("Get(end_time) = (%v, %v), want (nil, true)", v, ok)
	}
	if r.Has("start_time") {
		t.Error("Has(start_time) = true for unset field")
	}
}

func TestRecordClone(t *testing.T) {
	r := models.NewRecord(models.KindEvent)
	r.SetVendor("sweepbot")
	r.Set("serial", "SB-001")
	r.Set("event_id", "ev-9")

	c := r.Clone()
	c.Set("event_id", "ev-10")
	if id, _ := r.GetString("event_id"); id != "ev-9" {
		t.Errorf("original mutated by clone edit: event_id = %q", id)
	}
	if c.Vendor() != "sweepbot" {
		t.Errorf("clone vendor = %q, want sweepbot", c.Vendor())
	}
}

// ─── Keys ────────────────────────────────────────────────────

func TestRecordKey(t *testing.T) {
	sch, ok := models.SchemaFor(models.KindTask)
	if !ok {
		t.Fatal("no task schema")
	}
	r := models.NewRecord(models.KindTask)
	r.Set("serial", "SB-001")
	r.Set("task_name", "Lobby Sweep")
	r.Set("start_time", int64(1700000000))

	k, err := r.Key(sch)
	if err != nil {
		t.Fatalf("Key() error: %v", err)
	}
	if len(k.Values) != 3 {
		t.Fatalf("key has %d values, want 3", len(k.Values))
	}
	if k.Values[0] != "SB-001" || k.Values[2] != int64(1700000000) {
		t.Errorf("key values = %v", k.Values)
	}

	// Same fields, different order of insertion: identical key string.
	r2 := models.NewRecord(models.KindTask)
	r2.Set("start_time", int64(1700000000))
	r2.Set("serial", "SB-001")
	r2.Set("task_name", "Lobby Sweep")
	k2, err := r2.Key(sch)
	if err != nil {
		t.Fatalf("Key() error: %v", err)
	}
	if k.String() != k2.String() {
		t.Errorf("key strings differ: %q vs %q", k.String(), k2.String())
	}
}

func TestRecordKeyMissingField(t *testing.T) {
	sch, _ := models.SchemaFor(models.KindCharging)
	r := models.NewRecord(models.KindCharging)
	r.Set("serial", "NX-200")
	r.Set("start_time", int64(1700000000))
	// end_time absent
	if _, err := r.Key(sch); err == nil {
		t.Error("Key() with missing key field should error")
	}
	r.Set("end_time", nil)
	if _, err := r.Key(sch); err == nil {
		t.Error("Key() with nil key field should error")
	}
}

func TestRecordValidate(t *testing.T) {
	sch, _ := models.SchemaFor(models.KindRobotState)
	r := models.NewRecord(models.KindRobotState)
	r.Set("battery", int64(50))
	if err := r.Validate(sch); err == nil {
		t.Error("Validate() without serial should error")
	}
	r.Set("serial", "SB-001")
	if err := r.Validate(sch); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

// ─── Canonical values ────────────────────────────────────────

func TestCanonicalValue(t *testing.T) {
	if v := models.CanonicalValue(int32(7)); v != int64(7) {
		t.Errorf("CanonicalValue(int32) = %v (%T), want int64(7)", v, v)
	}
	if v := models.CanonicalValue(float32(1.5)); v != float64(1.5) {
		t.Errorf("CanonicalValue(float32) = %v (%T), want float64(1.5)", v, v)
	}
	if v := models.CanonicalValue(nil); v != nil {
		t.Errorf("CanonicalValue(nil) = %v, want nil", v)
	}
	if v := models.CanonicalValue([]byte("abc")); v != "abc" {
		t.Errorf("CanonicalValue([]byte) = %v, want \"abc\"", v)
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a := []byte(`{"zone":"B2","area":{"planned":120.5,"actual":118.2}}`)
	b := []byte(`{"area":{"actual":118.2,"planned":120.5},"zone":"B2"}`)

	ca, err := models.CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON(a) error: %v", err)
	}
	cb, err := models.CanonicalJSON(b)
	if err != nil {
		t.Fatalf("CanonicalJSON(b) error: %v", err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n  %s\n  %s", ca, cb)
	}

	if _, err := models.CanonicalJSON([]byte(`{broken`)); err == nil {
		t.Error("CanonicalJSON on invalid input should error")
	}
}

// ─── Schemas ─────────────────────────────────────────────────

func TestSchemaLookups(t *testing.T) {
	for _, kind := range models.Kinds() {
		sch, ok := models.SchemaFor(kind)
		if !ok {
			t.Fatalf("SchemaFor(%q) missing", kind)
		}
		if sch.Table == "" || len(sch.Key) == 0 {
			t.Errorf("schema %q incomplete: table=%q key=%v", kind, sch.Table, sch.Key)
		}
		for _, k := range sch.Key {
			if _, ok := sch.Field(k); !ok {
				t.Errorf("schema %q key field %q not declared", kind, k)
			}
			if !sch.IsKey(k) {
				t.Errorf("schema %q IsKey(%q) = false", kind, k)
			}
		}
	}
	if _, ok := models.SchemaFor("bogus"); ok {
		t.Error("SchemaFor(bogus) should report missing")
	}
}

func TestOngoingTaskSchema(t *testing.T) {
	sch := models.OngoingTaskSchema()
	if sch.Table != models.TableOngoingTasks {
		t.Errorf("table = %q, want %q", sch.Table, models.TableOngoingTasks)
	}
	base, _ := models.SchemaFor(models.KindTask)
	if len(sch.Fields) != len(base.Fields) {
		t.Errorf("ongoing schema field count %d, want %d", len(sch.Fields), len(base.Fields))
	}
	if base.Table != models.TableTasks {
		t.Errorf("WithTable mutated base schema: %q", base.Table)
	}
}
