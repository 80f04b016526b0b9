package tasklife_test

import (
	"context"
	"testing"
	"time"

	"github.com/fleetglass/fleetglass/internal/store"
	"github.com/fleetglass/fleetglass/internal/tasklife"
	"github.com/fleetglass/fleetglass/pkg/models"
)

func task(serial, name string, start int64, status string, end any) *models.Record {
	rec := models.NewRecord(models.KindTask)
	rec.SetVendor("sweepbot")
	rec.Set("serial", serial)
	rec.Set("task_name", name)
	rec.Set("start_time", start)
	if status != "" {
		rec.Set("status", status)
	}
	if end != nil {
		rec.Set("end_time", end)
	}
	return rec
}

func countRows(t *testing.T, st store.Store, sch models.Schema, recs ...*models.Record) int {
	t.Helper()
	keys := make([]models.Key, len(recs))
	for i, rec := range recs {
		k, err := rec.Key(sch)
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = k
	}
	rows, err := st.GetByKeys(context.Background(), sch, keys)
	if err != nil {
		t.Fatal(err)
	}
	return len(rows)
}

func TestApplySplitsOngoingAndTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := tasklife.NewManager(0)

	running := task("SB-001", "Lobby", 1700000000, "in_progress", nil)
	byEndTime := task("SB-001", "Atrium", 1700001000, "", int64(1700004600))
	byStatus := task("SB-001", "Cafe", 1700002000, "failed", nil)

	ongoing, terminal, err := m.Apply(ctx, st, []*models.Record{running, byEndTime, byStatus})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ongoing != 1 || terminal != 2 {
		t.Errorf("Apply = (%d ongoing, %d terminal), want (1, 2)", ongoing, terminal)
	}

	taskSch, _ := models.SchemaFor(models.KindTask)
	if n := countRows(t, st, models.OngoingTaskSchema(), running); n != 1 {
		t.Errorf("staging rows = %d, want 1", n)
	}
	// A terminal status without an end time still promotes.
	if n := countRows(t, st, taskSch, byEndTime, byStatus); n != 2 {
		t.Errorf("terminal rows = %d, want 2", n)
	}
}

func TestApplyPromotionClearsStagingRow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := tasklife.NewManager(0)

	running := task("SB-001", "Lobby", 1700000000, "in_progress", nil)
	if _, _, err := m.Apply(ctx, st, []*models.Record{running}); err != nil {
		t.Fatal(err)
	}

	done := task("SB-001", "Lobby", 1700000000, "completed", int64(1700003600))
	if _, _, err := m.Apply(ctx, st, []*models.Record{done}); err != nil {
		t.Fatal(err)
	}

	taskSch, _ := models.SchemaFor(models.KindTask)
	if n := countRows(t, st, taskSch, done); n != 1 {
		t.Error("terminal row missing after promotion")
	}
	if n := countRows(t, st, models.OngoingTaskSchema(), running); n != 0 {
		t.Error("staging row survived promotion")
	}
}

func TestSweepRemovesStaleAndOrphanedRows(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	// The sweep cutoff is wall-clock based, so the staging stamps are
	// placed relative to now.
	clock := time.Now().Add(-36 * time.Hour)
	st.Now = func() time.Time { return clock }

	mgr := store.NewManager()
	mgr.Add("db1", st)
	m := tasklife.NewManager(24 * time.Hour)

	stale := task("SB-001", "Lobby", 1700000000, "in_progress", nil)
	if _, _, err := m.Apply(ctx, st, []*models.Record{stale}); err != nil {
		t.Fatal(err)
	}

	clock = time.Now()
	fresh := task("SB-002", "Atrium", 1700100000, "in_progress", nil)
	orphan := task("ZZ-999", "Ghost", 1700100000, "in_progress", nil)
	if _, _, err := m.Apply(ctx, st, []*models.Record{fresh, orphan}); err != nil {
		t.Fatal(err)
	}

	m.Sweep(ctx, mgr, []string{"SB-001", "SB-002"})

	sch := models.OngoingTaskSchema()
	if n := countRows(t, st, sch, fresh); n != 1 {
		t.Error("fresh row swept")
	}
	if n := countRows(t, st, sch, stale, orphan); n != 0 {
		t.Error("stale or orphaned rows survived sweep")
	}
}
