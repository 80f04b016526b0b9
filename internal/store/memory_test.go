package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/fleetglass/fleetglass/internal/store"
	"github.com/fleetglass/fleetglass/pkg/models"
)

func stateRecord(serial string, battery int64, state string) *models.Record {
	rec := models.NewRecord(models.KindRobotState)
	rec.SetVendor("sweepbot")
	rec.Set("serial", serial)
	rec.Set("state", state)
	rec.Set("battery", battery)
	return rec
}

func taskRecord(serial, name string, start int64, status string, end any) *models.Record {
	rec := models.NewRecord(models.KindTask)
	rec.SetVendor("sweepbot")
	rec.Set("serial", serial)
	rec.Set("task_name", name)
	rec.Set("start_time", start)
	rec.Set("status", status)
	if end != nil {
		rec.Set("end_time", end)
	}
	return rec
}

func TestUpsertMergesPresentFieldsOnly(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	sch, _ := models.SchemaFor(models.KindRobotState)

	full := stateRecord("SB-001", 80, "working")
	full.Set("map_id", "floor-2")
	if err := m.Upsert(ctx, sch, []*models.Record{full}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Second write omits map_id; it must survive the merge.
	partial := stateRecord("SB-001", 74, "working")
	if err := m.Upsert(ctx, sch, []*models.Record{partial}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	k, _ := partial.Key(sch)
	rows, err := m.GetByKeys(ctx, sch, []models.Key{k})
	if err != nil {
		t.Fatalf("GetByKeys: %v", err)
	}
	got := rows[k.String()]
	if got == nil {
		t.Fatal("row missing after upsert")
	}
	if b, _ := got.GetInt("battery"); b != 74 {
		t.Errorf("battery = %d, want 74", b)
	}
	if mid, _ := got.GetString("map_id"); mid != "floor-2" {
		t.Errorf("map_id = %q, want floor-2 (absent field overwrote stored value)", mid)
	}
}

func TestUpsertInsertOnlyDropsDuplicates(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	sch, _ := models.SchemaFor(models.KindEvent)

	ev := models.NewRecord(models.KindEvent)
	ev.Set("serial", "SB-001")
	ev.Set("event_id", "E-1")
	ev.Set("level", "error")
	if err := m.Upsert(ctx, sch, []*models.Record{ev}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	dup := models.NewRecord(models.KindEvent)
	dup.Set("serial", "SB-001")
	dup.Set("event_id", "E-1")
	dup.Set("level", "info")
	if err := m.Upsert(ctx, sch, []*models.Record{dup}); err != nil {
		t.Fatalf("Upsert duplicate: %v", err)
	}

	k, _ := ev.Key(sch)
	rows, _ := m.GetByKeys(ctx, sch, []models.Key{k})
	if lvl, _ := rows[k.String()].GetString("level"); lvl != "error" {
		t.Errorf("level = %q, want original error (insert-only row was updated)", lvl)
	}
}

func TestPromoteTasksMovesStagingRows(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	ongoing := models.OngoingTaskSchema()
	taskSch, _ := models.SchemaFor(models.KindTask)

	staged := taskRecord("SB-001", "Lobby", 1700000000, "in_progress", nil)
	if err := m.Upsert(ctx, ongoing, []*models.Record{staged}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	terminal := taskRecord("SB-001", "Lobby", 1700000000, "completed", int64(1700003600))
	if err := m.PromoteTasks(ctx, []*models.Record{terminal}); err != nil {
		t.Fatalf("PromoteTasks: %v", err)
	}

	k, _ := terminal.Key(taskSch)
	rows, _ := m.GetByKeys(ctx, taskSch, []models.Key{k})
	if rows[k.String()] == nil {
		t.Fatal("terminal row missing from tasks table")
	}
	stagedRows, _ := m.GetByKeys(ctx, ongoing, []models.Key{k})
	if len(stagedRows) != 0 {
		t.Error("staging row survived promotion")
	}
}

func TestSweepOngoingByAgeAndOrphan(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	ongoing := models.OngoingTaskSchema()

	clock := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return clock }

	old := taskRecord("SB-001", "Lobby", 1700000000, "in_progress", nil)
	if err := m.Upsert(ctx, ongoing, []*models.Record{old}); err != nil {
		t.Fatal(err)
	}

	clock = clock.Add(48 * time.Hour)
	fresh := taskRecord("SB-002", "Atrium", 1700100000, "in_progress", nil)
	orphan := taskRecord("ZZ-999", "Ghost", 1700100000, "in_progress", nil)
	if err := m.Upsert(ctx, ongoing, []*models.Record{fresh, orphan}); err != nil {
		t.Fatal(err)
	}

	cutoff := clock.Add(-24 * time.Hour)
	removed, err := m.SweepOngoing(ctx, cutoff, []string{"SB-001", "SB-002"})
	if err != nil {
		t.Fatalf("SweepOngoing: %v", err)
	}
	// old is stale, orphan's serial is unrouted; fresh survives.
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	k, _ := fresh.Key(ongoing)
	rows, _ := m.GetByKeys(ctx, ongoing, []models.Key{k})
	if rows[k.String()] == nil {
		t.Error("fresh staging row was swept")
	}
}

func TestRobotRegistry(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	if err := m.UpsertRobots(ctx, []models.RobotInfo{
		{Serial: "SB-001", Name: "Lobby Bot", Vendor: "sweepbot"},
		{Serial: "NX-200", Name: "Atrium Bot", Vendor: "nexbot"},
	}); err != nil {
		t.Fatalf("UpsertRobots: %v", err)
	}

	r, err := m.GetRobot(ctx, "SB-001")
	if err != nil {
		t.Fatalf("GetRobot: %v", err)
	}
	if r.Name != "Lobby Bot" {
		t.Errorf("name = %q", r.Name)
	}

	if _, err := m.GetRobot(ctx, "ZZ-999"); err == nil {
		t.Error("GetRobot returned a row for an unknown serial")
	}

	all, err := m.ListRobots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Serial != "NX-200" {
		t.Errorf("ListRobots = %v, want sorted by serial", all)
	}
}

func TestLastNotifiedTracksLatest(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{base, base.Add(10 * time.Minute)} {
		n := &models.Notification{
			ID:        string(rune('a' + i)),
			Serial:    "SB-001",
			Trigger:   models.TriggerBatteryLow,
			Severity:  models.SeverityWarning,
			Title:     "Battery low",
			CreatedAt: at,
		}
		if err := m.InsertNotification(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	last, err := m.LastNotified(ctx, "SB-001", models.TriggerBatteryLow)
	if err != nil {
		t.Fatal(err)
	}
	if !last.Equal(base.Add(10 * time.Minute)) {
		t.Errorf("LastNotified = %v, want latest", last)
	}

	never, err := m.LastNotified(ctx, "SB-001", models.TriggerRobotOffline)
	if err != nil {
		t.Fatal(err)
	}
	if !never.IsZero() {
		t.Errorf("LastNotified for unseen trigger = %v, want zero", never)
	}
}

func TestReportsAndTimeline(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	rep := &models.EventReport{
		ID:     "rep-1",
		Serial: "SB-001",
		Level:  models.LevelFatal,
		Title:  "Incident on SB-001",
	}
	if err := m.InsertReport(ctx, rep); err != nil {
		t.Fatalf("InsertReport: %v", err)
	}
	if err := m.AppendReportEntry(ctx, &models.ReportEntry{
		ID:       "ent-1",
		ReportID: "rep-1",
		Note:     "Incident opened from fatal event E-1",
	}); err != nil {
		t.Fatalf("AppendReportEntry: %v", err)
	}
	if err := m.AppendReportEntry(ctx, &models.ReportEntry{
		ID:       "ent-2",
		ReportID: "missing",
		Note:     "x",
	}); err == nil {
		t.Error("AppendReportEntry accepted an unknown report")
	}

	open, err := m.ListOpenReports(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Status != models.ReportOpen {
		t.Errorf("ListOpenReports = %v", open)
	}
}
