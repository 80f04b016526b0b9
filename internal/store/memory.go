package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// MemoryStore implements Store with in-memory maps. Used in tests and for
// webhook-only dry runs where no tenant database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	tables  map[string]map[string]*models.Record // table → key → record
	touched map[string]map[string]time.Time      // table → key → last upsert

	robots        map[string]models.RobotInfo
	notifications []models.Notification
	reports       map[string]*models.EventReport
	reportEntries []models.ReportEntry

	// Now is the clock; tests may replace it.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:  make(map[string]map[string]*models.Record),
		touched: make(map[string]map[string]time.Time),
		robots:  make(map[string]models.RobotInfo),
		reports: make(map[string]*models.EventReport),
		Now:     time.Now,
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (m *MemoryStore) Close() error                      { return nil }
func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

// ── Record Store ────────────────────────────────────────────

func (m *MemoryStore) GetByKeys(ctx context.Context, sch models.Schema, keys []models.Key) (map[string]*models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*models.Record, len(keys))
	table := m.tables[sch.Table]
	if table == nil {
		return out, nil
	}
	for _, k := range keys {
		if rec, ok := table[k.String()]; ok {
			out[k.String()] = rec.Clone()
		}
	}
	return out, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, sch models.Schema, recs []*models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(sch, recs)
}

func (m *MemoryStore) upsertLocked(sch models.Schema, recs []*models.Record) error {
	table := m.tables[sch.Table]
	if table == nil {
		table = make(map[string]*models.Record)
		m.tables[sch.Table] = table
	}
	stamps := m.touched[sch.Table]
	if stamps == nil {
		stamps = make(map[string]time.Time)
		m.touched[sch.Table] = stamps
	}

	now := m.Now()
	for _, rec := range recs {
		k, err := rec.Key(sch)
		if err != nil {
			return err
		}
		id := k.String()
		existing, ok := table[id]
		if ok && sch.InsertOnly {
			continue
		}
		if ok {
			// Merge present fields; absent fields keep stored values.
			for _, name := range rec.Fields() {
				v, _ := rec.Get(name)
				existing.Set(name, v)
			}
		} else {
			table[id] = rec.Clone()
		}
		stamps[id] = now
	}
	return nil
}

// ── Task Lifecycle Store ────────────────────────────────────

func (m *MemoryStore) PromoteTasks(ctx context.Context, recs []*models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	taskSch, _ := models.SchemaFor(models.KindTask)
	if err := m.upsertLocked(taskSch, recs); err != nil {
		return err
	}

	ongoing := m.tables[models.TableOngoingTasks]
	stamps := m.touched[models.TableOngoingTasks]
	ongoingSch := models.OngoingTaskSchema()
	for _, rec := range recs {
		k, err := rec.Key(ongoingSch)
		if err != nil {
			return err
		}
		delete(ongoing, k.String())
		delete(stamps, k.String())
	}
	return nil
}

func (m *MemoryStore) SweepOngoing(ctx context.Context, cutoff time.Time, knownSerials []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := make(map[string]bool, len(knownSerials))
	for _, s := range knownSerials {
		known[s] = true
	}

	ongoing := m.tables[models.TableOngoingTasks]
	stamps := m.touched[models.TableOngoingTasks]
	removed := 0
	for id, rec := range ongoing {
		stale := stamps[id].Before(cutoff)
		orphaned := len(known) > 0 && !known[rec.Serial()]
		if stale || orphaned {
			delete(ongoing, id)
			delete(stamps, id)
			removed++
		}
	}
	return removed, nil
}

// ── Registry Store ──────────────────────────────────────────

func (m *MemoryStore) UpsertRobots(ctx context.Context, robots []models.RobotInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	for _, r := range robots {
		r.UpdatedAt = now
		m.robots[r.Serial] = r
	}
	return nil
}

func (m *MemoryStore) GetRobot(ctx context.Context, serial string) (*models.RobotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.robots[serial]
	if !ok {
		return nil, &ErrNotFound{Entity: "robot", Key: serial}
	}
	return &r, nil
}

func (m *MemoryStore) ListRobots(ctx context.Context) ([]models.RobotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RobotInfo, 0, len(m.robots))
	for _, r := range m.robots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

// ── Notification Store ──────────────────────────────────────

func (m *MemoryStore) InsertNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *n
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.Now()
	}
	m.notifications = append(m.notifications, stored)
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, serial string, limit int) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if serial != "" && n.Serial != serial {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) LastNotified(ctx context.Context, serial string, trigger models.Trigger) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	for _, n := range m.notifications {
		if n.Serial == serial && n.Trigger == trigger && n.CreatedAt.After(last) {
			last = n.CreatedAt
		}
	}
	return last, nil
}

// ── Report Store ────────────────────────────────────────────

func (m *MemoryStore) InsertReport(ctx context.Context, r *models.EventReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *r
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.Now()
	}
	if stored.Status == "" {
		stored.Status = models.ReportOpen
	}
	m.reports[stored.ID] = &stored
	return nil
}

func (m *MemoryStore) AppendReportEntry(ctx context.Context, e *models.ReportEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[e.ReportID]; !ok {
		return &ErrNotFound{Entity: "report", Key: e.ReportID}
	}
	stored := *e
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.Now()
	}
	m.reportEntries = append(m.reportEntries, stored)
	return nil
}

func (m *MemoryStore) ListOpenReports(ctx context.Context, limit int) ([]models.EventReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EventReport
	for _, r := range m.reports {
		if r.Status == models.ReportOpen {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
