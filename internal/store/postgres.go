package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetglass/fleetglass/internal/retry"
	"github.com/fleetglass/fleetglass/pkg/models"
)

// maxBatchRows caps one multi-row INSERT. Larger batches are split.
const maxBatchRows = 1000

// PostgresStore implements Store on one tenant database.
type PostgresStore struct {
	pool *pgxpool.Pool

	// Per-table locks serialize upserts so two pollers or a poller and a
	// webhook never interleave batches on the same table.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	retryCfg retry.Config
}

// NewPostgresStore connects to a tenant database and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int, connectTimeout time.Duration) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	if connectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = connectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{
		pool:     pool,
		locks:    make(map[string]*sync.Mutex),
		retryCfg: retry.DefaultConfig(),
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Migrations ──────────────────────────────────────────────

// Migrate creates the record tables from their schemas plus the derived
// tables, all idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	var ddl strings.Builder
	for _, kind := range models.Kinds() {
		sch, _ := models.SchemaFor(kind)
		writeTableDDL(&ddl, sch)
	}
	writeTableDDL(&ddl, models.OngoingTaskSchema())

	ddl.WriteString(`
CREATE TABLE IF NOT EXISTS ` + models.TableRobotRegistry + ` (
	serial     TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	vendor     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ` + models.TableNotifications + ` (
	id           TEXT PRIMARY KEY,
	serial       TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	severity     TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT '',
	icon         TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_notifications_suppress
	ON ` + models.TableNotifications + ` (serial, trigger_type, created_at);

CREATE TABLE IF NOT EXISTS ` + models.TableEventReports + ` (
	id         TEXT PRIMARY KEY,
	serial     TEXT NOT NULL,
	level      TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'open',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_reports_status
	ON ` + models.TableEventReports + ` (status, created_at);

CREATE TABLE IF NOT EXISTS ` + models.TableReportTimeline + ` (
	id         TEXT PRIMARY KEY,
	report_id  TEXT NOT NULL,
	note       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_timeline_report
	ON ` + models.TableReportTimeline + ` (report_id, created_at);

CREATE INDEX IF NOT EXISTS idx_events_serial_time
	ON ` + models.TableEvents + ` (serial, occurred_at);
CREATE INDEX IF NOT EXISTS idx_ongoing_touched
	ON ` + models.TableOngoingTasks + ` (updated_at);
`)

	_, err := s.pool.Exec(ctx, ddl.String())
	return err
}

func writeTableDDL(b *strings.Builder, sch models.Schema) {
	b.WriteString("CREATE TABLE IF NOT EXISTS " + sch.Table + " (\n")
	for _, f := range sch.Fields {
		b.WriteString("\t" + f.Name + " " + sqlType(f.Type))
		if sch.IsKey(f.Name) {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	b.WriteString("\tupdated_at BIGINT NOT NULL DEFAULT 0,\n")
	b.WriteString("\tPRIMARY KEY (" + strings.Join(sch.Key, ", ") + ")\n);\n")
}

func sqlType(t models.FieldType) string {
	switch t {
	case models.TypeInt, models.TypeTime:
		return "BIGINT"
	case models.TypeFloat, models.TypeDecimal:
		return "DOUBLE PRECISION"
	case models.TypeBool:
		return "BOOLEAN"
	case models.TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// ── Record Store ────────────────────────────────────────────

func (s *PostgresStore) GetByKeys(ctx context.Context, sch models.Schema, keys []models.Key) (map[string]*models.Record, error) {
	out := make(map[string]*models.Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	cols := sch.FieldNames()
	var sb strings.Builder
	sb.WriteString("SELECT " + strings.Join(cols, ", ") + " FROM " + sch.Table + " WHERE ")

	var args []any
	if len(sch.Key) == 1 {
		vals := make([]any, len(keys))
		for i, k := range keys {
			vals[i] = k.Values[0]
		}
		sb.WriteString(sch.Key[0] + " = ANY($1)")
		args = append(args, vals)
	} else {
		sb.WriteString("(" + strings.Join(sch.Key, ", ") + ") IN (")
		n := 1
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j, v := range k.Values {
				if j > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "$%d", n)
				n++
				args = append(args, v)
			}
			sb.WriteString(")")
		}
		sb.WriteString(")")
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", sch.Table, err)
	}
	defer rows.Close()

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", sch.Table, err)
		}
		rec := models.NewRecord(sch.Kind)
		for i, name := range cols {
			def, _ := sch.Field(name)
			rec.Set(name, dbValue(def, values[i]))
		}
		if v, ok := rec.GetString("vendor"); ok {
			rec.SetVendor(v)
		}
		k, err := rec.Key(sch)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", sch.Table, err)
		}
		out[k.String()] = rec
	}
	return out, rows.Err()
}

// dbValue narrows a scanned column back into the record value domain.
func dbValue(def models.FieldDef, v any) any {
	if v == nil {
		return nil
	}
	if def.Type == models.TypeJSON {
		if b, ok := v.([]byte); ok {
			return json.RawMessage(append([]byte(nil), b...))
		}
	}
	return models.CanonicalValue(v)
}

func (s *PostgresStore) Upsert(ctx context.Context, sch models.Schema, recs []*models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	lock := s.tableLock(sch.Table)
	lock.Lock()
	defer lock.Unlock()

	return retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin %s: %w", sch.Table, err)
		}
		defer tx.Rollback(ctx)

		if err := upsertAll(ctx, tx, sch, recs); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// execer is satisfied by both pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// upsertAll writes records grouped by field signature so every statement
// touches exactly the columns its rows carry.
func upsertAll(ctx context.Context, db execer, sch models.Schema, recs []*models.Record) error {
	groups, order := groupBySignature(recs)
	for _, sig := range order {
		group := groups[sig]
		for start := 0; start < len(group); start += maxBatchRows {
			end := start + maxBatchRows
			if end > len(group) {
				end = len(group)
			}
			if err := upsertChunk(ctx, db, sch, group[start:end]); err != nil {
				return err
			}
		}
	}
	return nil
}

func groupBySignature(recs []*models.Record) (map[string][]*models.Record, []string) {
	groups := make(map[string][]*models.Record)
	var order []string
	for _, rec := range recs {
		sig := strings.Join(rec.Fields(), ",")
		if _, ok := groups[sig]; !ok {
			order = append(order, sig)
		}
		groups[sig] = append(groups[sig], rec)
	}
	return groups, order
}

func upsertChunk(ctx context.Context, db execer, sch models.Schema, recs []*models.Record) error {
	cols := recs[0].Fields()
	width := len(cols) + 1 // plus updated_at

	var sb strings.Builder
	sb.WriteString("INSERT INTO " + sch.Table + " (" + strings.Join(cols, ", ") + ", updated_at) VALUES ")

	now := time.Now().Unix()
	args := make([]any, 0, len(recs)*width)
	for i, rec := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, name := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*width+j+1)
			if def, ok := sch.Field(name); ok && def.Type == models.TypeJSON {
				sb.WriteString("::jsonb")
			}
			v, _ := rec.Get(name)
			args = append(args, sqlArg(v))
		}
		fmt.Fprintf(&sb, ", $%d)", i*width+width)
		args = append(args, now)
	}

	var updates []string
	for _, name := range cols {
		if !sch.IsKey(name) {
			updates = append(updates, name+" = EXCLUDED."+name)
		}
	}
	if sch.InsertOnly || len(updates) == 0 {
		sb.WriteString(" ON CONFLICT (" + strings.Join(sch.Key, ", ") + ") DO NOTHING")
	} else {
		updates = append(updates, "updated_at = EXCLUDED.updated_at")
		sb.WriteString(" ON CONFLICT (" + strings.Join(sch.Key, ", ") + ") DO UPDATE SET " + strings.Join(updates, ", "))
	}

	if _, err := db.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %s (%d rows): %w", sch.Table, len(recs), err)
	}
	return nil
}

// sqlArg flattens record values into driver-friendly forms.
func sqlArg(v any) any {
	if raw, ok := v.(json.RawMessage); ok {
		return string(raw)
	}
	return v
}

func (s *PostgresStore) tableLock(table string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[table]
	if !ok {
		l = &sync.Mutex{}
		s.locks[table] = l
	}
	return l
}

// ── Task Lifecycle Store ────────────────────────────────────

func (s *PostgresStore) PromoteTasks(ctx context.Context, recs []*models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	// Both tables lock, in name order, so concurrent promotions and
	// upserts cannot deadlock.
	tables := []string{models.TableOngoingTasks, models.TableTasks}
	sort.Strings(tables)
	for _, t := range tables {
		l := s.tableLock(t)
		l.Lock()
		defer l.Unlock()
	}

	taskSch, _ := models.SchemaFor(models.KindTask)
	ongoingSch := models.OngoingTaskSchema()

	return retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin promote: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := upsertAll(ctx, tx, taskSch, recs); err != nil {
			return err
		}

		var sb strings.Builder
		sb.WriteString("DELETE FROM " + ongoingSch.Table + " WHERE (" + strings.Join(ongoingSch.Key, ", ") + ") IN (")
		var args []any
		n := 1
		for i, rec := range recs {
			k, err := rec.Key(ongoingSch)
			if err != nil {
				return err
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j, v := range k.Values {
				if j > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "$%d", n)
				n++
				args = append(args, v)
			}
			sb.WriteString(")")
		}
		sb.WriteString(")")
		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("delete promoted: %w", err)
		}
		return tx.Commit(ctx)
	})
}

func (s *PostgresStore) SweepOngoing(ctx context.Context, cutoff time.Time, knownSerials []string) (int, error) {
	query := "DELETE FROM " + models.TableOngoingTasks + " WHERE updated_at < $1"
	args := []any{cutoff.Unix()}
	if len(knownSerials) > 0 {
		query += " OR NOT (serial = ANY($2))"
		args = append(args, knownSerials)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sweep ongoing: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Registry Store ──────────────────────────────────────────

func (s *PostgresStore) UpsertRobots(ctx context.Context, robots []models.RobotInfo) error {
	if len(robots) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO " + models.TableRobotRegistry + " (serial, name, model, vendor, updated_at) VALUES ")
	args := make([]any, 0, len(robots)*5)
	now := time.Now()
	for i, r := range robots {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*5 + 1
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base, base+1, base+2, base+3, base+4)
		args = append(args, r.Serial, r.Name, r.Model, r.Vendor, now)
	}
	sb.WriteString(` ON CONFLICT (serial) DO UPDATE SET
		name = EXCLUDED.name,
		model = EXCLUDED.model,
		vendor = EXCLUDED.vendor,
		updated_at = EXCLUDED.updated_at`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

func (s *PostgresStore) GetRobot(ctx context.Context, serial string) (*models.RobotInfo, error) {
	var r models.RobotInfo
	err := s.pool.QueryRow(ctx,
		"SELECT serial, name, model, vendor, updated_at FROM "+models.TableRobotRegistry+" WHERE serial = $1",
		serial).Scan(&r.Serial, &r.Name, &r.Model, &r.Vendor, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "robot", Key: serial}
	}
	if err != nil {
		return nil, fmt.Errorf("get robot: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRobots(ctx context.Context) ([]models.RobotInfo, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT serial, name, model, vendor, updated_at FROM "+models.TableRobotRegistry+" ORDER BY serial")
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	defer rows.Close()

	var out []models.RobotInfo
	for rows.Next() {
		var r models.RobotInfo
		if err := rows.Scan(&r.Serial, &r.Name, &r.Model, &r.Vendor, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Notification Store ──────────────────────────────────────

func (s *PostgresStore) InsertNotification(ctx context.Context, n *models.Notification) error {
	id := n.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+models.TableNotifications+`
			(id, serial, trigger_type, severity, title, message, icon, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, n.Serial, string(n.Trigger), string(n.Severity), n.Title, n.Message, n.Icon, createdAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, serial string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, serial, trigger_type, severity, title, message, icon, created_at
		FROM ` + models.TableNotifications
	args := []any{}
	if serial != "" {
		query += " WHERE serial = $1 ORDER BY created_at DESC LIMIT $2"
		args = append(args, serial, limit)
	} else {
		query += " ORDER BY created_at DESC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var trigger, severity string
		if err := rows.Scan(&n.ID, &n.Serial, &trigger, &severity, &n.Title, &n.Message, &n.Icon, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Trigger = models.Trigger(trigger)
		n.Severity = models.Severity(severity)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastNotified(ctx context.Context, serial string, trigger models.Trigger) (time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		"SELECT MAX(created_at) FROM "+models.TableNotifications+" WHERE serial = $1 AND trigger_type = $2",
		serial, string(trigger)).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("last notified: %w", err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

// ── Report Store ────────────────────────────────────────────

func (s *PostgresStore) InsertReport(ctx context.Context, r *models.EventReport) error {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := r.Status
	if status == "" {
		status = models.ReportOpen
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+models.TableEventReports+`
			(id, serial, level, title, detail, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, r.Serial, string(r.Level), r.Title, r.Detail, status, createdAt)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendReportEntry(ctx context.Context, e *models.ReportEntry) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM "+models.TableEventReports+" WHERE id = $1)",
		e.ReportID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check report: %w", err)
	}
	if !exists {
		return &ErrNotFound{Entity: "report", Key: e.ReportID}
	}

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO "+models.TableReportTimeline+" (id, report_id, note, created_at) VALUES ($1, $2, $3, $4)",
		id, e.ReportID, e.Note, createdAt)
	if err != nil {
		return fmt.Errorf("append report entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOpenReports(ctx context.Context, limit int) ([]models.EventReport, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, serial, level, title, detail, status, created_at
		FROM `+models.TableEventReports+`
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		models.ReportOpen, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []models.EventReport
	for rows.Next() {
		var r models.EventReport
		var level string
		if err := rows.Scan(&r.ID, &r.Serial, &level, &r.Title, &r.Detail, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Level = models.EventLevel(level)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
