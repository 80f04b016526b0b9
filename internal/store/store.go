// Package store provides per-tenant storage for telemetry records and the
// rows derived from them. Each tenant database gets one Store; the Manager
// owns the set and resolves serials to the right one through the routing
// catalog.
package store

import (
	"context"
	"time"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// Store is the storage interface for one tenant database. Pipeline and
// webhook code depend on this interface, making it easy to swap between
// in-memory (tests, dry runs) and PostgreSQL (production) implementations.
type Store interface {
	RecordStore
	TaskLifecycleStore
	RegistryStore
	NotificationStore
	ReportStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates missing tables and indexes.
	Migrate(ctx context.Context) error
}

// ── Record Store ────────────────────────────────────────────

// RecordStore reads and writes the five telemetry tables plus the ongoing
// staging table, driven entirely by record schemas.
type RecordStore interface {
	// GetByKeys fetches stored rows for the given keys, returned as
	// records indexed by Key.String(). Missing keys are simply absent.
	GetByKeys(ctx context.Context, sch models.Schema, keys []models.Key) (map[string]*models.Record, error)

	// Upsert writes records in batches: one transaction per call, rows
	// grouped by column signature so absent fields never overwrite
	// stored values. Insert-only schemas drop conflicting rows instead
	// of updating them.
	Upsert(ctx context.Context, sch models.Schema, recs []*models.Record) error
}

// ── Task Lifecycle Store ────────────────────────────────────

// TaskLifecycleStore moves tasks between the ongoing staging table and the
// terminal tasks table.
type TaskLifecycleStore interface {
	// PromoteTasks writes terminal task records into the tasks table and
	// removes their staging rows in a single transaction.
	PromoteTasks(ctx context.Context, recs []*models.Record) error

	// SweepOngoing deletes staging rows not refreshed since the cutoff,
	// plus rows whose serial is not in knownSerials (an empty slice skips
	// the serial check). Returns how many rows were removed.
	SweepOngoing(ctx context.Context, cutoff time.Time, knownSerials []string) (int, error)
}

// ── Registry Store ──────────────────────────────────────────

// RegistryStore maintains the serial → identity registry fed by robot
// listings.
type RegistryStore interface {
	UpsertRobots(ctx context.Context, robots []models.RobotInfo) error
	GetRobot(ctx context.Context, serial string) (*models.RobotInfo, error)
	ListRobots(ctx context.Context) ([]models.RobotInfo, error)
}

// ── Notification Store ──────────────────────────────────────

// NotificationStore persists rendered notifications. LastNotified answers
// suppression checks from the same rows, so suppression state survives
// restarts.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, serial string, limit int) ([]models.Notification, error)

	// LastNotified returns when a (serial, trigger) pair last produced a
	// notification; the zero time when it never has.
	LastNotified(ctx context.Context, serial string, trigger models.Trigger) (time.Time, error)
}

// ── Report Store ────────────────────────────────────────────

// ReportStore persists incident reports opened from fatal and error events,
// with an append-only timeline per report.
type ReportStore interface {
	InsertReport(ctx context.Context, r *models.EventReport) error
	AppendReportEntry(ctx context.Context, e *models.ReportEntry) error
	ListOpenReports(ctx context.Context, limit int) ([]models.EventReport, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested row does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
