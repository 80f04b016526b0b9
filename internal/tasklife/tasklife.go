// Package tasklife manages the two-table task lifecycle. Tasks without an
// end time stage in the ongoing table; once an end time appears the row is
// promoted to the terminal table and the staging row is removed, both inside
// one transaction, so a task never exists in both tables after a batch
// settles. A periodic sweep clears staging rows whose completion signal was
// missed or whose robot left the catalog.
package tasklife

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetglass/fleetglass/internal/store"
	"github.com/fleetglass/fleetglass/pkg/models"
)

// DefaultMaxAge is how long an ongoing row may go unrefreshed before the
// sweep assumes its completion signal was lost.
const DefaultMaxAge = 24 * time.Hour

// Manager applies task batches and runs the staging sweep.
type Manager struct {
	maxAge time.Duration
}

// NewManager creates a lifecycle manager. maxAge <= 0 takes the default.
func NewManager(maxAge time.Duration) *Manager {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Manager{maxAge: maxAge}
}

// Apply writes one database's task batch: ongoing tasks upsert into the
// staging table, terminal tasks promote into the terminal table and clear
// their staging rows. Returns how many records took each path.
func (m *Manager) Apply(ctx context.Context, st store.Store, recs []*models.Record) (ongoing, terminal int, err error) {
	var stage, promote []*models.Record
	for _, rec := range recs {
		if isTerminal(rec) {
			promote = append(promote, rec)
		} else {
			stage = append(stage, rec)
		}
	}

	if len(stage) > 0 {
		if err := st.Upsert(ctx, models.OngoingTaskSchema(), stage); err != nil {
			return 0, 0, fmt.Errorf("stage ongoing tasks: %w", err)
		}
	}
	if len(promote) > 0 {
		if err := st.PromoteTasks(ctx, promote); err != nil {
			return len(stage), 0, fmt.Errorf("promote tasks: %w", err)
		}
	}
	return len(stage), len(promote), nil
}

// Sweep removes staging rows older than the configured maximum or belonging
// to serials no longer routed. Runs once per poll run.
func (m *Manager) Sweep(ctx context.Context, manager *store.Manager, knownSerials []string) {
	cutoff := time.Now().Add(-m.maxAge)
	for _, name := range manager.Names() {
		st, ok := manager.Get(name)
		if !ok {
			continue
		}
		removed, err := st.SweepOngoing(ctx, cutoff, knownSerials)
		if err != nil {
			log.Warn().Err(err).Str("database", name).Msg("Ongoing-task sweep failed")
			continue
		}
		if removed > 0 {
			log.Info().
				Str("database", name).
				Int("removed", removed).
				Msg("Swept stale ongoing tasks")
		}
	}
}

// isTerminal reports whether the task record has finished: an end time is
// the authoritative signal, a terminal status counts even when the vendor
// omitted the end time.
func isTerminal(rec *models.Record) bool {
	if v, ok := rec.Get("end_time"); ok && v != nil {
		return true
	}
	status, _ := rec.GetString("status")
	return models.TaskStatus(status).IsTerminal()
}
