// Package pipeline wires the ingestion stages together: normalize, partition
// by database, detect changes, write, reconcile task lifecycle, notify. The
// poller and the webhook ingress both feed it; every stage boundary returns
// per-record outcomes so one bad record never sinks its batch.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetglass/fleetglass/internal/detect"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/normalize"
	"github.com/fleetglass/fleetglass/internal/notify"
	"github.com/fleetglass/fleetglass/internal/routing"
	"github.com/fleetglass/fleetglass/internal/store"
	"github.com/fleetglass/fleetglass/internal/tasklife"
	"github.com/fleetglass/fleetglass/pkg/models"
)

// Summary counts what happened to one batch.
type Summary struct {
	Created   int
	Updated   int
	Unchanged int
	Dropped   int
	Triggers  int
}

// Add folds another summary into this one.
func (s *Summary) Add(o Summary) {
	s.Created += o.Created
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
	s.Dropped += o.Dropped
	s.Triggers += o.Triggers
}

// Total returns the number of records accounted for.
func (s Summary) Total() int {
	return s.Created + s.Updated + s.Unchanged + s.Dropped
}

// Processor runs record batches through the pipeline stages.
type Processor struct {
	resolver *routing.Resolver
	stores   *store.Manager
	detector *detect.Detector
	tasks    *tasklife.Manager
	notifier *notify.Engine
}

// NewProcessor assembles the pipeline.
func NewProcessor(resolver *routing.Resolver, stores *store.Manager, tasks *tasklife.Manager, notifier *notify.Engine) *Processor {
	return &Processor{
		resolver: resolver,
		stores:   stores,
		detector: detect.New(),
		tasks:    tasks,
		notifier: notifier,
	}
}

// Process normalizes a single-kind batch, partitions it by database, and
// runs each partition through detection, persistence, and notification.
// Records for unrouted serials are dropped with a warning.
func (p *Processor) Process(ctx context.Context, recs []*models.Record) Summary {
	var sum Summary
	if len(recs) == 0 {
		return sum
	}

	valid := normalize.Records(recs)
	sum.Dropped += len(recs) - len(valid)

	byDB := p.resolver.PartitionRecords(valid)
	routed := 0
	for _, part := range byDB {
		routed += len(part)
	}
	sum.Dropped += len(valid) - routed

	names := make([]string, 0, len(byDB))
	for name := range byDB {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		part, err := p.processBatch(ctx, name, byDB[name])
		if err != nil {
			log.Error().Err(err).
				Str("database", name).
				Str("kind", string(recs[0].Kind())).
				Int("records", len(byDB[name])).
				Msg("Batch failed")
			part.Dropped += len(byDB[name]) - part.Total()
		}
		sum.Add(part)
	}
	return sum
}

// ProcessNormalized runs already-normalized records against one known
// database. The webhook ingress uses it after routing the single record
// itself, and the poller uses it for account-level records like locations.
func (p *Processor) ProcessNormalized(ctx context.Context, database string, recs []*models.Record) (Summary, error) {
	return p.processBatch(ctx, database, recs)
}

// SweepTasks runs the ongoing-task sweep across every database.
func (p *Processor) SweepTasks(ctx context.Context, knownSerials []string) {
	p.tasks.Sweep(ctx, p.stores, knownSerials)
}

// processBatch handles one (database, kind) batch: detect, write changed
// rows, emit triggers. All records must share a kind.
func (p *Processor) processBatch(ctx context.Context, database string, recs []*models.Record) (Summary, error) {
	var sum Summary
	if len(recs) == 0 {
		return sum, nil
	}
	kind := recs[0].Kind()
	sch, ok := models.SchemaFor(kind)
	if !ok {
		return sum, fmt.Errorf("no schema for kind %q", kind)
	}
	st, ok := p.stores.Get(database)
	if !ok {
		return sum, fmt.Errorf("no store for database %q", database)
	}

	start := time.Now()
	defer func() {
		metrics.BatchDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	transitions, err := p.detector.Detect(ctx, st, database, recs)
	if err != nil {
		return sum, fmt.Errorf("detect: %w", err)
	}

	// Only changed rows are written; re-polled overlap windows cost reads,
	// not writes. Tasks always write so the staging table stays refreshed
	// for the sweep.
	var toWrite []*models.Record
	for i := range transitions {
		switch transitions[i].Change {
		case models.ChangeCreated:
			sum.Created++
			toWrite = append(toWrite, transitions[i].Record)
		case models.ChangeUpdated:
			sum.Updated++
			toWrite = append(toWrite, transitions[i].Record)
		default:
			sum.Unchanged++
			if kind == models.KindTask {
				toWrite = append(toWrite, transitions[i].Record)
			}
		}
	}

	if len(toWrite) > 0 {
		if kind == models.KindTask {
			if _, _, err := p.tasks.Apply(ctx, st, toWrite); err != nil {
				return sum, err
			}
		} else if err := st.Upsert(ctx, sch, toWrite); err != nil {
			return sum, fmt.Errorf("write %s: %w", sch.Table, err)
		}
	}

	metrics.RecordsTotal.WithLabelValues(string(kind), "created").Add(float64(sum.Created))
	metrics.RecordsTotal.WithLabelValues(string(kind), "updated").Add(float64(sum.Updated))
	metrics.RecordsTotal.WithLabelValues(string(kind), "unchanged").Add(float64(sum.Unchanged))

	events := detect.Triggers(transitions)
	sum.Triggers = len(events)
	if len(events) > 0 && p.notifier != nil {
		p.notifier.Publish(ctx, events)
	}
	return sum, nil
}
