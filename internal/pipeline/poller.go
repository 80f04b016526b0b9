package pipeline

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fleetglass/fleetglass/internal/catalog"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/normalize"
	"github.com/fleetglass/fleetglass/internal/retry"
	"github.com/fleetglass/fleetglass/internal/routing"
	"github.com/fleetglass/fleetglass/internal/store"
	"github.com/fleetglass/fleetglass/internal/vendors"
	"github.com/fleetglass/fleetglass/pkg/models"
)

// DefaultInterval is the polling cadence.
const DefaultInterval = 5 * time.Minute

// backpressureFactor times the worker count is the inflight ceiling; above
// it a tick is skipped with a saturation warning.
const backpressureFactor = 4

// Poller runs the periodic fetch across every (tenant, vendor) account.
type Poller struct {
	cat      *catalog.Catalog
	registry *vendor.Registry
	resolver *routing.Resolver
	stores   *store.Manager
	proc     *Processor
	health   *HealthTracker

	interval time.Duration
	workers  int
	retryCfg retry.Config
	tracer   trace.Tracer

	inflight atomic.Int64
}

// NewPoller builds the poller. workers <= 0 takes min(8, NumCPU); the fetch
// load is I/O-bound, so more workers than cores rarely helps.
func NewPoller(cat *catalog.Catalog, registry *vendor.Registry, resolver *routing.Resolver, stores *store.Manager, proc *Processor, health *HealthTracker, interval time.Duration, workers int) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > 8 {
			workers = 8
		}
	}
	cfg := retry.DefaultConfig()
	cfg.Retryable = vendor.Retryable
	return &Poller{
		cat:      cat,
		registry: registry,
		resolver: resolver,
		stores:   stores,
		proc:     proc,
		health:   health,
		interval: interval,
		workers:  workers,
		retryCfg: cfg,
		tracer:   otel.Tracer("fleetglass/poller"),
	}
}

// Run polls on the configured interval until ctx is cancelled. The first
// run starts immediately. Runs are dispatched asynchronously, so a slow
// run never blocks the tick after it; fetch phases of consecutive runs may
// overlap, and the saturation guard in runOnce bounds how far they pile up.
func (p *Poller) Run(ctx context.Context) {
	log.Info().
		Dur("interval", p.interval).
		Int("workers", p.workers).
		Int("accounts", p.registry.Len()).
		Msg("Poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	go p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Poller stopped")
			return
		case <-ticker.C:
			go p.runOnce(ctx)
		}
	}
}

// runOnce executes one poll run. The fetch window reaches back two
// intervals so one missed run leaves no gap; overlap is safe because the
// pipeline is idempotent.
func (p *Poller) runOnce(ctx context.Context) {
	if p.inflight.Load() >= int64(p.workers*backpressureFactor) {
		log.Warn().
			Int64("inflight", p.inflight.Load()).
			Int("workers", p.workers).
			Msg("Poller saturated; skipping tick")
		metrics.PollRunsTotal.WithLabelValues("skipped").Inc()
		return
	}

	runID := uuid.NewString()
	end := time.Now().UTC()
	win := vendor.Window{Start: end.Add(-2 * p.interval), End: end}

	ctx, span := p.tracer.Start(ctx, "poll.run",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	start := time.Now()
	var partial atomic.Bool

	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for _, ta := range p.cat.Accounts() {
		if ctx.Err() != nil {
			break
		}
		ta := ta
		g.Go(func() error {
			p.inflight.Add(1)
			metrics.QueueDepth.Set(float64(p.inflight.Load()))
			defer func() {
				p.inflight.Add(-1)
				metrics.QueueDepth.Set(float64(p.inflight.Load()))
			}()
			if !p.fetchGroup(ctx, ta, win, runID) {
				partial.Store(true)
			}
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		metrics.PollRunsTotal.WithLabelValues("cancelled").Inc()
		return
	}

	p.proc.SweepTasks(ctx, p.cat.Serials())

	result := "ok"
	if partial.Load() {
		result = "partial"
	}
	metrics.PollRunsTotal.WithLabelValues(result).Inc()
	log.Info().
		Str("run_id", runID).
		Str("result", result).
		Time("window_start", win.Start).
		Time("window_end", win.End).
		Dur("elapsed", time.Since(start)).
		Msg("Poll run complete")
}

// groupFetch is the four parallel fetch results for one account.
type groupFetch struct {
	states   []*models.Record
	tasks    []*models.Record
	charging []*models.Record
	events   []*models.Record
}

// fetchGroup handles one (tenant, vendor) account end to end: list robots,
// fetch the four record kinds in parallel, then process them in per-serial
// order state → tasks → charging → events. Returns false when anything in
// the group failed permanently.
func (p *Poller) fetchGroup(ctx context.Context, ta catalog.TenantAccount, win vendor.Window, runID string) bool {
	vendorName := ta.Account.Vendor
	adapter, err := p.registry.Get(ta.Tenant, vendorName)
	if err != nil {
		log.Error().Err(err).
			Str("tenant", ta.Tenant).
			Str("vendor", vendorName).
			Msg("No adapter for account")
		p.health.RecordFailure(ta.Tenant, vendorName, "config", err.Error())
		return false
	}

	serials, ok := p.syncRobots(ctx, ta, adapter)
	if !ok {
		return false
	}
	if len(serials) == 0 {
		p.health.RecordSuccess(ta.Tenant, vendorName)
		return true
	}

	// The four fetches run in parallel and may fail in parallel; the
	// failure flag must be atomic.
	var fetched groupFetch
	var failed atomic.Bool
	g := new(errgroup.Group)
	g.Go(func() error {
		recs, ok := p.fetchStates(ctx, ta, adapter, serials)
		fetched.states = recs
		if !ok {
			failed.Store(true)
		}
		return nil
	})
	g.Go(func() error {
		recs, ok := p.fetchWindowed(ctx, ta, adapter, vendor.CapTasks, serials, win, adapter.Tasks)
		fetched.tasks = recs
		if !ok {
			failed.Store(true)
		}
		return nil
	})
	g.Go(func() error {
		recs, ok := p.fetchWindowed(ctx, ta, adapter, vendor.CapCharging, serials, win, adapter.ChargingSessions)
		fetched.charging = recs
		if !ok {
			failed.Store(true)
		}
		return nil
	})
	g.Go(func() error {
		recs, ok := p.fetchWindowed(ctx, ta, adapter, vendor.CapEvents, serials, win, adapter.Events)
		fetched.events = recs
		if !ok {
			failed.Store(true)
		}
		return nil
	})
	g.Wait()

	if ctx.Err() != nil {
		// Cancelled mid-group: completed fetches are discarded unwritten.
		return false
	}

	// Processing order is the ordering guarantee: for any serial, state
	// lands before its tasks, tasks before charging, charging before
	// events.
	var sum Summary
	sum.Add(p.proc.Process(ctx, fetched.states))
	sum.Add(p.proc.Process(ctx, fetched.tasks))
	sum.Add(p.proc.Process(ctx, fetched.charging))
	sum.Add(p.proc.Process(ctx, fetched.events))

	groupOK := !failed.Load()
	if !p.syncLocations(ctx, ta, adapter) {
		groupOK = false
	}

	if groupOK {
		p.health.RecordSuccess(ta.Tenant, vendorName)
	} else {
		log.Warn().
			Str("tenant", ta.Tenant).
			Str("vendor", vendorName).
			Str("run_id", runID).
			Msg("Fetch group completed partially")
	}
	log.Info().
		Str("tenant", ta.Tenant).
		Str("vendor", vendorName).
		Str("run_id", runID).
		Int("serials", len(serials)).
		Int("created", sum.Created).
		Int("updated", sum.Updated).
		Int("unchanged", sum.Unchanged).
		Int("dropped", sum.Dropped).
		Int("triggers", sum.Triggers).
		Msg("Fetch group processed")
	return groupOK
}

// syncRobots lists the account's robots, refreshes the per-database
// registry, and returns the routed serials. Serials absent from the routing
// table are skipped; the vendor listing robots we have not onboarded is
// normal.
func (p *Poller) syncRobots(ctx context.Context, ta catalog.TenantAccount, adapter vendor.Adapter) ([]string, bool) {
	var robots []models.RobotInfo
	err := retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
		var err error
		robots, err = adapter.ListRobots(ctx)
		return err
	})
	if err != nil {
		p.recordFetchFailure(ta, "list_robots", err)
		return nil, false
	}

	byDB := p.resolver.PartitionRobots(robots)
	var serials []string
	for name, part := range byDB {
		st, ok := p.stores.Get(name)
		if !ok {
			continue
		}
		if err := st.UpsertRobots(ctx, part); err != nil {
			log.Warn().Err(err).
				Str("database", name).
				Msg("Robot registry refresh failed")
		}
		for _, r := range part {
			serials = append(serials, r.Serial)
		}
	}
	if skipped := len(robots) - len(serials); skipped > 0 {
		log.Debug().
			Str("tenant", ta.Tenant).
			Str("vendor", ta.Account.Vendor).
			Int("skipped", skipped).
			Msg("Vendor listed unrouted robots")
	}
	return serials, true
}

// fetchStates fetches the per-robot state snapshots sequentially. One
// failing serial does not stop the rest.
func (p *Poller) fetchStates(ctx context.Context, ta catalog.TenantAccount, adapter vendor.Adapter, serials []string) ([]*models.Record, bool) {
	if !vendor.Supports(adapter, vendor.CapStates) {
		p.health.RecordSkipped(ta.Tenant, ta.Account.Vendor, string(vendor.CapStates))
		return nil, true
	}
	var out []*models.Record
	ok := true
	for _, serial := range serials {
		if ctx.Err() != nil {
			return out, false
		}
		var rec *models.Record
		err := retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
			var err error
			rec, err = adapter.RobotState(ctx, serial)
			return err
		})
		if err != nil {
			p.recordFetchFailure(ta, "state "+serial, err)
			ok = false
			continue
		}
		out = append(out, rec)
	}
	return out, ok
}

// fetchWindowed fetches one windowed capability for every serial.
func (p *Poller) fetchWindowed(ctx context.Context, ta catalog.TenantAccount, adapter vendor.Adapter, cap vendor.Capability, serials []string, win vendor.Window, fetch func(context.Context, string, vendor.Window) ([]*models.Record, error)) ([]*models.Record, bool) {
	if !vendor.Supports(adapter, cap) {
		p.health.RecordSkipped(ta.Tenant, ta.Account.Vendor, string(cap))
		return nil, true
	}
	var out []*models.Record
	ok := true
	for _, serial := range serials {
		if ctx.Err() != nil {
			return out, false
		}
		var recs []*models.Record
		err := retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
			var err error
			recs, err = fetch(ctx, serial, win)
			return err
		})
		if err != nil {
			p.recordFetchFailure(ta, string(cap)+" "+serial, err)
			ok = false
			continue
		}
		out = append(out, recs...)
	}
	return out, ok
}

// syncLocations refreshes the account's site hierarchy once per run.
// Location rows carry no serial, so they replicate into every database the
// tenant owns.
func (p *Poller) syncLocations(ctx context.Context, ta catalog.TenantAccount, adapter vendor.Adapter) bool {
	if !vendor.Supports(adapter, vendor.CapLocations) {
		p.health.RecordSkipped(ta.Tenant, ta.Account.Vendor, string(vendor.CapLocations))
		return true
	}
	var recs []*models.Record
	err := retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
		var err error
		recs, err = adapter.Locations(ctx)
		return err
	})
	if err != nil {
		if vendor.IsKind(err, vendor.FailUnsupported) {
			p.health.RecordSkipped(ta.Tenant, ta.Account.Vendor, string(vendor.CapLocations))
			return true
		}
		p.recordFetchFailure(ta, "locations", err)
		return false
	}

	valid := normalize.Records(recs)
	ok := true
	for _, db := range p.cat.Databases() {
		if db.Tenant != ta.Tenant {
			continue
		}
		if _, err := p.proc.ProcessNormalized(ctx, db.Name, cloneRecords(valid)); err != nil {
			log.Warn().Err(err).
				Str("database", db.Name).
				Msg("Location refresh failed")
			ok = false
		}
	}
	return ok
}

// cloneRecords copies a batch so two databases never share record storage.
func cloneRecords(recs []*models.Record) []*models.Record {
	out := make([]*models.Record, len(recs))
	for i, rec := range recs {
		out[i] = rec.Clone()
	}
	return out
}

// recordFetchFailure logs and accounts one classified fetch failure.
func (p *Poller) recordFetchFailure(ta catalog.TenantAccount, op string, err error) {
	kind := vendor.Classify(err)
	metrics.FetchFailuresTotal.WithLabelValues(ta.Account.Vendor, string(kind)).Inc()
	p.health.RecordFailure(ta.Tenant, ta.Account.Vendor, string(kind), err.Error())
	log.Warn().Err(err).
		Str("tenant", ta.Tenant).
		Str("vendor", ta.Account.Vendor).
		Str("op", op).
		Str("kind", string(kind)).
		Msg("Vendor fetch failed")
}
