// Package notify turns trigger events into delivered notifications.
//
// The engine is strictly downstream of change detection: it never decides
// what is notification-worthy, it only looks up the rule for a trigger,
// renders the message, enforces suppression, and delivers. Suppression
// state is the notification table itself, so duplicates stay suppressed
// across restarts and across replicas. Delivery is at-least-once; after the
// retry budget the notification is logged and dropped, never queued.
package notify

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetglass/fleetglass/internal/catalog"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/store"
	"github.com/fleetglass/fleetglass/pkg/models"
)

// DefaultSuppression is the per-(serial, trigger) duplicate window.
const DefaultSuppression = 10 * time.Minute

// Engine consumes trigger events and emits notifications.
type Engine struct {
	cat         *catalog.Catalog
	stores      *store.Manager
	sink        Sink
	suppression time.Duration
}

// NewEngine builds the notification engine. A nil sink drops deliveries
// while still persisting and suppressing, which is what staging wants.
func NewEngine(cat *catalog.Catalog, stores *store.Manager, sink Sink, suppression time.Duration) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	if suppression <= 0 {
		suppression = DefaultSuppression
	}
	return &Engine{
		cat:         cat,
		stores:      stores,
		sink:        sink,
		suppression: suppression,
	}
}

// Publish processes a batch of trigger events. Each event is handled
// independently: one failing event never blocks the rest.
func (e *Engine) Publish(ctx context.Context, events []models.TriggerEvent) {
	for _, ev := range events {
		e.publishOne(ctx, ev)
	}
}

func (e *Engine) publishOne(ctx context.Context, ev models.TriggerEvent) {
	st, ok := e.stores.Get(ev.Database)
	if !ok {
		log.Warn().
			Str("database", ev.Database).
			Str("trigger", string(ev.Trigger)).
			Msg("Trigger event for unknown database")
		return
	}

	rules := e.cat.RulesForTrigger(ev.Trigger)
	if len(rules) == 0 {
		return
	}

	suppressed, err := e.isSuppressed(ctx, st, ev)
	if err != nil {
		log.Warn().Err(err).
			Str("serial", ev.Serial).
			Str("trigger", string(ev.Trigger)).
			Msg("Suppression lookup failed; sending anyway")
	}
	if suppressed {
		metrics.NotificationsTotal.WithLabelValues(string(ev.Trigger), "suppressed").Inc()
		log.Debug().
			Str("serial", ev.Serial).
			Str("trigger", string(ev.Trigger)).
			Msg("Notification suppressed")
		return
	}

	vars := e.templateVars(ctx, st, ev)
	for _, rule := range rules {
		n := &models.Notification{
			ID:        uuid.NewString(),
			Serial:    ev.Serial,
			Trigger:   ev.Trigger,
			Severity:  rule.Severity,
			Title:     render(rule.Title, vars),
			Message:   render(rule.Message, vars),
			Icon:      rule.Icon,
			CreatedAt: ev.OccurredAt,
		}
		if err := st.InsertNotification(ctx, n); err != nil {
			log.Warn().Err(err).
				Str("serial", ev.Serial).
				Str("trigger", string(ev.Trigger)).
				Msg("Notification insert failed")
			metrics.NotificationsTotal.WithLabelValues(string(ev.Trigger), "error").Inc()
			continue
		}

		if err := e.sink.Send(ctx, n, ev); err != nil {
			// At-least-once, not durable: after the retry budget the
			// notification is dropped with a log line.
			log.Warn().Err(err).
				Str("serial", ev.Serial).
				Str("trigger", string(ev.Trigger)).
				Msg("Notification delivery failed")
			metrics.NotificationsTotal.WithLabelValues(string(ev.Trigger), "delivery_failed").Inc()
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(ev.Trigger), "sent").Inc()
		log.Info().
			Str("serial", ev.Serial).
			Str("trigger", string(ev.Trigger)).
			Str("severity", string(n.Severity)).
			Msg("Notification sent")
	}

	if ev.Trigger == models.TriggerIncident {
		e.openReport(ctx, st, ev, vars)
	}
}

// isSuppressed consults the most recent stored notification for the
// (serial, trigger) pair.
func (e *Engine) isSuppressed(ctx context.Context, st store.Store, ev models.TriggerEvent) (bool, error) {
	last, err := st.LastNotified(ctx, ev.Serial, ev.Trigger)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return false, nil
	}
	return ev.OccurredAt.Sub(last) < e.suppression, nil
}

// openReport writes the support-ticket summary row and its first timeline
// entry for an incident.
func (e *Engine) openReport(ctx context.Context, st store.Store, ev models.TriggerEvent, vars map[string]string) {
	report := &models.EventReport{
		ID:        uuid.NewString(),
		Serial:    ev.Serial,
		Level:     models.EventLevel(vars["level"]),
		Title:     render("{{robot_name}}: {{event_type}}", vars),
		Detail:    vars["detail"],
		Status:    models.ReportOpen,
		CreatedAt: ev.OccurredAt,
	}
	if err := st.InsertReport(ctx, report); err != nil {
		log.Warn().Err(err).Str("serial", ev.Serial).Msg("Incident report insert failed")
		return
	}
	entry := &models.ReportEntry{
		ID:        uuid.NewString(),
		ReportID:  report.ID,
		Note:      render("Incident opened from {{level}} event {{event_id}}", vars),
		CreatedAt: ev.OccurredAt,
	}
	if err := st.AppendReportEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("report", report.ID).Msg("Report timeline append failed")
	}
	log.Info().
		Str("serial", ev.Serial).
		Str("report", report.ID).
		Str("level", vars["level"]).
		Msg("Incident report opened")
}

// templateVars assembles the substitution set for a trigger event. The
// friendly robot name comes from the registry, falling back to the serial.
func (e *Engine) templateVars(ctx context.Context, st store.Store, ev models.TriggerEvent) map[string]string {
	vars := map[string]string{
		"serial":     ev.Serial,
		"robot_name": ev.Serial,
		"vendor":     ev.Vendor,
		"database":   ev.Database,
		"trigger":    string(ev.Trigger),
	}
	if robot, err := st.GetRobot(ctx, ev.Serial); err == nil && robot.Name != "" {
		vars["robot_name"] = robot.Name
	}
	for k, v := range ev.Fields {
		vars[k] = stringifyVar(v)
	}
	return vars
}

// ── Template rendering ───────────────────────────────────────

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// render substitutes {{var}} placeholders. Unknown placeholders render
// empty rather than leaking braces into user-facing text.
func render(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		return vars[name]
	})
}

func stringifyVar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return ""
	}
}
