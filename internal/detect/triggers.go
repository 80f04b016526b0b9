package detect

import (
	"time"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// Battery thresholds. A trigger fires only on crossing, never on staying in
// a band, so repeated reports at the same level stay quiet.
const (
	batteryCriticalMax = 10
	batteryLowMax      = 20
)

// Triggers derives the trigger events a batch of transitions produces. The
// rules here are the single source of notifications; persistence-only
// changes produce transitions but no triggers.
func Triggers(transitions []models.Transition) []models.TriggerEvent {
	var out []models.TriggerEvent
	now := time.Now().UTC()
	for i := range transitions {
		out = append(out, triggersFor(&transitions[i], now)...)
	}
	return out
}

func triggersFor(tr *models.Transition, now time.Time) []models.TriggerEvent {
	switch tr.Kind {
	case models.KindRobotState:
		if tr.Change != models.ChangeUpdated {
			// Battery and state triggers need a prior observation; the
			// first row for a robot fires nothing.
			return nil
		}
		var out []models.TriggerEvent
		out = append(out, batteryTriggers(tr, now)...)
		out = append(out, stateTriggers(tr, now)...)
		return out

	case models.KindEvent:
		return incidentTriggers(tr, now)

	case models.KindTask:
		return taskTriggers(tr, now)
	}
	return nil
}

// batteryTriggers fires on band crossings: into [0,10] downward, into
// (10,20] downward, and out of [0,20] upward. A 10→11 move crosses nothing.
func batteryTriggers(tr *models.Transition, now time.Time) []models.TriggerEvent {
	old, oldOK := tr.Previous.GetInt("battery")
	new, newOK := tr.Record.GetInt("battery")
	if !oldOK || !newOK || old == new {
		return nil
	}

	var trigger models.Trigger
	switch {
	case new <= batteryCriticalMax && old > batteryCriticalMax:
		trigger = models.TriggerBatteryCritical
	case new <= batteryLowMax && new > batteryCriticalMax && old > batteryLowMax:
		trigger = models.TriggerBatteryLow
	case new > batteryLowMax && old <= batteryLowMax:
		trigger = models.TriggerBatteryRecovered
	default:
		return nil
	}

	return []models.TriggerEvent{{
		Trigger:  trigger,
		Database: tr.Database,
		Serial:   tr.Serial,
		Vendor:   tr.Record.Vendor(),
		Fields: map[string]any{
			"battery":      new,
			"prev_battery": old,
		},
		OccurredAt: now,
	}}
}

func stateTriggers(tr *models.Transition, now time.Time) []models.TriggerEvent {
	old, _ := tr.Previous.GetString("state")
	new, newOK := tr.Record.GetString("state")
	if !newOK || old == new {
		return nil
	}

	var trigger models.Trigger
	switch {
	case new == string(models.StateOffline):
		trigger = models.TriggerRobotOffline
	case new == string(models.StateOnline) && old == string(models.StateOffline):
		trigger = models.TriggerRobotOnline
	default:
		return nil
	}

	return []models.TriggerEvent{{
		Trigger:  trigger,
		Database: tr.Database,
		Serial:   tr.Serial,
		Vendor:   tr.Record.Vendor(),
		Fields: map[string]any{
			"state":      new,
			"prev_state": old,
		},
		OccurredAt: now,
	}}
}

// incidentTriggers fires once per new fatal or error event. Events are
// insert-only, so updates never re-fire.
func incidentTriggers(tr *models.Transition, now time.Time) []models.TriggerEvent {
	if tr.Change != models.ChangeCreated {
		return nil
	}
	level, _ := tr.Record.GetString("level")
	if !models.EventLevel(level).IsIncident() {
		return nil
	}
	detail, _ := tr.Record.GetString("detail")
	eventType, _ := tr.Record.GetString("event_type")
	eventID, _ := tr.Record.GetString("event_id")
	return []models.TriggerEvent{{
		Trigger:  models.TriggerIncident,
		Database: tr.Database,
		Serial:   tr.Serial,
		Vendor:   tr.Record.Vendor(),
		Fields: map[string]any{
			"level":      level,
			"event_type": eventType,
			"event_id":   eventID,
			"detail":     detail,
		},
		OccurredAt: now,
	}}
}

// taskTriggers fires when a task's status becomes terminal. A task first
// observed already terminal still fires: both the start and the finish
// happened inside one poll window.
func taskTriggers(tr *models.Transition, now time.Time) []models.TriggerEvent {
	status, ok := tr.Record.GetString("status")
	if !ok || !models.TaskStatus(status).IsTerminal() {
		return nil
	}
	if tr.Change == models.ChangeUpdated {
		if prev, _ := tr.Previous.GetString("status"); prev == status {
			return nil
		}
	} else if tr.Change != models.ChangeCreated {
		return nil
	}

	trigger := models.TriggerTaskCompleted
	if models.TaskStatus(status) != models.TaskCompleted {
		trigger = models.TriggerTaskFailed
	}

	taskName, _ := tr.Record.GetString("task_name")
	fields := map[string]any{
		"task_name": taskName,
		"status":    status,
	}
	if area, ok := tr.Record.GetFloat("actual_area"); ok {
		fields["actual_area"] = area
	}
	if dur, ok := tr.Record.GetInt("duration_s"); ok {
		fields["duration_s"] = dur
	}
	return []models.TriggerEvent{{
		Trigger:    trigger,
		Database:   tr.Database,
		Serial:     tr.Serial,
		Vendor:     tr.Record.Vendor(),
		Fields:     fields,
		OccurredAt: now,
	}}
}
