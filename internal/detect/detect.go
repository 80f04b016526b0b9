// Package detect classifies inbound records against stored state. It keeps
// no state of its own: the store's read interface is authoritative, so
// detection stays correct across process restarts and across replicas.
//
// For each record the detector answers three questions: is this row new, did
// any field materially change, and did the change cross one of the trigger
// thresholds. Equality is type-aware per the record schema, which is what
// makes re-polling an overlapping window a no-op instead of a storm of
// phantom updates.
package detect

import (
	"context"
	"fmt"

	"github.com/fleetglass/fleetglass/internal/store"
	"github.com/fleetglass/fleetglass/pkg/models"
)

// Detector compares record batches against one database's stored rows.
type Detector struct{}

// New creates a detector.
func New() *Detector {
	return &Detector{}
}

// Detect classifies every record in the batch, reading prior rows from st in
// one lookup per table. Records must already be normalized; the result slice
// is index-aligned with recs.
func (d *Detector) Detect(ctx context.Context, st store.RecordStore, database string, recs []*models.Record) ([]models.Transition, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	kind := recs[0].Kind()
	sch, ok := models.SchemaFor(kind)
	if !ok {
		return nil, fmt.Errorf("no schema for kind %q", kind)
	}

	keys := make([]models.Key, len(recs))
	for i, rec := range recs {
		k, err := rec.Key(sch)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}

	prior, err := d.lookup(ctx, st, sch, keys)
	if err != nil {
		return nil, err
	}

	out := make([]models.Transition, len(recs))
	for i, rec := range recs {
		tr := models.Transition{
			Kind:     kind,
			Database: database,
			Serial:   rec.Serial(),
			Record:   rec,
		}
		existing, found := prior[keys[i].String()]
		switch {
		case !found:
			tr.Change = models.ChangeCreated
		default:
			tr.Previous = existing
			tr.Changes = diff(sch, existing, rec)
			if len(tr.Changes) == 0 {
				tr.Change = models.ChangeNone
			} else {
				tr.Change = models.ChangeUpdated
			}
		}
		out[i] = tr
	}
	return out, nil
}

// lookup fetches the prior rows for a key set. Tasks check the terminal
// table first and fall back to the ongoing staging table, so a re-polled
// completed task no-ops against its terminal row instead of looking new.
func (d *Detector) lookup(ctx context.Context, st store.RecordStore, sch models.Schema, keys []models.Key) (map[string]*models.Record, error) {
	prior, err := st.GetByKeys(ctx, sch, keys)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sch.Table, err)
	}
	if sch.Kind != models.KindTask {
		return prior, nil
	}

	var missing []models.Key
	for _, k := range keys {
		if _, ok := prior[k.String()]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return prior, nil
	}
	ongoing, err := st.GetByKeys(ctx, models.OngoingTaskSchema(), missing)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", models.TableOngoingTasks, err)
	}
	for id, rec := range ongoing {
		prior[id] = rec
	}
	return prior, nil
}

// diff returns the materially changed fields between the stored row and the
// inbound record. Only fields the inbound record carries are compared:
// absent fields mean "not reported this time", never "cleared".
func diff(sch models.Schema, old, new *models.Record) []models.FieldChange {
	var changes []models.FieldChange
	for _, name := range new.Fields() {
		def, ok := sch.Field(name)
		if !ok {
			continue
		}
		nv, _ := new.Get(name)
		ov, _ := old.Get(name)
		if !equalValues(def, ov, nv) {
			changes = append(changes, models.FieldChange{Field: name, Old: ov, New: nv})
		}
	}
	return changes
}
