// Package routing resolves robot serials to their owning tenant database and
// partitions record batches so one transaction covers as many robots as
// possible. The serial→database index is built by the catalog at load time;
// this package only answers lookups against it.
package routing

import (
	"github.com/rs/zerolog/log"

	"github.com/fleetglass/fleetglass/internal/catalog"
	"github.com/fleetglass/fleetglass/pkg/models"
)

// UnknownSerialError reports a serial absent from the routing table.
type UnknownSerialError struct {
	Serial string
}

func (e *UnknownSerialError) Error() string {
	return "unknown serial " + e.Serial
}

// Resolver answers serial→database lookups from the loaded catalog.
type Resolver struct {
	cat *catalog.Catalog
}

// NewResolver wraps the catalog's routing table.
func NewResolver(cat *catalog.Catalog) *Resolver {
	return &Resolver{cat: cat}
}

// Route returns the database a serial belongs to.
func (r *Resolver) Route(serial string) (string, error) {
	db, ok := r.cat.DatabaseForSerial(serial)
	if !ok {
		return "", &UnknownSerialError{Serial: serial}
	}
	return db.Name, nil
}

// Known reports whether the serial is routed at all.
func (r *Resolver) Known(serial string) bool {
	_, ok := r.cat.DatabaseForSerial(serial)
	return ok
}

// Tenant returns the tenant owning the serial's database.
func (r *Resolver) Tenant(serial string) (string, error) {
	db, ok := r.cat.DatabaseForSerial(serial)
	if !ok {
		return "", &UnknownSerialError{Serial: serial}
	}
	return db.Tenant, nil
}

// PartitionSerials groups serials by database. Unknown serials come back in
// the second result; the caller decides whether that is a warning (poll) or
// a rejection (webhook).
func (r *Resolver) PartitionSerials(serials []string) (map[string][]string, []string) {
	byDB := make(map[string][]string)
	var unknown []string
	for _, s := range serials {
		db, ok := r.cat.DatabaseForSerial(s)
		if !ok {
			unknown = append(unknown, s)
			continue
		}
		byDB[db.Name] = append(byDB[db.Name], s)
	}
	return byDB, unknown
}

// PartitionRecords groups records by their serial's database. Records for
// unknown serials are dropped with one warning each, per the polling
// contract; webhook callers route the single record themselves so they can
// answer 404 instead.
func (r *Resolver) PartitionRecords(recs []*models.Record) map[string][]*models.Record {
	byDB := make(map[string][]*models.Record)
	for _, rec := range recs {
		serial := rec.Serial()
		db, ok := r.cat.DatabaseForSerial(serial)
		if !ok {
			log.Warn().
				Str("serial", serial).
				Str("kind", string(rec.Kind())).
				Str("vendor", rec.Vendor()).
				Msg("Dropping record for unrouted serial")
			continue
		}
		byDB[db.Name] = append(byDB[db.Name], rec)
	}
	return byDB
}

// PartitionRobots groups registry rows by database, dropping unknown serials
// silently: a vendor listing often includes robots not yet onboarded.
func (r *Resolver) PartitionRobots(robots []models.RobotInfo) map[string][]models.RobotInfo {
	byDB := make(map[string][]models.RobotInfo)
	for _, robot := range robots {
		db, ok := r.cat.DatabaseForSerial(robot.Serial)
		if !ok {
			continue
		}
		byDB[db.Name] = append(byDB[db.Name], robot)
	}
	return byDB
}
