// Package vendor defines the adapter boundary between the ingestion
// pipeline and vendor cloud APIs.
//
// An Adapter wraps one vendor account: it authenticates, calls the vendor's
// endpoints, and returns normalized records. Adapters never touch storage
// and never decide routing; they translate, classify failures, and nothing
// else. The pipeline treats every adapter identically through this
// interface.
package vendor

import (
	"context"
	"time"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// Capability names one fetchable data category.
type Capability string

const (
	CapRobots    Capability = "robots"
	CapStates    Capability = "states"
	CapTasks     Capability = "tasks"
	CapCharging  Capability = "charging"
	CapEvents    Capability = "events"
	CapLocations Capability = "locations"
)

// Window is the inclusive time range of a poll fetch.
type Window struct {
	Start time.Time
	End   time.Time
}

// Adapter is one vendor account's API surface. Implementations classify
// every failure with a FailureKind; operations outside Capabilities return
// FailUnsupported.
type Adapter interface {
	// Name is the vendor identifier, e.g. "sweepbot".
	Name() string
	// Capabilities lists the data categories this vendor can serve.
	Capabilities() []Capability

	// ListRobots returns the robots visible to this account.
	ListRobots(ctx context.Context) ([]models.RobotInfo, error)
	// RobotState returns the robot's current state snapshot.
	RobotState(ctx context.Context, serial string) (*models.Record, error)
	// Tasks returns tasks overlapping the window, terminal or not.
	Tasks(ctx context.Context, serial string, win Window) ([]*models.Record, error)
	// ChargingSessions returns charging sessions overlapping the window.
	ChargingSessions(ctx context.Context, serial string, win Window) ([]*models.Record, error)
	// Events returns events raised inside the window.
	Events(ctx context.Context, serial string, win Window) ([]*models.Record, error)
	// Locations returns the account's site hierarchy.
	Locations(ctx context.Context) ([]*models.Record, error)
}

// Supports reports whether the adapter declares a capability.
func Supports(a Adapter, c Capability) bool {
	for _, have := range a.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// Unsupported is the canonical error for a capability a vendor lacks.
func Unsupported(vendorName, op string) *Error {
	return Errorf(FailUnsupported, vendorName, op, "capability not offered")
}
