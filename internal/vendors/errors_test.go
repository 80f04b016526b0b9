package vendor_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fleetglass/fleetglass/internal/vendors"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want vendor.FailureKind
	}{
		{"auth", vendor.Errorf(vendor.FailAuth, "sweepbot", "list_robots", "401"), vendor.FailAuth},
		{"wrapped", fmt.Errorf("outer: %w", vendor.Errorf(vendor.FailMalformed, "nexbot", "tasks", "bad json")), vendor.FailMalformed},
		{"cancelled", context.Canceled, vendor.FailCancelled},
		{"unknown defaults transient", errors.New("connection reset"), vendor.FailTransient},
		{"unsupported", vendor.Unsupported("nexbot", "locations"), vendor.FailUnsupported},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := vendor.Classify(c.err); got != c.want {
				t.Errorf("Classify = %q, want %q", got, c.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !vendor.Retryable(vendor.Errorf(vendor.FailTransient, "sweepbot", "events", "503")) {
		t.Error("transient should be retryable")
	}
	for _, kind := range []vendor.FailureKind{
		vendor.FailAuth, vendor.FailMalformed, vendor.FailUnsupported,
	} {
		if vendor.Retryable(vendor.Errorf(kind, "sweepbot", "op", "x")) {
			t.Errorf("%s should not be retryable", kind)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := vendor.Errorf(vendor.FailAuth, "sweepbot", "robot_state", "token expired")
	want := "sweepbot robot_state: auth: token expired"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	base := errors.New("inner")
	if !errors.Is(vendor.NewError(vendor.FailTransient, "v", "op", base), base) {
		t.Error("NewError does not unwrap to the cause")
	}
}
