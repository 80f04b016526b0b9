package vendor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fleetglass/fleetglass/internal/vendors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *vendor.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return vendor.NewClient("testbot", vendor.ClientOptions{
		BaseURL: srv.URL,
		RPS:     1000, // keep the limiter out of the way
		Burst:   1000,
	})
}

func TestGetJSONDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/robots" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"robots":[{"sn":"SB-001"}]}`))
	})

	var out struct {
		Robots []struct {
			SN string `json:"sn"`
		} `json:"robots"`
	}
	headers := http.Header{"Authorization": []string{"Bearer tok"}}
	if err := c.GetJSON(context.Background(), "list_robots", "/v1/robots", nil, headers, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if len(out.Robots) != 1 || out.Robots[0].SN != "SB-001" {
		t.Errorf("decoded %+v", out)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   vendor.FailureKind
	}{
		{http.StatusUnauthorized, vendor.FailAuth},
		{http.StatusForbidden, vendor.FailAuth},
		{http.StatusTooManyRequests, vendor.FailTransient},
		{http.StatusInternalServerError, vendor.FailTransient},
		{http.StatusBadRequest, vendor.FailMalformed},
		{http.StatusNotFound, vendor.FailMalformed},
	}
	for _, c := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
		})
		err := client.GetJSON(context.Background(), "op", "/x", nil, nil, nil)
		if err == nil {
			t.Fatalf("status %d: no error", c.status)
		}
		if got := vendor.Classify(err); got != c.want {
			t.Errorf("status %d classified %q, want %q", c.status, got, c.want)
		}
	}
}

func TestMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})
	var out map[string]any
	err := c.GetJSON(context.Background(), "op", "/x", nil, nil, &out)
	if vendor.Classify(err) != vendor.FailMalformed {
		t.Errorf("classify = %q, want malformed", vendor.Classify(err))
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		_ = c.GetJSON(context.Background(), "op", "/x", nil, nil, nil)
	}
	before := calls
	err := c.GetJSON(context.Background(), "op", "/x", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error with breaker open")
	}
	if vendor.Classify(err) != vendor.FailTransient {
		t.Errorf("open breaker classified %q, want transient", vendor.Classify(err))
	}
	if calls != before {
		t.Errorf("breaker open but request still reached server (%d calls)", calls)
	}
}

func TestPostJSONSendsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		w.Write([]byte(`{"ok":true}`))
	})
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.PostJSON(context.Background(), "auth", "/oauth/token", map[string]string{"grant_type": "client_credentials"}, nil, &out)
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if !out.OK {
		t.Error("response not decoded")
	}
}

func TestCancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.GetJSON(ctx, "op", "/x", nil, nil, nil)
	if vendor.Classify(err) != vendor.FailCancelled {
		t.Errorf("classify = %q, want cancelled", vendor.Classify(err))
	}
}
