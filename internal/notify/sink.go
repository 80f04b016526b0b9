package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetglass/fleetglass/internal/retry"
	"github.com/fleetglass/fleetglass/pkg/models"
)

// sendPath is the notification API route under the configured host.
const sendPath = "/notification-api/robot/notification/send"

// DefaultSinkTimeout bounds one delivery attempt.
const DefaultSinkTimeout = 10 * time.Second

// Sink delivers one rendered notification downstream.
type Sink interface {
	Send(ctx context.Context, n *models.Notification, ev models.TriggerEvent) error
}

// NopSink drops deliveries. Used when no sink URL is configured.
type NopSink struct{}

func (NopSink) Send(ctx context.Context, n *models.Notification, ev models.TriggerEvent) error {
	return nil
}

// sinkPayload is the notification API's request body.
type sinkPayload struct {
	RobotSN   string         `json:"robot_sn"`
	Severity  string         `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Icon      string         `json:"icon,omitempty"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HTTPSink posts notifications to the notification API. 5xx responses and
// network errors are retried with the standard backoff; 4xx responses are
// permanent.
type HTTPSink struct {
	url      string
	client   *http.Client
	retryCfg retry.Config
}

// NewHTTPSink builds a sink for the given base URL.
func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	return &HTTPSink{
		url:      baseURL + sendPath,
		client:   &http.Client{Timeout: timeout},
		retryCfg: retry.DefaultConfig(),
	}
}

func (s *HTTPSink) Send(ctx context.Context, n *models.Notification, ev models.TriggerEvent) error {
	payload := sinkPayload{
		RobotSN:   n.Serial,
		Severity:  string(n.Severity),
		Title:     n.Title,
		Message:   n.Message,
		Icon:      n.Icon,
		Timestamp: n.CreatedAt.UTC().Format(time.RFC3339),
		Metadata: map[string]any{
			"trigger":  string(n.Trigger),
			"vendor":   ev.Vendor,
			"database": ev.Database,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	return retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("notification API status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("notification API status %d", resp.StatusCode))
		}
	})
}
