package webhook

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/fleetglass/fleetglass/internal/config"
	"github.com/fleetglass/fleetglass/internal/vendors"
)

// Verification runs before serial routing, so the candidate secret set
// spans all tenants holding an account with the vendor; any match passes.
// No candidates configured means verification is off for the vendor.
//
// Header-mode secrets are checked before the body is decoded, so a request
// with a bad secret answers 401 even when its body is also malformed.
// Body-mode secrets can only be checked after decode.

// verifyHeader checks a header-carried secret. A no-op for other modes.
func (h *Handler) verifyHeader(r *http.Request, doc *vendor.Document) error {
	if doc.Auth.Mode != "header" {
		return nil
	}
	return h.checkSecret(doc.Vendor, r.Header.Get(doc.Auth.Header))
}

// verifyBody checks a secret carried inside the decoded payload.
func (h *Handler) verifyBody(doc *vendor.Document, payload map[string]any) error {
	switch doc.Auth.Mode {
	case "", "none", "header":
		return nil
	case "body":
		var presented string
		if v, ok := payload[doc.Auth.BodyField]; ok {
			presented, _ = v.(string)
		}
		return h.checkSecret(doc.Vendor, presented)
	default:
		return fmt.Errorf("unknown auth mode %q", doc.Auth.Mode)
	}
}

func (h *Handler) checkSecret(vendorName, presented string) error {
	secrets := h.secretCandidates(vendorName)
	if len(secrets) == 0 {
		return nil
	}
	if presented == "" {
		return errors.New("missing webhook secret")
	}
	for _, s := range secrets {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s)) == 1 {
			return nil
		}
	}
	return errors.New("webhook secret mismatch")
}

// secretCandidates collects the environment override and every account
// secret configured for the vendor.
func (h *Handler) secretCandidates(vendorName string) []string {
	var out []string
	if v, ok := config.WebhookSecretOverride(vendorName); ok {
		out = append(out, v)
	}
	for _, ta := range h.cat.Accounts() {
		if ta.Account.Vendor == vendorName && ta.Account.WebhookSecret != "" {
			out = append(out, ta.Account.WebhookSecret)
		}
	}
	return out
}
