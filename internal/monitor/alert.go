package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// SignatureHeader carries the compact HS256 JWS of the webhook body.
const SignatureHeader = "X-Certfleet-Signature"

// AlertSink is told about reports that contain warning or critical alerts.
type AlertSink interface {
	Send(ctx context.Context, report *Report) error
}

// WebhookAlertSink posts {text, report} to a chat-style incoming webhook.
type WebhookAlertSink struct {
	url    string
	client *http.Client
	signer jose.Signer
}

// NewWebhookAlertSink creates a sink. An empty secret disables signing.
func NewWebhookAlertSink(url, secret string, timeout time.Duration) (*WebhookAlertSink, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &WebhookAlertSink{url: url, client: &http.Client{Timeout: timeout}}
	if secret != "" {
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)}, nil)
		if err != nil {
			return nil, fmt.Errorf("monitor: failed to create webhook signer: %w", err)
		}
		w.signer = signer
	}
	return w, nil
}

type webhookPayload struct {
	Text   string  `json:"text"`
	Report *Report `json:"report"`
}

func (w *WebhookAlertSink) Send(ctx context.Context, report *Report) error {
	body, err := json.Marshal(webhookPayload{Text: alertText(report), Report: report})
	if err != nil {
		return fmt.Errorf("monitor: failed to encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("monitor: failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.signer != nil {
		jws, err := w.signer.Sign(body)
		if err != nil {
			return fmt.Errorf("monitor: failed to sign webhook payload: %w", err)
		}
		compact, err := jws.CompactSerialize()
		if err != nil {
			return fmt.Errorf("monitor: failed to serialize webhook signature: %w", err)
		}
		req.Header.Set(SignatureHeader, compact)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("monitor: webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("monitor: webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// alertText renders the human-readable summary line plus one line per alert.
func alertText(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Certificate expiry scan at %s: %d critical, %d warning",
		report.Timestamp.Format(time.RFC3339), report.Count(SeverityCritical), report.Count(SeverityWarning))
	for _, a := range report.Alerts {
		b.WriteString("\n[")
		b.WriteString(strings.ToUpper(string(a.Severity)))
		b.WriteString("] ")
		b.WriteString(a.Message)
	}
	return b.String()
}
