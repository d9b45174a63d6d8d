// Package notify delivers completion events to an operator webhook. Delivery
// is strictly fire-and-forget: a dead webhook must never fail a certificate
// workflow.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hostedops/certflow/core/logger"
	"github.com/hostedops/certflow/core/workflow"
)

var _ workflow.Notifier = (*Webhook)(nil)

// Config is the webhook configuration. An empty URL disables delivery.
type Config struct {
	WebhookURL string        `env:"NOTIFY_WEBHOOK_URL"`
	Timeout    time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`
}

// Webhook posts one JSON message per deployed certificate.
type Webhook struct {
	url  string
	http *http.Client
	log  *slog.Logger
}

// New builds a Webhook. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, log *slog.Logger) *Webhook {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Webhook{
		url:  cfg.WebhookURL,
		http: httpClient,
		log:  log.With(logger.Component("notify")),
	}
}

type message struct {
	Site       string    `json:"site"`
	Domains    []string  `json:"domains"`
	Thumbprint string    `json:"thumbprint"`
	NotAfter   time.Time `json:"not_after"`
}

// CertificateDeployed posts the event. Failures are logged and swallowed.
func (w *Webhook) CertificateDeployed(ctx context.Context, ev workflow.Event) {
	if w.url == "" {
		return
	}

	body, err := json.Marshal(message{
		Site:       ev.Site,
		Domains:    ev.Domains,
		Thumbprint: ev.Thumbprint,
		NotAfter:   ev.NotAfter,
	})
	if err != nil {
		w.log.WarnContext(ctx, "notification encode failed", logger.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.log.WarnContext(ctx, "notification request failed", logger.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		w.log.WarnContext(ctx, "notification delivery failed",
			logger.Site(ev.Site), logger.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.log.WarnContext(ctx, "notification rejected",
			logger.Site(ev.Site), slog.Int("status", resp.StatusCode))
		return
	}
	w.log.InfoContext(ctx, "completion notification delivered",
		logger.Site(ev.Site), logger.Thumbprint(ev.Thumbprint))
}
