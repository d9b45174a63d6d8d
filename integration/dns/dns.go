// Package dns is the REST client for the managed DNS provider: zone listing
// and TXT record set manipulation, satisfying the workflow's record store
// port.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hostedops/certflow/core/logger"
	"github.com/hostedops/certflow/core/workflow"
	"github.com/hostedops/certflow/core/zone"
)

var _ workflow.RecordStore = (*Client)(nil)

// Config is the DNS provider connection configuration.
type Config struct {
	BaseURL string        `env:"DNS_API_BASE_URL,required"`
	Token   string        `env:"DNS_API_TOKEN,required"`
	Timeout time.Duration `env:"DNS_API_TIMEOUT" envDefault:"30s"`
}

// APIError is a non-success provider response.
type APIError struct {
	Method     string
	Target     string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dns api: %s %s: %d: %s", e.Method, e.Target, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the DNS provider. Safe for concurrent use.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *slog.Logger
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("dns api base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:  base,
		token: cfg.Token,
		http:  httpClient,
		log:   log.With(logger.Component("dns")),
	}, nil
}

type zonePayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	NameServers []string `json:"name_servers"`
}

type recordSetPayload struct {
	TTL    int      `json:"ttl"`
	Values []string `json:"values"`
}

// Zones lists every zone the account holds.
func (c *Client) Zones(ctx context.Context) ([]zone.Zone, error) {
	var payload []zonePayload
	if err := c.do(ctx, http.MethodGet, "/zones", nil, &payload); err != nil {
		return nil, err
	}
	zones := make([]zone.Zone, 0, len(payload))
	for _, z := range payload {
		zones = append(zones, zone.Zone{Name: z.Name, ID: z.ID, NameServers: z.NameServers})
	}
	return zones, nil
}

// TXTRecordSet fetches the values of a TXT record set. An absent set is an
// empty slice, not an error.
func (c *Client) TXTRecordSet(ctx context.Context, z zone.Zone, label string) ([]string, error) {
	var payload recordSetPayload
	err := c.do(ctx, http.MethodGet, recordPath(z, label), nil, &payload)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload.Values, nil
}

// UpsertTXTRecordSet replaces the record set's values wholesale.
func (c *Client) UpsertTXTRecordSet(ctx context.Context, z zone.Zone, label string, ttl int, values []string) error {
	return c.do(ctx, http.MethodPut, recordPath(z, label), recordSetPayload{TTL: ttl, Values: values}, nil)
}

// DeleteTXTRecordSet removes the record set; deleting an absent set succeeds.
func (c *Client) DeleteTXTRecordSet(ctx context.Context, z zone.Zone, label string) error {
	err := c.do(ctx, http.MethodDelete, recordPath(z, label), nil, nil)
	if notFound(err) {
		return nil
	}
	return err
}

// Healthcheck returns a probe verifying the provider API answers.
func Healthcheck(c *Client) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.Zones(ctx)
		return err
	}
}

func recordPath(z zone.Zone, label string) string {
	return fmt.Sprintf("/zones/%s/records/TXT/%s", url.PathEscape(z.ID), url.PathEscape(label))
}

func notFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("dns api: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{
			Method:     method,
			Target:     path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(detail)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dns api: decode %s %s: %w", method, path, err)
	}
	return nil
}
