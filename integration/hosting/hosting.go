// Package hosting is the REST client for the hosting control plane: site and
// certificate inventory, certificate import, TLS bindings, and proof file
// publication. It satisfies the workflow's inventory, proof writer, and
// deployment ports.
package hosting

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hostedops/certflow/core/challenge"
	"github.com/hostedops/certflow/core/deploy"
	"github.com/hostedops/certflow/core/logger"
	"github.com/hostedops/certflow/core/workflow"
)

var (
	_ workflow.Inventory    = (*Client)(nil)
	_ deploy.ControlPlane   = (*Client)(nil)
	_ challenge.ProofWriter = (*Client)(nil)
)

// Config is the hosting control-plane connection configuration.
type Config struct {
	BaseURL string        `env:"HOSTING_API_BASE_URL,required"`
	Token   string        `env:"HOSTING_API_TOKEN,required"`
	Timeout time.Duration `env:"HOSTING_API_TIMEOUT" envDefault:"60s"`

	// IssuerTag marks certificates this system manages; inventory queries
	// filter on it so foreign certificates are never renewed.
	IssuerTag string `env:"HOSTING_ISSUER_TAG" envDefault:"certflow"`
}

// APIError is a non-success control-plane response.
type APIError struct {
	Method     string
	Target     string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hosting api: %s %s: %d: %s", e.Method, e.Target, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the hosting control plane. Safe for concurrent use.
type Client struct {
	base      *url.URL
	token     string
	issuerTag string
	http      *http.Client
	log       *slog.Logger
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("hosting api base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:      base,
		token:     cfg.Token,
		issuerTag: cfg.IssuerTag,
		http:      httpClient,
		log:       log.With(logger.Component("hosting")),
	}, nil
}

type sitePayload struct {
	Name      string   `json:"name"`
	Hostnames []string `json:"hostnames"`
}

type certificatePayload struct {
	Thumbprint string    `json:"thumbprint"`
	Domains    []string  `json:"domains"`
	NotAfter   time.Time `json:"not_after"`
}

type importPayload struct {
	Name       string `json:"name"`
	Thumbprint string `json:"thumbprint"`
	PFX        string `json:"pfx"` // base64
	Passphrase string `json:"passphrase"`
	IssuerTag  string `json:"issuer_tag"`
}

type bindingPayload struct {
	Thumbprint string `json:"thumbprint"`
	SSLState   string `json:"ssl_state"`
}

// ListSites lists every hosting site with its bound hostnames.
func (c *Client) ListSites(ctx context.Context) ([]workflow.Site, error) {
	var payload []sitePayload
	if err := c.do(ctx, http.MethodGet, "/sites", nil, &payload); err != nil {
		return nil, err
	}
	sites := make([]workflow.Site, 0, len(payload))
	for _, s := range payload {
		sites = append(sites, workflow.Site{Name: s.Name, Hostnames: s.Hostnames})
	}
	return sites, nil
}

// ListExpiringCertificates lists certificates carrying this system's issuer
// tag that expire within the window.
func (c *Client) ListExpiringCertificates(ctx context.Context, window time.Duration) ([]workflow.ExpiringCertificate, error) {
	query := url.Values{
		"issuer":         {c.issuerTag},
		"expires_within": {window.String()},
	}
	var payload []certificatePayload
	if err := c.do(ctx, http.MethodGet, "/certificates?"+query.Encode(), nil, &payload); err != nil {
		return nil, err
	}
	certs := make([]workflow.ExpiringCertificate, 0, len(payload))
	for _, cert := range payload {
		certs = append(certs, workflow.ExpiringCertificate{
			Thumbprint: cert.Thumbprint,
			Domains:    cert.Domains,
			NotAfter:   cert.NotAfter,
		})
	}
	return certs, nil
}

// CertificateExists probes the site's store for a thumbprint.
func (c *Client) CertificateExists(ctx context.Context, site, thumbprint string) (bool, error) {
	err := c.do(ctx, http.MethodGet, certificatePath(site, thumbprint), nil, nil)
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ImportCertificate uploads a PFX bundle into the site's certificate store.
func (c *Client) ImportCertificate(ctx context.Context, req deploy.ImportRequest) error {
	return c.do(ctx, http.MethodPost, "/sites/"+url.PathEscape(req.Site)+"/certificates", importPayload{
		Name:       req.Name,
		Thumbprint: req.Thumbprint,
		PFX:        base64.StdEncoding.EncodeToString(req.PFX),
		Passphrase: req.Passphrase,
		IssuerTag:  c.issuerTag,
	}, nil)
}

// UpsertBinding points the hostname's SNI binding at the thumbprint.
func (c *Client) UpsertBinding(ctx context.Context, b deploy.Binding) error {
	path := fmt.Sprintf("/sites/%s/bindings/%s", url.PathEscape(b.Site), url.PathEscape(b.Hostname))
	return c.do(ctx, http.MethodPut, path, bindingPayload{Thumbprint: b.Thumbprint, SSLState: "sni"}, nil)
}

// WriteProofFile publishes a challenge proof file into the site's content
// root at the given site-relative path.
func (c *Client) WriteProofFile(ctx context.Context, site, path string, content []byte) error {
	target := "/sites/" + url.PathEscape(site) + "/files" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base.String()+target, bytes.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.apiError(http.MethodPut, target, resp)
	}
	return nil
}

// Healthcheck returns a probe verifying the control plane answers.
func Healthcheck(c *Client) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.ListSites(ctx)
		return err
	}
}

func certificatePath(site, thumbprint string) string {
	return fmt.Sprintf("/sites/%s/certificates/%s", url.PathEscape(site), url.PathEscape(thumbprint))
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
			return fmt.Errorf("hosting api: encode request: %w", err)
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
		return c.apiError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hosting api: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) apiError(method, target string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &APIError{
		Method:     method,
		Target:     target,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(detail)),
	}
}
