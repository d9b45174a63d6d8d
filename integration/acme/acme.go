// Package acme adapts golang.org/x/crypto/acme to the workflow's CA client
// port: account registration or reuse, order lifecycle, challenge responses,
// finalize, and chain download.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	xacme "golang.org/x/crypto/acme"

	"github.com/hostedops/certflow/core/ca"
	"github.com/hostedops/certflow/core/logger"
)

var _ ca.Client = (*Client)(nil)

// Config is the ACME account configuration, loaded from the environment.
type Config struct {
	DirectoryURL   string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`
	ContactEmail   string `env:"ACME_CONTACT_EMAIL"`
	AccountKeyPath string `env:"ACME_ACCOUNT_KEY_PATH" envDefault:"acme-account.pem"`
	UserAgent      string `env:"ACME_USER_AGENT" envDefault:"certflow"`
}

// Client implements ca.Client over a real ACME directory.
type Client struct {
	inner *xacme.Client
	log   *slog.Logger
}

// Connect loads (or creates) the account key, registers the account when the
// directory does not know it yet, and returns a ready client. An already
// registered key is reused silently.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(logger.Component("acme"))

	key, created, err := LoadOrCreateAccountKey(cfg.AccountKeyPath)
	if err != nil {
		return nil, fmt.Errorf("account key: %w", err)
	}
	if created {
		log.InfoContext(ctx, "generated new account key", slog.String("path", cfg.AccountKeyPath))
	}

	inner := &xacme.Client{
		Key:          key,
		DirectoryURL: cfg.DirectoryURL,
		UserAgent:    cfg.UserAgent,
	}

	acct := &xacme.Account{}
	if cfg.ContactEmail != "" {
		acct.Contact = []string{"mailto:" + cfg.ContactEmail}
	}
	if _, err := inner.Register(ctx, acct, xacme.AcceptTOS); err != nil {
		if !errors.Is(err, xacme.ErrAccountAlreadyExists) {
			return nil, fmt.Errorf("register account: %w", err)
		}
		if _, err := inner.GetReg(ctx, ""); err != nil {
			return nil, fmt.Errorf("fetch existing account: %w", err)
		}
		log.DebugContext(ctx, "reusing registered account")
	} else {
		log.InfoContext(ctx, "account registered", slog.String("directory", cfg.DirectoryURL))
	}

	return &Client{inner: inner, log: log}, nil
}

// Healthcheck returns a probe verifying the ACME directory is reachable.
func Healthcheck(c *Client) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.inner.Discover(ctx)
		return err
	}
}

func (c *Client) CreateOrder(ctx context.Context, domains []string) (*ca.Order, error) {
	order, err := c.inner.AuthorizeOrder(ctx, xacme.DomainIDs(domains...))
	if err != nil {
		return nil, err
	}
	return convertOrder(order), nil
}

func (c *Client) Order(ctx context.Context, url string) (*ca.Order, error) {
	order, err := c.inner.GetOrder(ctx, url)
	if err != nil {
		return nil, err
	}
	return convertOrder(order), nil
}

func (c *Client) Authorization(ctx context.Context, url string) (*ca.Authorization, error) {
	authz, err := c.inner.GetAuthorization(ctx, url)
	if err != nil {
		return nil, err
	}
	out := &ca.Authorization{
		URL:        authz.URI,
		Identifier: authz.Identifier.Value,
		Status:     ca.Status(authz.Status),
		Wildcard:   authz.Wildcard,
		Challenges: make([]ca.Challenge, 0, len(authz.Challenges)),
	}
	for _, chal := range authz.Challenges {
		out.Challenges = append(out.Challenges, convertChallenge(chal))
	}
	return out, nil
}

func (c *Client) Accept(ctx context.Context, challengeURL string) error {
	chal, err := c.inner.GetChallenge(ctx, challengeURL)
	if err != nil {
		return err
	}
	_, err = c.inner.Accept(ctx, chal)
	return err
}

func (c *Client) KeyAuthorization(token string) (string, error) {
	return c.inner.HTTP01ChallengeResponse(token)
}

func (c *Client) DNSChallengeValue(token string) (string, error) {
	return c.inner.DNS01ChallengeRecord(token)
}

func (c *Client) Finalize(ctx context.Context, finalizeURL string, csr []byte) ([][]byte, string, error) {
	return c.inner.CreateOrderCert(ctx, finalizeURL, csr, true)
}

func (c *Client) AlternateChainURLs(ctx context.Context, certURL string) ([]string, error) {
	return c.inner.ListCertAlternates(ctx, certURL)
}

func (c *Client) FetchChain(ctx context.Context, certURL string) ([][]byte, error) {
	return c.inner.FetchCert(ctx, certURL, true)
}

func convertOrder(order *xacme.Order) *ca.Order {
	out := &ca.Order{
		URL:               order.URI,
		Status:            ca.Status(order.Status),
		AuthorizationURLs: append([]string(nil), order.AuthzURLs...),
		FinalizeURL:       order.FinalizeURL,
		CertificateURL:    order.CertURL,
	}
	if order.Error != nil {
		out.Problem = order.Error.Detail
	}
	return out
}

func convertChallenge(chal *xacme.Challenge) ca.Challenge {
	out := ca.Challenge{
		Type:   ca.ChallengeType(chal.Type),
		URL:    chal.URI,
		Status: ca.Status(chal.Status),
		Token:  chal.Token,
	}
	if chal.Error != nil {
		out.Problem = chal.Error.Error()
	}
	return out
}

// LoadOrCreateAccountKey reads the PEM-encoded PKCS#8 account key at path,
// generating and persisting a fresh P-256 key when none exists. The second
// return reports whether a key was created.
func LoadOrCreateAccountKey(path string) (crypto.Signer, bool, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, false, fmt.Errorf("%s holds no PEM block", path)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, false, fmt.Errorf("parse account key: %w", err)
		}
		signer, ok := parsed.(crypto.Signer)
		if !ok {
			return nil, false, fmt.Errorf("%s is not a signing key", path)
		}
		return signer, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, false, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, false, err
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, err
		}
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, false, err
	}
	return key, true, nil
}
