// Package finalize turns a validated CA order into a deployable certificate
// bundle: key pair, CSR, issued chain, and a PFX export for the hosting
// certificate store.
package finalize

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/hostedops/certflow/core/ca"
	"github.com/hostedops/certflow/core/fault"
	"github.com/hostedops/certflow/core/logger"
)

// ErrFinalize is wrapped into every finalize failure.
var ErrFinalize = errors.New("order finalize failed")

// DefaultTransportPassphrase protects the PFX bundle between finalize and
// deploy. It is process-internal transport, not a security boundary: the
// bundle is consumed immediately and never persisted at rest.
const DefaultTransportPassphrase = "certflow-transport"

// defaultKeyBits sizes the certificate key. The hosting certificate store
// accepts RSA only, so the CSR uses RSA regardless of the CA's preferred
// algorithm. A deliberate compatibility shim, not a defect.
const defaultKeyBits = 2048

// Certificate is the issued artifact. Ownership transfers to the Deployer;
// this system keeps no long-term copy of the private key after deployment.
type Certificate struct {
	Domains    []string
	Chain      []*x509.Certificate
	ChainPEM   []byte
	Leaf       *x509.Certificate
	PrivateKey *rsa.PrivateKey
	Thumbprint string // uppercase hex SHA-1 of the leaf, hosting-store convention
	NotAfter   time.Time
	PFX        []byte
	Passphrase string
}

// Config tunes the Finalizer.
type Config struct {
	// PreferredChain selects an alternate chain by topmost issuer common
	// name when the CA offers alternates. Empty keeps the default chain.
	PreferredChain string

	// Passphrase overrides the transport passphrase for the PFX bundle.
	Passphrase string

	// KeyBits overrides the RSA key size.
	KeyBits int
}

// Finalizer drives finalize and certificate download for one order.
type Finalizer struct {
	ca  ca.Client
	cfg Config
	log *slog.Logger
}

// New builds a Finalizer with defaults applied.
func New(client ca.Client, cfg Config, log *slog.Logger) *Finalizer {
	if cfg.Passphrase == "" {
		cfg.Passphrase = DefaultTransportPassphrase
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = defaultKeyBits
	}
	if log == nil {
		log = slog.Default()
	}
	return &Finalizer{ca: client, cfg: cfg, log: log.With(logger.Component("finalizer"))}
}

// Finalize generates a fresh key pair and CSR, submits the CSR to the order's
// finalize endpoint, downloads the chain honoring the preferred-chain
// preference, and binds the private key into an exportable PFX bundle.
//
// Failures are retriable while the order is still processing and fatal
// otherwise.
func (f *Finalizer) Finalize(ctx context.Context, order *ca.Order, domains []string) (*Certificate, error) {
	if len(domains) == 0 {
		return nil, fault.Fatalf("finalize", order.URL, "empty domain set")
	}

	key, err := rsa.GenerateKey(rand.Reader, f.cfg.KeyBits)
	if err != nil {
		return nil, fault.Fatal("finalize.keygen", order.URL, err)
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}, key)
	if err != nil {
		return nil, fault.Fatal("finalize.csr", order.URL, err)
	}

	rawChain, certURL, err := f.ca.Finalize(ctx, order.FinalizeURL, csr)
	if err != nil {
		return nil, f.classify(ctx, order, err)
	}

	rawChain, err = f.selectChain(ctx, rawChain, certURL)
	if err != nil {
		return nil, err
	}

	chain, err := parseChain(rawChain)
	if err != nil {
		return nil, fault.Fatal("finalize.chain", certURL, fmt.Errorf("%w: %w", ErrFinalize, err))
	}
	leaf := chain[0]

	sum := sha1.Sum(leaf.Raw)
	thumbprint := strings.ToUpper(hex.EncodeToString(sum[:]))

	pfx, err := pkcs12.Modern.Encode(key, leaf, chain[1:], f.cfg.Passphrase)
	if err != nil {
		return nil, fault.Fatal("finalize.bundle", certURL, err)
	}

	f.log.InfoContext(ctx, "certificate finalized",
		logger.Domains(domains),
		logger.Thumbprint(thumbprint),
		logger.Expiry(leaf.NotAfter))

	return &Certificate{
		Domains:    domains,
		Chain:      chain,
		ChainPEM:   encodePEM(chain),
		Leaf:       leaf,
		PrivateKey: key,
		Thumbprint: thumbprint,
		NotAfter:   leaf.NotAfter,
		PFX:        pfx,
		Passphrase: f.cfg.Passphrase,
	}, nil
}

// classify decides whether a finalize failure is worth retrying: it is while
// the CA still reports the order as processing (or not yet finalized at all).
func (f *Finalizer) classify(ctx context.Context, order *ca.Order, cause error) error {
	wrapped := fmt.Errorf("%w: %w", ErrFinalize, cause)

	current, err := f.ca.Order(ctx, order.URL)
	if err != nil {
		// State unknown; let the retry envelope take another look.
		return fault.Retriable("finalize", order.URL, wrapped)
	}
	switch current.Status {
	case ca.StatusProcessing, ca.StatusPending, ca.StatusReady:
		return fault.Retriable("finalize", order.URL, wrapped)
	default:
		return fault.Fatal("finalize", order.URL, wrapped)
	}
}

// selectChain applies the preferred-chain preference. The preference matches
// the issuer common name of the topmost certificate in a chain. When nothing
// matches, the default chain is kept and the mismatch logged.
func (f *Finalizer) selectChain(ctx context.Context, primary [][]byte, certURL string) ([][]byte, error) {
	if f.cfg.PreferredChain == "" {
		return primary, nil
	}
	if chainMatches(primary, f.cfg.PreferredChain) {
		return primary, nil
	}

	altURLs, err := f.ca.AlternateChainURLs(ctx, certURL)
	if err != nil {
		return nil, fault.Retriable("finalize.chain", certURL, err)
	}
	for _, altURL := range altURLs {
		alt, err := f.ca.FetchChain(ctx, altURL)
		if err != nil {
			return nil, fault.Retriable("finalize.chain", altURL, err)
		}
		if chainMatches(alt, f.cfg.PreferredChain) {
			f.log.InfoContext(ctx, "selected alternate chain",
				slog.String("preferred", f.cfg.PreferredChain),
				slog.String("url", altURL))
			return alt, nil
		}
	}

	f.log.WarnContext(ctx, "preferred chain not offered, keeping default",
		slog.String("preferred", f.cfg.PreferredChain))
	return primary, nil
}

func chainMatches(rawChain [][]byte, preferred string) bool {
	if len(rawChain) == 0 {
		return false
	}
	top, err := x509.ParseCertificate(rawChain[len(rawChain)-1])
	if err != nil {
		return false
	}
	return top.Issuer.CommonName == preferred
}

func parseChain(rawChain [][]byte) ([]*x509.Certificate, error) {
	if len(rawChain) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	chain := make([]*x509.Certificate, 0, len(rawChain))
	for _, raw := range rawChain {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed certificate in chain: %w", err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

func encodePEM(chain []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}
