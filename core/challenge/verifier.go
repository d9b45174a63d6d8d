package challenge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hostedops/certflow/core/fault"
	"github.com/hostedops/certflow/core/logger"
)

// TXTResolver performs a live TXT lookup. Satisfied by integration/resolver.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Verifier independently confirms a proof is externally observable before the
// CA is told to validate. CA validation attempts may be rate-limited, so
// burning them on unpropagated proofs is avoided. All verification failures
// are retriable: from here, "not yet visible" and "published wrong" are
// indistinguishable.
type Verifier struct {
	http Doer
	txt  TXTResolver
	log  *slog.Logger
}

// NewVerifier builds a Verifier. client defaults to http.DefaultClient.
func NewVerifier(client Doer, txt TXTResolver, log *slog.Logger) *Verifier {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{http: client, txt: txt, log: log.With(logger.Component("challenge.verifier"))}
}

// Verify checks one proof. The error, if any, is always fault.KindRetriable.
func (v *Verifier) Verify(ctx context.Context, res Result) error {
	switch proof := res.Proof.(type) {
	case HTTPProof:
		return v.verifyHTTP(ctx, res.Domain, proof)
	case DNSProof:
		return v.verifyDNS(ctx, proof)
	default:
		return fault.Fatalf("verify", res.Domain, "unknown proof variant %T", res.Proof)
	}
}

func (v *Verifier) verifyHTTP(ctx context.Context, domain string, proof HTTPProof) error {
	url := "http://" + domain + proof.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fault.Fatal("verify.http", url, err)
	}

	resp, err := v.http.Do(req)
	if err != nil {
		return fault.Retriable("verify.http", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fault.Retriablef("verify.http", url, "unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fault.Retriable("verify.http", url, err)
	}
	if got := strings.TrimSpace(string(body)); got != proof.Value {
		return fault.Retriablef("verify.http", url, "proof body mismatch: expected %q, got %q", proof.Value, got)
	}

	v.log.DebugContext(ctx, "http-01 proof visible", slog.String("url", url))
	return nil
}

func (v *Verifier) verifyDNS(ctx context.Context, proof DNSProof) error {
	records, err := v.txt.LookupTXT(ctx, proof.RecordName)
	if err != nil {
		return fault.Retriable("verify.dns", proof.RecordName, err)
	}
	if len(records) == 0 {
		return fault.Retriablef("verify.dns", proof.RecordName, "no TXT records visible yet")
	}
	for _, record := range records {
		if record == proof.Value {
			v.log.DebugContext(ctx, "dns-01 proof visible", logger.Record(proof.RecordName))
			return nil
		}
	}
	return fault.Retriable("verify.dns", proof.RecordName,
		fmt.Errorf("expected value %q not among %d visible TXT records", proof.Value, len(records)))
}

// VerifyAll checks every proof and stops at the first failure, so a single
// retry loop covers the whole set.
func (v *Verifier) VerifyAll(ctx context.Context, results []Result) error {
	for _, res := range results {
		if err := v.Verify(ctx, res); err != nil {
			return err
		}
	}
	return nil
}
