package finalize_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/hostedops/certflow/core/ca"
)

// testIssuer is a one-shot in-memory CA that signs leaves from real CSRs, so
// the finalizer's parsing, thumbprinting, and PFX encoding run against
// genuine DER.
type testIssuer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestIssuer(t *testing.T, commonName string) *testIssuer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate issuer key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("self-sign issuer: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse issuer: %v", err)
	}
	return &testIssuer{cert: cert, key: key}
}

// sign issues a leaf for the CSR and returns the DER chain leaf-first.
func (i *testIssuer) sign(t *testing.T, csrDER []byte) [][]byte {
	t.Helper()

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		t.Fatalf("parse csr: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, i.cert, csr.PublicKey, i.key)
	if err != nil {
		t.Fatalf("sign leaf: %v", err)
	}
	return [][]byte{der, i.cert.Raw}
}

// mockCA implements ca.Client for finalize tests. Only the finalize-related
// methods do real work.
type mockCA struct {
	t           *testing.T
	issuer      *testIssuer
	orderStatus ca.Status
	finalizeErr error
	orderErr    error

	alternates map[string]*testIssuer // chain URL -> issuing CA
	lastCSR    []byte
}

func (m *mockCA) CreateOrder(context.Context, []string) (*ca.Order, error) {
	return nil, errors.New("not implemented")
}

func (m *mockCA) Order(_ context.Context, url string) (*ca.Order, error) {
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	return &ca.Order{URL: url, Status: m.orderStatus}, nil
}

func (m *mockCA) Authorization(context.Context, string) (*ca.Authorization, error) {
	return nil, errors.New("not implemented")
}

func (m *mockCA) Accept(context.Context, string) error { return errors.New("not implemented") }

func (m *mockCA) KeyAuthorization(string) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockCA) DNSChallengeValue(string) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockCA) Finalize(_ context.Context, _ string, csr []byte) ([][]byte, string, error) {
	if m.finalizeErr != nil {
		return nil, "", m.finalizeErr
	}
	m.lastCSR = csr
	return m.issuer.sign(m.t, csr), "https://ca.test/cert/primary", nil
}

func (m *mockCA) AlternateChainURLs(_ context.Context, _ string) ([]string, error) {
	urls := make([]string, 0, len(m.alternates))
	for url := range m.alternates {
		urls = append(urls, url)
	}
	return urls, nil
}

func (m *mockCA) FetchChain(_ context.Context, certURL string) ([][]byte, error) {
	issuer, ok := m.alternates[certURL]
	if !ok {
		return nil, errors.New("unknown chain url")
	}
	return issuer.sign(m.t, m.lastCSR), nil
}
