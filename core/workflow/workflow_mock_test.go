package workflow_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hostedops/certflow/core/ca"
	"github.com/hostedops/certflow/core/deploy"
	"github.com/hostedops/certflow/core/workflow"
	"github.com/hostedops/certflow/core/zone"
)

// --- signing helper -------------------------------------------------------

type testIssuer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate issuer key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Workflow Test Root"},
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
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, i.cert, csr.PublicKey, i.key)
	if err != nil {
		t.Fatalf("sign leaf: %v", err)
	}
	return [][]byte{der, i.cert.Raw}
}

// --- fake ACME CA ---------------------------------------------------------

type fakeAuthz struct {
	identifier string
	wildcard   bool
	status     ca.Status
	challenge  ca.Challenge
}

type fakeOrder struct {
	url       string
	status    ca.Status
	domains   []string
	authzURLs []string
	finalized bool
}

// fakeACME is a stateful in-memory CA: orders move pending -> ready once all
// challenges are accepted, then valid at finalize. invalidRemaining makes the
// next N orders fail validation instead, exercising the restart path.
type fakeACME struct {
	mu     sync.Mutex
	t      *testing.T
	issuer *testIssuer

	orders  map[string]*fakeOrder
	authzs  map[string]*fakeAuthz
	pending map[string]int // orderURL -> unanswered challenge count
	byChal  map[string]string

	seq              int
	createCalls      int
	acceptCalls      int
	acceptErr        error
	acceptHook       func()
	pollsUntilReady  int // when >0, Order calls count down; at zero a pending order turns ready
	invalidRemaining int
	challengeProblem string
}

func newFakeACME(t *testing.T) *fakeACME {
	return &fakeACME{
		t:       t,
		issuer:  newTestIssuer(t),
		orders:  make(map[string]*fakeOrder),
		authzs:  make(map[string]*fakeAuthz),
		pending: make(map[string]int),
		byChal:  make(map[string]string),
	}
}

func (f *fakeACME) CreateOrder(_ context.Context, domains []string) (*ca.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	f.seq++
	orderURL := fmt.Sprintf("https://ca.test/order/%d", f.seq)

	order := &fakeOrder{url: orderURL, status: ca.StatusPending, domains: domains}
	for i, domain := range domains {
		authzURL := fmt.Sprintf("%s/authz/%d", orderURL, i)
		chalURL := authzURL + "/dns"
		f.authzs[authzURL] = &fakeAuthz{
			identifier: strings.TrimPrefix(domain, "*."),
			wildcard:   strings.HasPrefix(domain, "*."),
			status:     ca.StatusPending,
			challenge: ca.Challenge{
				Type:   ca.ChallengeDNS01,
				URL:    chalURL,
				Status: ca.StatusPending,
				Token:  fmt.Sprintf("tok-%d-%d", f.seq, i),
			},
		}
		f.byChal[chalURL] = orderURL
		order.authzURLs = append(order.authzURLs, authzURL)
	}
	f.orders[orderURL] = order
	f.pending[orderURL] = len(domains)
	return f.snapshot(order), nil
}

func (f *fakeACME) Order(_ context.Context, url string) (*ca.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[url]
	if !ok {
		return nil, errors.New("unknown order")
	}
	if f.pollsUntilReady > 0 {
		f.pollsUntilReady--
		if f.pollsUntilReady == 0 && order.status == ca.StatusPending {
			order.status = ca.StatusReady
			for _, authzURL := range order.authzURLs {
				f.authzs[authzURL].status = ca.StatusValid
			}
		}
	}
	return f.snapshot(order), nil
}

func (f *fakeACME) Authorization(_ context.Context, url string) (*ca.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	authz, ok := f.authzs[url]
	if !ok {
		return nil, errors.New("unknown authorization")
	}
	return &ca.Authorization{
		URL:        url,
		Identifier: authz.identifier,
		Status:     authz.status,
		Wildcard:   authz.wildcard,
		Challenges: []ca.Challenge{authz.challenge},
	}, nil
}

func (f *fakeACME) Accept(ctx context.Context, challengeURL string) error {
	if f.acceptHook != nil {
		f.acceptHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acceptCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.acceptErr != nil {
		return f.acceptErr
	}
	orderURL, ok := f.byChal[challengeURL]
	if !ok {
		return errors.New("unknown challenge")
	}
	order := f.orders[orderURL]
	f.pending[orderURL]--
	if f.pending[orderURL] > 0 {
		return nil
	}

	if f.invalidRemaining > 0 {
		f.invalidRemaining--
		order.status = ca.StatusInvalid
		for _, authzURL := range order.authzURLs {
			authz := f.authzs[authzURL]
			authz.status = ca.StatusInvalid
			authz.challenge.Status = ca.StatusInvalid
			authz.challenge.Problem = f.challengeProblem
		}
		return nil
	}

	order.status = ca.StatusReady
	for _, authzURL := range order.authzURLs {
		f.authzs[authzURL].status = ca.StatusValid
	}
	return nil
}

func (f *fakeACME) KeyAuthorization(token string) (string, error) {
	return token + ".acct-thumb", nil
}

func (f *fakeACME) DNSChallengeValue(token string) (string, error) {
	return "txt-" + token, nil
}

func (f *fakeACME) Finalize(_ context.Context, finalizeURL string, csr []byte) ([][]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	orderURL := strings.TrimSuffix(finalizeURL, "/finalize")
	order, ok := f.orders[orderURL]
	if !ok || order.status != ca.StatusReady {
		return nil, "", errors.New("order not ready for finalize")
	}
	order.status = ca.StatusValid
	order.finalized = true
	return f.issuer.sign(f.t, csr), orderURL + "/cert", nil
}

func (f *fakeACME) AlternateChainURLs(context.Context, string) ([]string, error) {
	return nil, nil
}

func (f *fakeACME) FetchChain(context.Context, string) ([][]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeACME) snapshot(order *fakeOrder) *ca.Order {
	return &ca.Order{
		URL:               order.url,
		Status:            order.status,
		AuthorizationURLs: append([]string(nil), order.authzURLs...),
		FinalizeURL:       order.url + "/finalize",
		CertificateURL:    order.url + "/cert",
	}
}

// --- fake DNS provider ----------------------------------------------------

// fakeRecords is both the provider record store and the live TXT resolver, so
// upserted records are immediately observable to verification.
type fakeRecords struct {
	mu    sync.Mutex
	zones []zone.Zone
	sets  map[string][]string // fqdn -> values

	upserts []string
	deletes []string

	zonesErr  error
	upsertErr error
	deleteErr error
	lookupErr error
}

func newFakeRecords(zones ...zone.Zone) *fakeRecords {
	return &fakeRecords{zones: zones, sets: make(map[string][]string)}
}

func fqdn(z zone.Zone, label string) string {
	if label == "@" {
		return z.Name
	}
	return label + "." + z.Name
}

func (r *fakeRecords) Zones(context.Context) ([]zone.Zone, error) {
	if r.zonesErr != nil {
		return nil, r.zonesErr
	}
	return r.zones, nil
}

func (r *fakeRecords) TXTRecordSet(_ context.Context, z zone.Zone, label string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sets[fqdn(z, label)]...), nil
}

func (r *fakeRecords) UpsertTXTRecordSet(ctx context.Context, z zone.Zone, label string, _ int, values []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := fqdn(z, label)
	r.sets[name] = append([]string(nil), values...)
	r.upserts = append(r.upserts, name)
	return nil
}

func (r *fakeRecords) DeleteTXTRecordSet(ctx context.Context, z zone.Zone, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.deleteErr != nil {
		return r.deleteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := fqdn(z, label)
	delete(r.sets, name)
	r.deletes = append(r.deletes, name)
	return nil
}

func (r *fakeRecords) LookupTXT(_ context.Context, name string) ([]string, error) {
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sets[name]...), nil
}

// --- fake NS resolver -----------------------------------------------------

type fakeNS struct {
	hosts map[string][]string
	err   error
}

func (f *fakeNS) LookupNS(_ context.Context, name string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hosts[name], nil
}

// --- fake hosting control plane -------------------------------------------

type fakePlane struct {
	mu       sync.Mutex
	existing map[string]bool
	imports  []deploy.ImportRequest
	bindings []deploy.Binding
}

func newFakePlane() *fakePlane {
	return &fakePlane{existing: make(map[string]bool)}
}

func (p *fakePlane) CertificateExists(_ context.Context, _, thumbprint string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.existing[thumbprint], nil
}

func (p *fakePlane) ImportCertificate(_ context.Context, req deploy.ImportRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.existing[req.Thumbprint] = true
	p.imports = append(p.imports, req)
	return nil
}

func (p *fakePlane) UpsertBinding(_ context.Context, b deploy.Binding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings = append(p.bindings, b)
	return nil
}

// --- flaky checkpoint store -----------------------------------------------

// flakyStore fails Save for one specific step and delegates everything else.
type flakyStore struct {
	workflow.CheckpointStore
	failStep workflow.Step
}

func (s *flakyStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if cp.Step == s.failStep {
		return errors.New("checkpoint store unavailable")
	}
	return s.CheckpointStore.Save(ctx, cp)
}

// --- recording notifier ---------------------------------------------------

type recordingNotifier struct {
	mu     sync.Mutex
	events []workflow.Event
}

func (n *recordingNotifier) CertificateDeployed(_ context.Context, ev workflow.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

// --- fake inventory -------------------------------------------------------

type fakeInventory struct {
	sites    []workflow.Site
	expiring []workflow.ExpiringCertificate

	sitesErr error
	certsErr error
}

func (f *fakeInventory) ListSites(context.Context) ([]workflow.Site, error) {
	if f.sitesErr != nil {
		return nil, f.sitesErr
	}
	return f.sites, nil
}

func (f *fakeInventory) ListExpiringCertificates(context.Context, time.Duration) ([]workflow.ExpiringCertificate, error) {
	if f.certsErr != nil {
		return nil, f.certsErr
	}
	return f.expiring, nil
}
