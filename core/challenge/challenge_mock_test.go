package challenge_test

import (
	"context"
	"errors"
	"sync"

	"github.com/hostedops/certflow/core/ca"
)

// mockCA is a test implementation of ca.Client.
type mockCA struct {
	mu             sync.Mutex
	authorizations map[string]*ca.Authorization
	keyAuthPrefix  string
	dnsValuePrefix string
	authzErr       error
}

func newMockCA() *mockCA {
	return &mockCA{
		authorizations: make(map[string]*ca.Authorization),
		keyAuthPrefix:  "keyauth-",
		dnsValuePrefix: "dnsval-",
	}
}

func (m *mockCA) CreateOrder(context.Context, []string) (*ca.Order, error) {
	return nil, errors.New("mock: CreateOrder not implemented")
}

func (m *mockCA) Order(context.Context, string) (*ca.Order, error) {
	return nil, errors.New("mock: Order not implemented")
}

func (m *mockCA) Authorization(_ context.Context, url string) (*ca.Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authzErr != nil {
		return nil, m.authzErr
	}
	authz, ok := m.authorizations[url]
	if !ok {
		return nil, errors.New("mock: unknown authorization " + url)
	}
	return authz, nil
}

func (m *mockCA) Accept(context.Context, string) error { return nil }

func (m *mockCA) KeyAuthorization(token string) (string, error) {
	return m.keyAuthPrefix + token, nil
}

func (m *mockCA) DNSChallengeValue(token string) (string, error) {
	return m.dnsValuePrefix + token, nil
}

func (m *mockCA) Finalize(context.Context, string, []byte) ([][]byte, string, error) {
	return nil, "", errors.New("mock: Finalize not implemented")
}

func (m *mockCA) AlternateChainURLs(context.Context, string) ([]string, error) {
	return nil, nil
}

func (m *mockCA) FetchChain(context.Context, string) ([][]byte, error) {
	return nil, errors.New("mock: FetchChain not implemented")
}

// mockProofWriter records http-01 proof writes.
type mockProofWriter struct {
	mu     sync.Mutex
	writes map[string][]byte // site+path -> content
	err    error
}

func newMockProofWriter() *mockProofWriter {
	return &mockProofWriter{writes: make(map[string][]byte)}
}

func (m *mockProofWriter) WriteProofFile(_ context.Context, site, path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes[site+path] = content
	return nil
}

// fakeTXT is a canned TXT resolver for verifier tests.
type fakeTXT struct {
	records map[string][]string
	err     error
}

func (f *fakeTXT) LookupTXT(_ context.Context, name string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[name], nil
}
