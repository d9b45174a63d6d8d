// Package resolver performs the live DNS lookups the workflow needs: NS
// records for delegation checks and TXT records for dns-01 proof
// verification.
package resolver

import (
	"context"
	"net"
	"time"

	"github.com/hostedops/certflow/core/challenge"
	"github.com/hostedops/certflow/core/zone"
)

var (
	_ zone.NSResolver       = (*Resolver)(nil)
	_ challenge.TXTResolver = (*Resolver)(nil)
)

// Config tunes the resolver.
type Config struct {
	// Timeout bounds each individual lookup.
	Timeout time.Duration `env:"DNS_LOOKUP_TIMEOUT" envDefault:"10s"`

	// PreferGo forces the pure Go resolver, bypassing the host's stub
	// resolver cache. Stale cached answers defeat propagation checks.
	PreferGo bool `env:"DNS_LOOKUP_PREFER_GO" envDefault:"true"`
}

// Resolver wraps net.Resolver with per-lookup timeouts.
type Resolver struct {
	inner   *net.Resolver
	timeout time.Duration
}

// New builds a Resolver from config.
func New(cfg Config) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		inner:   &net.Resolver{PreferGo: cfg.PreferGo},
		timeout: timeout,
	}
}

// LookupNS returns the delegated name server hostnames for name.
func (r *Resolver) LookupNS(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.inner.LookupNS(ctx, name)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(records))
	for _, ns := range records {
		hosts = append(hosts, ns.Host)
	}
	return hosts, nil
}

// LookupTXT returns the TXT values published at name.
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.inner.LookupTXT(ctx, name)
}
