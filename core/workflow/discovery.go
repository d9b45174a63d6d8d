package workflow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hostedops/certflow/core/ca"
	"github.com/hostedops/certflow/core/fault"
	"github.com/hostedops/certflow/core/logger"
)

// Site is one hosting site and the hostnames bound to it.
type Site struct {
	Name      string
	Hostnames []string
}

// ExpiringCertificate is a certificate this system issued that falls inside
// the renewal window.
type ExpiringCertificate struct {
	Thumbprint string
	Domains    []string
	NotAfter   time.Time
}

// Inventory enumerates what the hosting layer holds. Satisfied by
// integration/hosting.
type Inventory interface {
	// ListSites lists every hosting site with its bound hostnames.
	ListSites(ctx context.Context) ([]Site, error)

	// ListExpiringCertificates lists certificates tagged as issued by this
	// system whose expiry falls within the window from now.
	ListExpiringCertificates(ctx context.Context, window time.Duration) ([]ExpiringCertificate, error)
}

// Discovery builds the renewal batch: certificates nearing expiry mapped back
// onto the sites serving their hostnames.
type Discovery struct {
	inv              Inventory
	excludedSuffixes []string // per-environment hosting suffixes, never certified
	defaultChallenge ca.ChallengeType
	log              *slog.Logger
}

// NewDiscovery builds a Discovery. excludedSuffixes names the hosting
// platform's own DNS suffixes whose hostnames already carry platform
// certificates.
func NewDiscovery(inv Inventory, excludedSuffixes []string, defaultChallenge ca.ChallengeType, log *slog.Logger) *Discovery {
	if defaultChallenge == "" {
		defaultChallenge = ca.ChallengeHTTP01
	}
	if log == nil {
		log = slog.Default()
	}
	return &Discovery{
		inv:              inv,
		excludedSuffixes: excludedSuffixes,
		defaultChallenge: defaultChallenge,
		log:              log.With(logger.Component("discovery")),
	}
}

// Targets assembles the batch of domain sets to renew: every tracked
// certificate expiring inside the window whose domains are still bound to a
// site. Certificates whose hostnames no longer appear on any site are skipped
// with a warning. Wildcard sets always validate over dns-01.
func (d *Discovery) Targets(ctx context.Context, window time.Duration) ([]Target, error) {
	sites, err := d.inv.ListSites(ctx)
	if err != nil {
		return nil, fault.Retriable("discovery.sites", "hosting", err)
	}
	expiring, err := d.inv.ListExpiringCertificates(ctx, window)
	if err != nil {
		return nil, fault.Retriable("discovery.certificates", "hosting", err)
	}

	targets := make([]Target, 0, len(expiring))
	for _, cert := range expiring {
		site, ok := d.owningSite(sites, cert.Domains)
		if !ok {
			d.log.WarnContext(ctx, "expiring certificate no longer bound to any site, skipping",
				logger.Thumbprint(cert.Thumbprint),
				logger.Domains(cert.Domains))
			continue
		}
		targets = append(targets, Target{
			Site:          site.Name,
			Domains:       dedupe(cert.Domains),
			ChallengeType: d.challengeFor(cert.Domains),
		})
	}

	d.log.InfoContext(ctx, "renewal batch assembled",
		logger.Count("certificates", len(expiring)),
		logger.Count("targets", len(targets)))
	return targets, nil
}

// CandidateHostnames filters a site's hostnames down to the ones this system
// certifies, dropping the hosting platform's own per-environment suffixes.
func (d *Discovery) CandidateHostnames(site Site) []string {
	out := make([]string, 0, len(site.Hostnames))
	for _, host := range site.Hostnames {
		if d.excluded(host) {
			continue
		}
		out = append(out, host)
	}
	return out
}

func (d *Discovery) excluded(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, suffix := range d.excludedSuffixes {
		s := strings.ToLower(strings.Trim(suffix, "."))
		if h == s || strings.HasSuffix(h, "."+s) {
			return true
		}
	}
	return false
}

// owningSite finds the first site still serving any of the certificate's
// non-wildcard hostnames.
func (d *Discovery) owningSite(sites []Site, domains []string) (Site, bool) {
	for _, site := range sites {
		bound := make(map[string]bool, len(site.Hostnames))
		for _, h := range d.CandidateHostnames(site) {
			bound[strings.ToLower(h)] = true
		}
		for _, domain := range domains {
			if bound[strings.ToLower(strings.TrimPrefix(domain, "*."))] || bound[strings.ToLower(domain)] {
				return site, true
			}
		}
	}
	return Site{}, false
}

func (d *Discovery) challengeFor(domains []string) ca.ChallengeType {
	for _, domain := range domains {
		if strings.HasPrefix(domain, "*.") {
			return ca.ChallengeDNS01
		}
	}
	return d.defaultChallenge
}

func dedupe(domains []string) []string {
	seen := make(map[string]bool, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		key := strings.ToLower(d)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}
