// Package zone maps DNS names onto the provider zones that own them and
// verifies that a matched zone's delegation is actually live before the
// workflow writes challenge records into it.
package zone

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/hostedops/certflow/core/fault"
)

// Zone is a DNS zone as reported by the DNS provider. Read-only; the list is
// fetched fresh per workflow run and treated as immutable.
type Zone struct {
	Name        string
	ID          string
	NameServers []string // delegated name servers, may be empty when unknown
}

// ErrZoneNotFound is wrapped into the precondition error raised when one or
// more names have no owning zone.
var ErrZoneNotFound = errors.New("no matching dns zone")

// Matcher selects the most specific owning zone for a DNS name.
type Matcher struct {
	zones []Zone
}

// NewMatcher builds a matcher over the given zones. Zones are ordered by
// descending name length, then name, then ID, so equal-length matches resolve
// deterministically across runs.
func NewMatcher(zones []Zone) *Matcher {
	sorted := make([]Zone, len(zones))
	copy(sorted, zones)
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].Name) != len(sorted[j].Name) {
			return len(sorted[i].Name) > len(sorted[j].Name)
		}
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &Matcher{zones: sorted}
}

// Match returns the zone owning name: the zone whose name equals the domain or
// is a dot-separated suffix of it, case-insensitive, longest zone name first.
func (m *Matcher) Match(name string) (Zone, bool) {
	candidate := strings.ToLower(strings.TrimSuffix(name, "."))
	for _, z := range m.zones {
		zn := strings.ToLower(strings.TrimSuffix(z.Name, "."))
		if candidate == zn || strings.HasSuffix(candidate, "."+zn) {
			return z, true
		}
	}
	return Zone{}, false
}

// MatchAll resolves the owning zone for every name. When any names have no
// owning zone it fails with a single precondition error enumerating all of
// them, never just the first.
func (m *Matcher) MatchAll(names []string) (map[string]Zone, error) {
	matched := make(map[string]Zone, len(names))
	var missing []string
	for _, name := range names {
		z, ok := m.Match(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		matched[name] = z
	}
	if len(missing) > 0 {
		return nil, fault.Precondition("zone.match", strings.Join(missing, ", "),
			fmt.Errorf("%w for: %s", ErrZoneNotFound, strings.Join(missing, ", ")))
	}
	return matched, nil
}

// RelativeLabel strips the zone suffix from a fully qualified record name.
// A record at the zone apex yields "@".
func RelativeLabel(recordName string, z Zone) string {
	record := strings.ToLower(strings.TrimSuffix(recordName, "."))
	zn := strings.ToLower(strings.TrimSuffix(z.Name, "."))
	if record == zn {
		return "@"
	}
	return strings.TrimSuffix(record, "."+zn)
}

// NSResolver performs a live NS lookup. Satisfied by integration/resolver.
type NSResolver interface {
	LookupNS(ctx context.Context, name string) ([]string, error)
}

// VerifyDelegation confirms the zone's declared name servers overlap the ones
// a live NS lookup returns. A mismatch means delegation is misconfigured and
// challenge completion cannot fix it, so it is a precondition failure. Zones
// with no declared name servers are skipped. Transient resolver errors are
// retriable.
func VerifyDelegation(ctx context.Context, z Zone, r NSResolver) error {
	if len(z.NameServers) == 0 {
		return nil
	}

	live, err := r.LookupNS(ctx, z.Name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && !dnsErr.IsTemporary && !dnsErr.IsTimeout && dnsErr.IsNotFound {
			return fault.Precondition("zone.delegation", z.Name,
				fmt.Errorf("zone has no live NS records: %w", err))
		}
		return fault.Retriable("zone.delegation", z.Name, err)
	}

	declared := normalizeHosts(z.NameServers)
	for _, host := range live {
		if declared[strings.ToLower(strings.TrimSuffix(host, "."))] {
			return nil
		}
	}
	return fault.Preconditionf("zone.delegation", z.Name,
		"delegated name servers %v do not overlap live NS records %v", z.NameServers, live)
}

func normalizeHosts(hosts []string) map[string]bool {
	out := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		out[strings.ToLower(strings.TrimSuffix(h, "."))] = true
	}
	return out
}
