package workflow

import (
	"context"
	"log/slog"
	"sort"

	"github.com/hostedops/certflow/core/challenge"
	"github.com/hostedops/certflow/core/fault"
	"github.com/hostedops/certflow/core/logger"
	"github.com/hostedops/certflow/core/zone"
)

// RecordTTL is the TTL of challenge TXT records. Kept short so stale proofs
// fall out of resolver caches quickly.
const RecordTTL = 60

// RecordSet is one planned TXT record set: all challenge values sharing a
// record name, addressed by its owning zone and zone-relative label.
type RecordSet struct {
	Zone   zone.Zone
	FQDN   string // fully qualified record name
	Label  string // zone-relative, "@" at the apex
	TTL    int
	Values []string // sorted, de-duplicated
}

// RecordStore is the DNS provider surface the workflow writes challenge
// records through. Satisfied by integration/dns.
type RecordStore interface {
	// Zones lists every zone the provider account holds.
	Zones(ctx context.Context) ([]zone.Zone, error)

	// TXTRecordSet fetches the current values of a TXT record set. An absent
	// set is an empty slice, not an error.
	TXTRecordSet(ctx context.Context, z zone.Zone, label string) ([]string, error)

	// UpsertTXTRecordSet replaces the record set's values wholesale.
	UpsertTXTRecordSet(ctx context.Context, z zone.Zone, label string, ttl int, values []string) error

	// DeleteTXTRecordSet removes the record set. Deleting an absent set is a
	// no-op success.
	DeleteTXTRecordSet(ctx context.Context, z zone.Zone, label string) error
}

// PlanRecordSets groups dns-01 proofs into TXT record sets. Domains whose
// challenge records collapse onto the same name (an apex and its wildcard, or
// an apex covered together with a www subdomain's parent) merge into one set
// carrying every value. Names with no owning zone fail as one precondition
// error listing all of them.
func PlanRecordSets(results []challenge.Result, matcher *zone.Matcher) ([]RecordSet, error) {
	grouped := make(map[string]map[string]struct{})
	for _, res := range results {
		proof, ok := res.Proof.(challenge.DNSProof)
		if !ok {
			continue
		}
		if grouped[proof.RecordName] == nil {
			grouped[proof.RecordName] = make(map[string]struct{})
		}
		grouped[proof.RecordName][proof.Value] = struct{}{}
	}
	if len(grouped) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	zones, err := matcher.MatchAll(names)
	if err != nil {
		return nil, err
	}

	sets := make([]RecordSet, 0, len(names))
	for _, name := range names {
		z := zones[name]
		values := make([]string, 0, len(grouped[name]))
		for v := range grouped[name] {
			values = append(values, v)
		}
		sort.Strings(values)
		sets = append(sets, RecordSet{
			Zone:   z,
			FQDN:   name,
			Label:  zone.RelativeLabel(name, z),
			TTL:    RecordTTL,
			Values: values,
		})
	}
	return sets, nil
}

// ApplyRecordSets upserts every planned set, replacing whatever values the
// provider currently holds. Re-applying an identical plan reproduces the same
// record sets, so a resumed workflow can repeat this step safely; a set that
// already carries exactly the planned values is left untouched.
func ApplyRecordSets(ctx context.Context, store RecordStore, sets []RecordSet, log *slog.Logger) error {
	for _, set := range sets {
		current, err := store.TXTRecordSet(ctx, set.Zone, set.Label)
		if err != nil {
			return fault.Retriable("records.fetch", set.FQDN, err)
		}
		if sameValues(current, set.Values) {
			log.DebugContext(ctx, "challenge record set already current", logger.Record(set.FQDN))
			continue
		}
		if err := store.UpsertTXTRecordSet(ctx, set.Zone, set.Label, set.TTL, set.Values); err != nil {
			return fault.Retriable("records.upsert", set.FQDN, err)
		}
		log.InfoContext(ctx, "challenge record set upserted",
			logger.Record(set.FQDN),
			logger.Count("values", len(set.Values)))
	}
	return nil
}

func sameValues(current, planned []string) bool {
	if len(current) != len(planned) {
		return false
	}
	sorted := make([]string, len(current))
	copy(sorted, current)
	sort.Strings(sorted)
	for i, v := range sorted {
		if v != planned[i] {
			return false
		}
	}
	return true
}

// CleanupRecordSets deletes every planned set, best effort: failures are
// logged and swallowed so cleanup never masks the workflow's outcome.
func CleanupRecordSets(ctx context.Context, store RecordStore, sets []RecordSet, log *slog.Logger) {
	for _, set := range sets {
		if err := store.DeleteTXTRecordSet(ctx, set.Zone, set.Label); err != nil {
			log.WarnContext(ctx, "challenge record cleanup failed",
				logger.Record(set.FQDN),
				logger.Error(err))
			continue
		}
		log.InfoContext(ctx, "challenge record set removed", logger.Record(set.FQDN))
	}
}
