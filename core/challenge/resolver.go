package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hostedops/certflow/core/ca"
	"github.com/hostedops/certflow/core/fault"
	"github.com/hostedops/certflow/core/logger"
)

// ErrChallengeTypeConflict is wrapped into the precondition failure raised
// when an authorization does not offer the workflow's chosen challenge type.
// It signals that HTTP and DNS validation would be mixed within one domain
// set, which is not allowed.
var ErrChallengeTypeConflict = errors.New("challenge type not offered by authorization")

// ProofWriter publishes an http-01 proof file into a site's content root.
// Satisfied by the hosting control-plane client.
type ProofWriter interface {
	WriteProofFile(ctx context.Context, site, path string, content []byte) error
}

// Resolver turns authorization URLs into ChallengeResults for exactly one
// challenge type, preparing the http-01 proof artifact as a side effect.
// DNS record creation is left to the orchestrator, which batches records
// across the whole domain set.
type Resolver struct {
	ca    ca.Client
	files ProofWriter
	log   *slog.Logger
}

// NewResolver builds a Resolver. files may be nil when only dns-01 is used.
func NewResolver(client ca.Client, files ProofWriter, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{ca: client, files: files, log: log.With(logger.Component("challenge.resolver"))}
}

// Resolve fetches every authorization and derives the proof for the chosen
// challenge type. Authorizations already valid are skipped. site names the
// hosting site that serves http-01 proofs; it is unused for dns-01.
func (r *Resolver) Resolve(ctx context.Context, site string, authzURLs []string, typ ca.ChallengeType) ([]Result, error) {
	results := make([]Result, 0, len(authzURLs))
	for _, authzURL := range authzURLs {
		authz, err := r.ca.Authorization(ctx, authzURL)
		if err != nil {
			return nil, fault.Retriable("challenge.authz", authzURL, err)
		}
		if authz.Status == ca.StatusValid {
			r.log.DebugContext(ctx, "authorization already valid, skipping",
				slog.String("identifier", authz.Identifier))
			continue
		}

		chal, ok := pick(authz, typ)
		if !ok {
			return nil, fault.Precondition("challenge.select", authz.Identifier,
				fmt.Errorf("%w: need %s for %s, offered %v",
					ErrChallengeTypeConflict, typ, authz.Identifier, offeredTypes(authz)))
		}

		result, err := r.resolve(ctx, site, authz, chal, typ)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (r *Resolver) resolve(ctx context.Context, site string, authz *ca.Authorization, chal ca.Challenge, typ ca.ChallengeType) (Result, error) {
	domain := authz.Identifier
	if authz.Wildcard {
		domain = "*." + domain
	}

	switch typ {
	case ca.ChallengeHTTP01:
		keyAuth, err := r.ca.KeyAuthorization(chal.Token)
		if err != nil {
			return Result{}, fault.Fatal("challenge.keyauth", domain, err)
		}
		path := WellKnownPrefix + chal.Token
		if err := r.files.WriteProofFile(ctx, site, path, []byte(keyAuth)); err != nil {
			return Result{}, fault.Retriable("challenge.proof.write", site+path, err)
		}
		r.log.InfoContext(ctx, "http-01 proof published",
			logger.Site(site), slog.String("path", path))
		return Result{Domain: domain, ChallengeURL: chal.URL, Proof: HTTPProof{Path: path, Value: keyAuth}}, nil

	case ca.ChallengeDNS01:
		value, err := r.ca.DNSChallengeValue(chal.Token)
		if err != nil {
			return Result{}, fault.Fatal("challenge.keyauth", domain, err)
		}
		return Result{Domain: domain, ChallengeURL: chal.URL, Proof: DNSProof{RecordName: DNSRecordName(domain), Value: value}}, nil

	default:
		return Result{}, fault.Fatalf("challenge.select", domain, "unsupported challenge type %q", typ)
	}
}

func pick(authz *ca.Authorization, typ ca.ChallengeType) (ca.Challenge, bool) {
	for _, chal := range authz.Challenges {
		if chal.Type == typ {
			return chal, true
		}
	}
	return ca.Challenge{}, false
}

func offeredTypes(authz *ca.Authorization) []ca.ChallengeType {
	types := make([]ca.ChallengeType, 0, len(authz.Challenges))
	for _, chal := range authz.Challenges {
		types = append(types, chal.Type)
	}
	return types
}
