// Package challenge derives and verifies domain-control proofs for one
// chosen validation mechanism per domain set.
package challenge

import "strings"

// Proof is the artifact proving control over one domain. It is a sealed
// variant: HTTPProof or DNSProof, handled exhaustively by type switch.
type Proof interface {
	proof()
}

// HTTPProof is the http-01 artifact: a file at the well-known path whose body
// is the key authorization.
type HTTPProof struct {
	Path  string // site-relative path, e.g. /.well-known/acme-challenge/<token>
	Value string // key authorization
}

func (HTTPProof) proof() {}

// DNSProof is the dns-01 artifact: a TXT value at the challenge record name.
type DNSProof struct {
	RecordName string // fully qualified, e.g. _acme-challenge.example.com
	Value      string // base64url(sha256(key authorization))
}

func (DNSProof) proof() {}

// Result pairs a challenge URL with the computed proof for one domain.
// Results live only for the duration of a workflow run.
type Result struct {
	Domain       string
	ChallengeURL string
	Proof        Proof
}

// WellKnownPrefix is the http-01 proof directory within a site's content root.
const WellKnownPrefix = "/.well-known/acme-challenge/"

// DNSRecordName returns the dns-01 challenge record name for a domain.
// Wildcard names share the record of their base domain.
func DNSRecordName(domain string) string {
	return "_acme-challenge." + strings.TrimPrefix(domain, "*.")
}
