// Package ca defines the certificate-authority data model and the client port
// the workflow drives. The concrete ACME implementation lives in
// integration/acme; tests substitute mocks.
package ca

import "context"

// Status is an order, authorization, or challenge status as reported by the CA.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusProcessing Status = "processing"
	StatusValid      Status = "valid"
	StatusInvalid    Status = "invalid"
)

// ChallengeType identifies the validation mechanism for a domain set.
// Exactly one type is used for a whole order.
type ChallengeType string

const (
	ChallengeHTTP01 ChallengeType = "http-01"
	ChallengeDNS01  ChallengeType = "dns-01"
)

// Order is the CA resource tracking one certificate request.
// An invalid order is abandoned, never resumed.
type Order struct {
	URL               string
	Status            Status
	AuthorizationURLs []string
	FinalizeURL       string
	CertificateURL    string
	Problem           string // CA error detail when Status is invalid
}

// Authorization is the CA resource proving control over one name inside an
// order. Read-only from this system's perspective.
type Authorization struct {
	URL        string
	Identifier string // domain name, without any wildcard prefix handling
	Status     Status
	Wildcard   bool
	Challenges []Challenge
}

// Challenge is one offered validation mechanism instance.
type Challenge struct {
	Type    ChallengeType
	URL     string
	Status  Status
	Token   string
	Problem string // CA error detail when Status is invalid
}

// Client is everything the issuance workflow needs from the certificate
// authority. Implementations must be safe for concurrent use across domain
// sets.
type Client interface {
	// CreateOrder submits a new order covering the given domains.
	CreateOrder(ctx context.Context, domains []string) (*Order, error)

	// Order fetches the current state of an order by URL.
	Order(ctx context.Context, url string) (*Order, error)

	// Authorization fetches an authorization by URL.
	Authorization(ctx context.Context, url string) (*Authorization, error)

	// Accept tells the CA the challenge's proof is in place and may be validated.
	Accept(ctx context.Context, challengeURL string) error

	// KeyAuthorization derives the http-01 proof body for a challenge token.
	KeyAuthorization(token string) (string, error)

	// DNSChallengeValue derives the dns-01 TXT record value for a challenge token.
	DNSChallengeValue(token string) (string, error)

	// Finalize submits the CSR to the order's finalize URL and returns the
	// issued chain in DER form plus the certificate URL.
	Finalize(ctx context.Context, finalizeURL string, csr []byte) (chain [][]byte, certURL string, err error)

	// AlternateChainURLs lists the download URLs of alternate chains, if the
	// CA offers any.
	AlternateChainURLs(ctx context.Context, certURL string) ([]string, error)

	// FetchChain downloads a certificate chain in DER form.
	FetchChain(ctx context.Context, certURL string) ([][]byte, error)
}
