// Package deploy pushes an issued certificate into the hosting control plane
// and switches hostname TLS bindings to it.
package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hostedops/certflow/core/fault"
	"github.com/hostedops/certflow/core/finalize"
	"github.com/hostedops/certflow/core/logger"
)

// ImportRequest carries one PFX bundle into the hosting certificate store.
type ImportRequest struct {
	Site       string
	Name       string // store entry name, "<domain>-<thumbprint>"
	Thumbprint string
	PFX        []byte
	Passphrase string
}

// Binding maps one hostname to a certificate thumbprint in SNI mode.
type Binding struct {
	Site       string
	Hostname   string
	Thumbprint string
}

// ControlPlane is the hosting-layer surface the deployer drives. The concrete
// REST client lives in integration/hosting.
type ControlPlane interface {
	// CertificateExists reports whether the store already holds a
	// certificate with this thumbprint for the site.
	CertificateExists(ctx context.Context, site, thumbprint string) (bool, error)

	// ImportCertificate uploads a PFX bundle into the site's store.
	ImportCertificate(ctx context.Context, req ImportRequest) error

	// UpsertBinding creates or updates the hostname's SNI binding.
	UpsertBinding(ctx context.Context, b Binding) error
}

// Deployer installs certificates and rebinds hostnames.
type Deployer struct {
	plane ControlPlane
	log   *slog.Logger
}

// New builds a Deployer.
func New(plane ControlPlane, log *slog.Logger) *Deployer {
	if log == nil {
		log = slog.Default()
	}
	return &Deployer{plane: plane, log: log.With(logger.Component("deployer"))}
}

// Deploy imports the certificate into the site's store and points every
// hostname's SNI binding at it. Re-deploying a thumbprint that is already in
// the store skips the upload and goes straight to binding, so a crash between
// upload and bind is safely replayed.
func (d *Deployer) Deploy(ctx context.Context, site string, cert *finalize.Certificate) error {
	name := storeName(cert)

	exists, err := d.plane.CertificateExists(ctx, site, cert.Thumbprint)
	if err != nil {
		return fault.Fatal("deploy.probe", site, err)
	}
	if exists {
		d.log.InfoContext(ctx, "certificate already in store, skipping upload",
			logger.Site(site),
			logger.Thumbprint(cert.Thumbprint))
	} else {
		err := d.plane.ImportCertificate(ctx, ImportRequest{
			Site:       site,
			Name:       name,
			Thumbprint: cert.Thumbprint,
			PFX:        cert.PFX,
			Passphrase: cert.Passphrase,
		})
		if err != nil {
			return fault.Fatal("deploy.import", fmt.Sprintf("%s/%s", site, name),
				fmt.Errorf("upload of %d bytes failed: %w", len(cert.PFX), err))
		}
		d.log.InfoContext(ctx, "certificate imported",
			logger.Site(site),
			logger.Thumbprint(cert.Thumbprint),
			logger.Count("pfx_bytes", len(cert.PFX)))
	}

	for _, hostname := range cert.Domains {
		err := d.plane.UpsertBinding(ctx, Binding{
			Site:       site,
			Hostname:   hostname,
			Thumbprint: cert.Thumbprint,
		})
		if err != nil {
			return fault.Fatal("deploy.bind", fmt.Sprintf("%s/%s", site, hostname), err)
		}
	}

	d.log.InfoContext(ctx, "certificate deployed",
		logger.Site(site),
		logger.Domains(cert.Domains),
		logger.Thumbprint(cert.Thumbprint),
		logger.Expiry(cert.NotAfter))
	return nil
}

func storeName(cert *finalize.Certificate) string {
	return fmt.Sprintf("%s-%s", cert.Domains[0], cert.Thumbprint)
}
