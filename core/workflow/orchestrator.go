package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/hostedops/certflow/core/ca"
	"github.com/hostedops/certflow/core/challenge"
	"github.com/hostedops/certflow/core/deploy"
	"github.com/hostedops/certflow/core/fault"
	"github.com/hostedops/certflow/core/finalize"
	"github.com/hostedops/certflow/core/logger"
	"github.com/hostedops/certflow/core/zone"
)

// ErrRestartsExhausted reports that the CA invalidated the order more times
// than the workflow is allowed to start over.
var ErrRestartsExhausted = errors.New("order restart budget exhausted")

// cleanupTimeout bounds the record cleanup that runs after the set's own
// context has failed or expired.
const cleanupTimeout = 2 * time.Minute

// Event describes one successfully deployed certificate.
type Event struct {
	Site       string
	Domains    []string
	Thumbprint string
	NotAfter   time.Time
}

// Notifier receives completion events. Implementations must be fire-and-forget:
// delivery failure is theirs to log, never to propagate.
type Notifier interface {
	CertificateDeployed(ctx context.Context, ev Event)
}

// NoopNotifier discards events.
type NoopNotifier struct{}

func (NoopNotifier) CertificateDeployed(context.Context, Event) {}

// Config bounds the orchestrator's retries and timeouts.
type Config struct {
	// MaxOrderRestarts caps how many times an invalidated order is replaced
	// with a fresh one before the workflow gives up.
	MaxOrderRestarts int

	// VerifyInterval is the base backoff while waiting for proofs to
	// propagate; attempts grow exponentially from it.
	VerifyInterval time.Duration

	// VerifyBackoffCap caps a single verification backoff sleep, keeping the
	// exponential growth from outrunning the set timeout.
	VerifyBackoffCap time.Duration

	// VerifyMaxAttempts bounds local proof verification attempts.
	VerifyMaxAttempts uint64

	// PollInterval is the fixed delay between CA validation polls.
	PollInterval time.Duration

	// PollMaxAttempts bounds CA validation polls per order.
	PollMaxAttempts uint64

	// SetTimeout bounds each domain set's workflow within a batch run.
	SetTimeout time.Duration

	// Concurrency caps how many domain sets are processed at once.
	// Zero means no limit.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxOrderRestarts == 0 {
		c.MaxOrderRestarts = 2
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = 5 * time.Second
	}
	if c.VerifyBackoffCap <= 0 {
		c.VerifyBackoffCap = time.Minute
	}
	if c.VerifyMaxAttempts == 0 {
		c.VerifyMaxAttempts = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollMaxAttempts == 0 {
		c.PollMaxAttempts = 12
	}
	if c.SetTimeout <= 0 {
		c.SetTimeout = 15 * time.Minute
	}
	return c
}

// Orchestrator drives the issuance workflow for domain sets.
type Orchestrator struct {
	ca        ca.Client
	resolver  *challenge.Resolver
	verifier  *challenge.Verifier
	records   RecordStore
	ns        zone.NSResolver
	finalizer *finalize.Finalizer
	deployer  *deploy.Deployer
	store     CheckpointStore
	notifier  Notifier
	cfg       Config
	log       *slog.Logger
}

// New wires an Orchestrator. records and ns may be nil when only http-01 is
// used; notifier may be nil.
func New(
	client ca.Client,
	resolver *challenge.Resolver,
	verifier *challenge.Verifier,
	records RecordStore,
	ns zone.NSResolver,
	finalizer *finalize.Finalizer,
	deployer *deploy.Deployer,
	store CheckpointStore,
	notifier Notifier,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		ca:        client,
		resolver:  resolver,
		verifier:  verifier,
		records:   records,
		ns:        ns,
		finalizer: finalizer,
		deployer:  deployer,
		store:     store,
		notifier:  notifier,
		cfg:       cfg.withDefaults(),
		log:       log.With(logger.Component("orchestrator")),
	}
}

// RunBatch processes every target concurrently. One target's failure never
// aborts the others; the joined per-target errors are returned at the end.
// The zone list is fetched once and shared read-only across the batch.
func (o *Orchestrator) RunBatch(ctx context.Context, targets []Target) error {
	matcher, err := o.zoneMatcher(ctx, targets)
	if err != nil {
		return err
	}

	errs := make([]error, len(targets))
	var g errgroup.Group
	if o.cfg.Concurrency > 0 {
		g.SetLimit(o.cfg.Concurrency)
	}
	for i, target := range targets {
		g.Go(func() error {
			setCtx, cancel := context.WithTimeout(ctx, o.cfg.SetTimeout)
			defer cancel()
			if err := o.Execute(setCtx, matcher, target); err != nil {
				errs[i] = fmt.Errorf("%s: %w", target.ID(), err)
				o.log.ErrorContext(ctx, "domain set failed",
					logger.Site(target.Site),
					logger.Domains(target.Domains),
					logger.Error(err))
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors, they record them
	return errors.Join(errs...)
}

func (o *Orchestrator) zoneMatcher(ctx context.Context, targets []Target) (*zone.Matcher, error) {
	needsDNS := false
	for _, t := range targets {
		if t.ChallengeType == ca.ChallengeDNS01 {
			needsDNS = true
			break
		}
	}
	if !needsDNS {
		return zone.NewMatcher(nil), nil
	}
	zones, err := o.records.Zones(ctx)
	if err != nil {
		return nil, fault.Retriable("zones.list", "dns provider", err)
	}
	return zone.NewMatcher(zones), nil
}

// Execute runs one domain set's workflow to completion, resuming from any
// persisted checkpoint. A pending order from a previous run is reused; a new
// order is never created while one is still answerable.
func (o *Orchestrator) Execute(ctx context.Context, matcher *zone.Matcher, t Target) error {
	id := t.ID()
	log := o.log.With(logger.Site(t.Site), logger.Domains(t.Domains))

	cp, err := o.loadCheckpoint(ctx, id, t)
	if err != nil {
		return err
	}

	start := time.Now()
	for {
		err := o.runOrder(ctx, cp, matcher, t, log)
		if err == nil {
			if err := o.store.Delete(ctx, id); err != nil {
				log.WarnContext(ctx, "checkpoint delete failed", logger.Error(err))
			}
			log.InfoContext(ctx, "certificate workflow completed", logger.Elapsed(start))
			return nil
		}
		if !fault.IsRestart(err) {
			return err
		}

		if cp.Restarts >= o.cfg.MaxOrderRestarts {
			return fault.Fatal("workflow.restart", cp.OrderURL,
				fmt.Errorf("%w after %d restarts: %w", ErrRestartsExhausted, cp.Restarts, err))
		}
		cp.Restarts++
		cp.OrderURL = ""
		cp.Step = StepNone
		if err := o.saveCheckpoint(ctx, cp); err != nil {
			return err
		}
		log.WarnContext(ctx, "order invalidated, starting over",
			logger.Attempt(cp.Restarts), logger.Error(err))
	}
}

// loadCheckpoint fetches or initializes the target's checkpoint. Progress past
// validation is not resumable (the private key is never persisted), so such a
// checkpoint restarts with a fresh order and consumes a restart.
func (o *Orchestrator) loadCheckpoint(ctx context.Context, id string, t Target) (*Checkpoint, error) {
	cp, err := o.store.Load(ctx, id)
	switch {
	case errors.Is(err, ErrCheckpointNotFound):
		return &Checkpoint{ID: id, Site: t.Site, Domains: t.Domains}, nil
	case err != nil:
		return nil, fault.Retriable("checkpoint.load", id, err)
	}

	switch cp.Step {
	case StepFinalized, StepDeployed, StepCleanedUp:
		cp.Restarts++
		cp.OrderURL = ""
		cp.Step = StepNone
	}
	return cp, nil
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	if err := o.store.Save(ctx, cp); err != nil {
		return fault.Retriable("checkpoint.save", cp.ID, err)
	}
	return nil
}

// checkpointStep advances the checkpoint to step. Steps only move forward: a
// resumed run re-executing earlier stages never regresses recorded progress.
func (o *Orchestrator) checkpointStep(ctx context.Context, cp *Checkpoint, step Step) error {
	if cp.Step.Reached(step) {
		return nil
	}
	cp.Step = step
	return o.saveCheckpoint(ctx, cp)
}

// runOrder drives a single order from creation (or reuse) through deployment.
// A restart-required return means the caller may try again with a new order.
func (o *Orchestrator) runOrder(ctx context.Context, cp *Checkpoint, matcher *zone.Matcher, t Target, log *slog.Logger) (err error) {
	order, err := o.ensureOrder(ctx, cp, matcher, t, log)
	if err != nil {
		return err
	}

	results, err := o.resolver.Resolve(ctx, t.Site, order.AuthorizationURLs, t.ChallengeType)
	if err != nil {
		return err
	}

	var sets []RecordSet
	if t.ChallengeType == ca.ChallengeDNS01 {
		sets, err = PlanRecordSets(results, matcher)
		if err != nil {
			return err
		}
		// Proof records come down on every exit path, success or not. The
		// set's context is often already expired here (deadline aborts are
		// the usual failure), so cleanup runs on its own short deadline.
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			defer cancel()
			CleanupRecordSets(cleanupCtx, o.records, sets, log)
			if err == nil {
				// Bookkeeping only: the certificate is already live, and the
				// caller deletes the checkpoint next anyway.
				if cerr := o.checkpointStep(cleanupCtx, cp, StepCleanedUp); cerr != nil {
					log.WarnContext(cleanupCtx, "cleanup checkpoint save failed", logger.Error(cerr))
				}
			}
		}()
		if err := ApplyRecordSets(ctx, o.records, sets, log); err != nil {
			return err
		}
	}
	if err := o.checkpointStep(ctx, cp, StepChallengesPrepared); err != nil {
		return err
	}

	if err := o.verifyWithBackoff(ctx, results); err != nil {
		return err
	}
	if err := o.checkpointStep(ctx, cp, StepChallengesVerified); err != nil {
		return err
	}

	// A resumed run that already answered must not re-POST accept: the CA may
	// be mid-validation and reject the replay.
	if cp.Step.Reached(StepChallengesAnswered) {
		log.InfoContext(ctx, "challenges already answered, awaiting validation")
	} else {
		for _, res := range results {
			if err := o.ca.Accept(ctx, res.ChallengeURL); err != nil {
				return fault.Retriable("challenge.accept", res.ChallengeURL, err)
			}
		}
		if err := o.checkpointStep(ctx, cp, StepChallengesAnswered); err != nil {
			return err
		}
	}

	poller := NewPoller(o.ca, o.cfg.PollInterval, o.cfg.PollMaxAttempts, o.log)
	order, err = poller.Wait(ctx, order.URL)
	if err != nil {
		return err
	}
	if err := o.checkpointStep(ctx, cp, StepValidationPolled); err != nil {
		return err
	}

	cert, err := o.finalizer.Finalize(ctx, order, t.Domains)
	if err != nil {
		return err
	}
	if err := o.checkpointStep(ctx, cp, StepFinalized); err != nil {
		return err
	}

	if err := o.deployer.Deploy(ctx, t.Site, cert); err != nil {
		return err
	}
	if err := o.checkpointStep(ctx, cp, StepDeployed); err != nil {
		return err
	}

	o.notifier.CertificateDeployed(ctx, Event{
		Site:       t.Site,
		Domains:    cert.Domains,
		Thumbprint: cert.Thumbprint,
		NotAfter:   cert.NotAfter,
	})
	return nil
}

// ensureOrder reuses the checkpointed order when it is still answerable and
// creates a fresh one otherwise. Preconditions (zone ownership, delegation)
// are checked before the CA sees anything, so a misconfigured target produces
// no CA side effects.
func (o *Orchestrator) ensureOrder(ctx context.Context, cp *Checkpoint, matcher *zone.Matcher, t Target, log *slog.Logger) (*ca.Order, error) {
	if cp.OrderURL != "" {
		order, err := o.ca.Order(ctx, cp.OrderURL)
		if err != nil {
			return nil, fault.Retriable("order.fetch", cp.OrderURL, err)
		}
		switch order.Status {
		case ca.StatusPending, ca.StatusReady:
			log.InfoContext(ctx, "resuming pending order", logger.OrderURL(order.URL))
			return order, nil
		default:
			// valid means the certificate was issued but its key is gone;
			// invalid can never be resumed. Either way: fresh order.
			return nil, fault.Restart("order.resume", order.URL,
				fmt.Errorf("checkpointed order is %s: %w", order.Status, ErrOrderInvalid))
		}
	}

	if err := o.checkPreconditions(ctx, matcher, t); err != nil {
		return nil, err
	}

	order, err := o.ca.CreateOrder(ctx, t.Domains)
	if err != nil {
		return nil, fault.Retriable("order.create", t.Domains[0], err)
	}
	log.InfoContext(ctx, "order created", logger.OrderURL(order.URL))

	cp.OrderURL = order.URL
	if err := o.checkpointStep(ctx, cp, StepOrderCreated); err != nil {
		return nil, err
	}
	return order, nil
}

// checkPreconditions validates everything that challenge completion cannot
// fix: for dns-01, every challenge record name must land in an owned zone and
// each distinct zone's delegation must be live.
func (o *Orchestrator) checkPreconditions(ctx context.Context, matcher *zone.Matcher, t Target) error {
	if len(t.Domains) == 0 {
		return fault.Preconditionf("workflow.target", t.Site, "empty domain set")
	}
	if t.ChallengeType != ca.ChallengeDNS01 {
		return nil
	}

	names := make([]string, 0, len(t.Domains))
	for _, d := range t.Domains {
		names = append(names, challenge.DNSRecordName(d))
	}
	zones, err := matcher.MatchAll(names)
	if err != nil {
		return err
	}

	checked := make(map[string]bool, len(zones))
	for _, z := range zones {
		if checked[z.ID] {
			continue
		}
		checked[z.ID] = true
		if err := zone.VerifyDelegation(ctx, z, o.ns); err != nil {
			return err
		}
	}
	return nil
}

// verifyWithBackoff checks proofs locally, retrying on an exponential backoff
// while propagation catches up. Only retriable verification failures are
// retried.
func (o *Orchestrator) verifyWithBackoff(ctx context.Context, results []challenge.Result) error {
	backoff := retry.NewExponential(o.cfg.VerifyInterval)
	backoff = retry.WithCappedDuration(o.cfg.VerifyBackoffCap, backoff)
	backoff = retry.WithMaxRetries(o.cfg.VerifyMaxAttempts, backoff)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := o.verifier.VerifyAll(ctx, results); err != nil {
			if fault.IsRetriable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil && fault.KindOf(err) == fault.KindUnknown {
		return fault.Retriable("challenge.verify", "local", err)
	}
	return err
}
