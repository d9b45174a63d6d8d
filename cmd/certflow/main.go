// Command certflow runs one certificate issuance/renewal pass: it discovers
// expiring certificates on the hosting layer, renews each domain set through
// the configured ACME directory, and deploys the results.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostedops/certflow/core/ca"
	"github.com/hostedops/certflow/core/challenge"
	"github.com/hostedops/certflow/core/config"
	"github.com/hostedops/certflow/core/deploy"
	"github.com/hostedops/certflow/core/finalize"
	"github.com/hostedops/certflow/core/logger"
	"github.com/hostedops/certflow/core/workflow"
	"github.com/hostedops/certflow/integration/acme"
	"github.com/hostedops/certflow/integration/checkpoint"
	"github.com/hostedops/certflow/integration/dns"
	"github.com/hostedops/certflow/integration/hosting"
	"github.com/hostedops/certflow/integration/resolver"
	"github.com/hostedops/certflow/pkg/notify"
)

type appConfig struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RunDeadline   time.Duration `env:"RUN_DEADLINE" envDefault:"30m"`
	RenewalWindow time.Duration `env:"RENEWAL_WINDOW" envDefault:"720h"`

	PreferredChain   string   `env:"ACME_PREFERRED_CHAIN"`
	DefaultChallenge string   `env:"DEFAULT_CHALLENGE_TYPE" envDefault:"http-01"`
	ExcludedSuffixes []string `env:"EXCLUDED_DNS_SUFFIXES" envSeparator:","`

	MaxOrderRestarts  int           `env:"MAX_ORDER_RESTARTS" envDefault:"2"`
	Concurrency       int           `env:"WORKFLOW_CONCURRENCY" envDefault:"4"`
	SetTimeout        time.Duration `env:"SET_TIMEOUT" envDefault:"15m"`
	VerifyInterval    time.Duration `env:"VERIFY_INTERVAL" envDefault:"10s"`
	VerifyBackoffCap  time.Duration `env:"VERIFY_BACKOFF_CAP" envDefault:"1m"`
	VerifyMaxAttempts uint64        `env:"VERIFY_MAX_ATTEMPTS" envDefault:"18"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	PollMaxAttempts   uint64        `env:"POLL_MAX_ATTEMPTS" envDefault:"24"`
}

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	var app appConfig
	config.MustLoad(&app)

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(app.LogLevel),
	}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, app.RunDeadline)
	defer cancel()

	var acmeCfg acme.Config
	config.MustLoad(&acmeCfg)
	caClient, err := acme.Connect(ctx, acmeCfg, log)
	if err != nil {
		log.ErrorContext(ctx, "acme connect failed", logger.Error(err))
		return err
	}

	var dnsCfg dns.Config
	config.MustLoad(&dnsCfg)
	dnsClient, err := dns.New(dnsCfg, nil, log)
	if err != nil {
		log.ErrorContext(ctx, "dns client init failed", logger.Error(err))
		return err
	}

	var hostingCfg hosting.Config
	config.MustLoad(&hostingCfg)
	hostingClient, err := hosting.New(hostingCfg, nil, log)
	if err != nil {
		log.ErrorContext(ctx, "hosting client init failed", logger.Error(err))
		return err
	}

	var checkpointCfg checkpoint.Config
	config.MustLoad(&checkpointCfg)
	store, err := checkpoint.Connect(ctx, checkpointCfg)
	if err != nil {
		log.ErrorContext(ctx, "checkpoint store connect failed", logger.Error(err))
		return err
	}
	defer store.Close()

	var resolverCfg resolver.Config
	config.MustLoad(&resolverCfg)
	lookup := resolver.New(resolverCfg)

	var notifyCfg notify.Config
	config.MustLoad(&notifyCfg)

	orch := workflow.New(
		caClient,
		challenge.NewResolver(caClient, hostingClient, log),
		challenge.NewVerifier(nil, lookup, log),
		dnsClient,
		lookup,
		finalize.New(caClient, finalize.Config{PreferredChain: app.PreferredChain}, log),
		deploy.New(hostingClient, log),
		store,
		notify.New(notifyCfg, nil, log),
		workflow.Config{
			MaxOrderRestarts:  app.MaxOrderRestarts,
			VerifyInterval:    app.VerifyInterval,
			VerifyBackoffCap:  app.VerifyBackoffCap,
			VerifyMaxAttempts: app.VerifyMaxAttempts,
			PollInterval:      app.PollInterval,
			PollMaxAttempts:   app.PollMaxAttempts,
			SetTimeout:        app.SetTimeout,
			Concurrency:       app.Concurrency,
		},
		log,
	)

	discovery := workflow.NewDiscovery(hostingClient, app.ExcludedSuffixes,
		ca.ChallengeType(app.DefaultChallenge), log)
	targets, err := discovery.Targets(ctx, app.RenewalWindow)
	if err != nil {
		log.ErrorContext(ctx, "renewal discovery failed", logger.Error(err))
		return err
	}
	if len(targets) == 0 {
		log.InfoContext(ctx, "nothing to renew")
		return nil
	}

	start := time.Now()
	if err := orch.RunBatch(ctx, targets); err != nil {
		log.ErrorContext(ctx, "renewal run finished with failures",
			logger.Count("targets", len(targets)),
			logger.Elapsed(start),
			logger.Error(err))
		return err
	}
	log.InfoContext(ctx, "renewal run completed",
		logger.Count("targets", len(targets)),
		logger.Elapsed(start))
	return nil
}

func logLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
