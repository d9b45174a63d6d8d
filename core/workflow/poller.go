package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hostedops/certflow/core/ca"
	"github.com/hostedops/certflow/core/fault"
	"github.com/hostedops/certflow/core/logger"
)

// ErrOrderInvalid is wrapped into the restart-required error raised when the
// CA rejects an order's validation. An invalid order can never be resumed.
var ErrOrderInvalid = errors.New("order validation failed")

// Poller waits for the CA to finish validating an order.
type Poller struct {
	ca          ca.Client
	interval    time.Duration
	maxAttempts uint64
	log         *slog.Logger
}

// NewPoller builds a Poller. interval and maxAttempts fall back to one poll
// per five seconds, twelve polls, when zero.
func NewPoller(client ca.Client, interval time.Duration, maxAttempts uint64, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxAttempts == 0 {
		maxAttempts = 12
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		ca:          client,
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         log.With(logger.Component("poller")),
	}
}

// Wait polls the order until validation settles. pending and processing keep
// polling on a fixed backoff; valid and ready return the order; invalid
// gathers every failed challenge's problem detail and raises a
// restart-required error. Exhausting the attempt budget or the context
// deadline yields a retriable error.
func (p *Poller) Wait(ctx context.Context, orderURL string) (*ca.Order, error) {
	var settled *ca.Order
	attempt := 0

	backoff := retry.WithMaxRetries(p.maxAttempts, retry.NewConstant(p.interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		order, err := p.ca.Order(ctx, orderURL)
		if err != nil {
			return retry.RetryableError(err)
		}

		switch order.Status {
		case ca.StatusPending, ca.StatusProcessing:
			p.log.DebugContext(ctx, "order validation in progress",
				logger.OrderURL(orderURL),
				logger.Attempt(attempt),
				slog.String("status", string(order.Status)))
			return retry.RetryableError(fmt.Errorf("order still %s", order.Status))
		case ca.StatusInvalid:
			return p.invalid(ctx, order)
		default: // valid, ready
			settled = order
			return nil
		}
	})
	if err != nil {
		if fault.KindOf(err) != fault.KindUnknown {
			return nil, err
		}
		return nil, fault.Retriable("poll", orderURL, err)
	}
	return settled, nil
}

// invalid collects the problem detail of every failed challenge so the
// restart error explains what the CA actually rejected.
func (p *Poller) invalid(ctx context.Context, order *ca.Order) error {
	problems := []error{ErrOrderInvalid}
	if order.Problem != "" {
		problems = append(problems, errors.New(order.Problem))
	}
	for _, authzURL := range order.AuthorizationURLs {
		authz, err := p.ca.Authorization(ctx, authzURL)
		if err != nil {
			p.log.WarnContext(ctx, "could not fetch authorization detail",
				slog.String("url", authzURL), logger.Error(err))
			continue
		}
		for _, chal := range authz.Challenges {
			if chal.Status == ca.StatusInvalid && chal.Problem != "" {
				problems = append(problems, fmt.Errorf("%s %s: %s", authz.Identifier, chal.Type, chal.Problem))
			}
		}
	}
	return fault.Restart("poll", order.URL, errors.Join(problems...))
}
