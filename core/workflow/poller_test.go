package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostedops/certflow/core/ca"
	"github.com/hostedops/certflow/core/fault"
	"github.com/hostedops/certflow/core/workflow"
)

// scriptedCA serves a fixed sequence of order statuses, one per poll.
type scriptedCA struct {
	fakeACME // unused methods fall through to the embedded fake

	statuses []ca.Status
	polls    int
	authz    *ca.Authorization
	orderErr error
}

func (s *scriptedCA) Order(_ context.Context, url string) (*ca.Order, error) {
	if s.orderErr != nil {
		return nil, s.orderErr
	}
	status := s.statuses[len(s.statuses)-1]
	if s.polls < len(s.statuses) {
		status = s.statuses[s.polls]
	}
	s.polls++
	order := &ca.Order{URL: url, Status: status}
	if s.authz != nil {
		order.AuthorizationURLs = []string{s.authz.URL}
	}
	if status == ca.StatusInvalid {
		order.Problem = "rateLimited"
	}
	return order, nil
}

func (s *scriptedCA) Authorization(_ context.Context, url string) (*ca.Authorization, error) {
	if s.authz == nil || s.authz.URL != url {
		return nil, errors.New("unknown authorization")
	}
	return s.authz, nil
}

func TestPoller_Wait(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []ca.Status
		wantKind fault.Kind
		want     ca.Status
	}{
		{name: "valid immediately", statuses: []ca.Status{ca.StatusValid}, want: ca.StatusValid},
		{name: "ready immediately", statuses: []ca.Status{ca.StatusReady}, want: ca.StatusReady},
		{name: "pending then valid", statuses: []ca.Status{ca.StatusPending, ca.StatusPending, ca.StatusValid}, want: ca.StatusValid},
		{name: "processing then ready", statuses: []ca.Status{ca.StatusProcessing, ca.StatusReady}, want: ca.StatusReady},
		{name: "invalid raises restart", statuses: []ca.Status{ca.StatusPending, ca.StatusInvalid}, wantKind: fault.KindRestart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &scriptedCA{statuses: tt.statuses}
			p := workflow.NewPoller(client, time.Millisecond, 10, nil)

			order, err := p.Wait(context.Background(), "https://ca.test/order/1")
			if tt.wantKind != fault.KindUnknown {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, fault.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, order.Status)
		})
	}
}

func TestPoller_InvalidCollectsChallengeProblems(t *testing.T) {
	t.Parallel()

	client := &scriptedCA{
		statuses: []ca.Status{ca.StatusInvalid},
		authz: &ca.Authorization{
			URL:        "https://ca.test/authz/1",
			Identifier: "shop.example.com",
			Status:     ca.StatusInvalid,
			Challenges: []ca.Challenge{{
				Type:    ca.ChallengeDNS01,
				Status:  ca.StatusInvalid,
				Problem: "incorrect TXT record found",
			}},
		},
	}
	p := workflow.NewPoller(client, time.Millisecond, 3, nil)

	_, err := p.Wait(context.Background(), "https://ca.test/order/1")
	require.Error(t, err)
	assert.True(t, fault.IsRestart(err))
	assert.ErrorIs(t, err, workflow.ErrOrderInvalid)
	assert.Contains(t, err.Error(), "rateLimited")
	assert.Contains(t, err.Error(), "shop.example.com dns-01: incorrect TXT record found")
}

func TestPoller_AttemptsExhaustedIsRetriable(t *testing.T) {
	t.Parallel()

	client := &scriptedCA{statuses: []ca.Status{ca.StatusPending}}
	p := workflow.NewPoller(client, time.Millisecond, 3, nil)

	_, err := p.Wait(context.Background(), "https://ca.test/order/1")
	require.Error(t, err)
	assert.True(t, fault.IsRetriable(err))
}

func TestPoller_FetchErrorsAreRetried(t *testing.T) {
	t.Parallel()

	client := &scriptedCA{orderErr: errors.New("connection refused")}
	p := workflow.NewPoller(client, time.Millisecond, 2, nil)

	_, err := p.Wait(context.Background(), "https://ca.test/order/1")
	require.Error(t, err)
	assert.True(t, fault.IsRetriable(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestPoller_ContextDeadlineAborts(t *testing.T) {
	t.Parallel()

	client := &scriptedCA{statuses: []ca.Status{ca.StatusPending}}
	p := workflow.NewPoller(client, 50*time.Millisecond, 100, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx, "https://ca.test/order/1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
