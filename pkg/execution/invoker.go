package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/canon"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
)

// Invoker drives the gateway with transient-error retries. Credentials are
// minted fresh per attempt and never outlive the call.
type Invoker struct {
	gateway Gateway
	creds   CredentialSource
	policy  config.RetryPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

func NewInvoker(gateway Gateway, creds CredentialSource, policy config.RetryPolicy) *Invoker {
	return &Invoker{
		gateway: gateway,
		creds:   creds,
		policy:  policy,
		sleep:   sleepCtx,
		logger:  slog.Default().With("component", "tool-invoker"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetSleeper replaces the backoff sleeper. Test use.
func (i *Invoker) SetSleeper(f func(ctx context.Context, d time.Duration) error) { i.sleep = f }

// Invoke calls the gateway, retrying transient failures. It returns the
// number of attempts actually made alongside the response.
func (i *Invoker) Invoke(ctx context.Context, req ToolRequest) (ToolResponse, int, error) {
	var lastErr error
	for attempt := 1; attempt <= i.policy.Attempts; attempt++ {
		creds, err := i.creds.Ephemeral(ctx, req.TenantID, req.Tool)
		if err != nil {
			return ToolResponse{}, attempt, fmt.Errorf("invoke %s: credentials: %w", req.Tool, err)
		}
		resp, err := i.gateway.Invoke(ctx, req, creds)
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == i.policy.Attempts {
			return ToolResponse{}, attempt, err
		}

		delay := i.backoff(attempt) + i.jitter(req.ActionIntentID, attempt)
		i.logger.WarnContext(ctx, "tool invocation retrying",
			"tool", req.Tool, "attempt", attempt, "delay", delay, "error", err)
		if err := i.sleep(ctx, delay); err != nil {
			return ToolResponse{}, attempt, err
		}
	}
	return ToolResponse{}, i.policy.Attempts, lastErr
}

func (i *Invoker) backoff(attempt int) time.Duration {
	d := i.policy.InitialBackoff
	for n := 1; n < attempt; n++ {
		d *= time.Duration(i.policy.Factor)
	}
	return d
}

// jitter is deterministic per (intent, attempt) so retries are reproducible
// under replay while still decorrelating concurrent intents.
func (i *Invoker) jitter(actionIntentID string, attempt int) time.Duration {
	if i.policy.MaxJitter <= 0 {
		return 0
	}
	h := canon.HashBytes([]byte(actionIntentID + "#" + strconv.Itoa(attempt)))
	seed, err := strconv.ParseUint(h[:16], 16, 64)
	if err != nil {
		return 0
	}
	return time.Duration(seed % uint64(i.policy.MaxJitter))
}
