package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// PollConfig bounds a wait for an external condition.
type PollConfig struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
}

// DefaultPollConfig suits cluster and snapshot transitions.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:    5 * time.Second,
		MaxInterval: 1 * time.Minute,
		Timeout:     2 * time.Hour,
	}
}

var errNotReady = errors.New("condition not reached")

// Poll calls check with exponential backoff until it reports done, returns an
// error, or cfg.Timeout elapses. Exhaustion is an *ActionError with code
// POLL_TIMEOUT.
func Poll(ctx context.Context, cfg PollConfig, what string, check func(ctx context.Context) (bool, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Interval
	b.MaxInterval = cfg.MaxInterval

	op := func() (struct{}, error) {
		done, err := check(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !done {
			return struct{}{}, errNotReady
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(cfg.Timeout))
	if errors.Is(err, errNotReady) {
		return NewActionError(fmt.Sprintf("timed out waiting for %s", what), map[string]interface{}{
			"code":    ErrCodePollTimeout,
			"timeout": cfg.Timeout.String(),
		})
	}
	return err
}
