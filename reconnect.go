package mqttv5

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrReconnectFailed is returned when every reconnect attempt failed.
var ErrReconnectFailed = errors.New("reconnect attempts exhausted")

// BackoffStrategy computes the delay before the next attempt from the
// attempt number (1-based), the previous delay and the last error.
type BackoffStrategy func(attempt int, previous time.Duration, err error) time.Duration

// ReconnectPolicy controls Reconnect.
type ReconnectPolicy struct {
	// MaxAttempts bounds the attempts; 0 retries until ctx ends.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Multiplier grows the delay after each failure. Values below 1 mean 2.
	Multiplier float64
	// Jitter randomizes each delay by up to this fraction, in [0, 1].
	Jitter float64

	// Strategy replaces the exponential schedule when set.
	Strategy BackoffStrategy

	// Resubscribe sends the remembered subscriptions again when the server
	// did not resume the session.
	Resubscribe bool
}

// DefaultReconnectPolicy retries forever from 1s up to 60s with 20% jitter
// and restores subscriptions.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		Resubscribe:    true,
	}
}

func (p ReconnectPolicy) next(attempt int, prev time.Duration, err error) time.Duration {
	var d time.Duration
	if p.Strategy != nil {
		d = p.Strategy(attempt, prev, err)
	} else {
		mult := p.Multiplier
		if mult < 1 {
			mult = 2
		}
		d = time.Duration(float64(prev) * mult)
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

func (p ReconnectPolicy) jittered(d time.Duration) time.Duration {
	j := min(max(p.Jitter, 0), 1)
	if j == 0 || d <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * j * float64(d)
	return time.Duration(float64(d) + delta)
}

// Reconnect connects c to endpoint, retrying failed handshakes with
// backoff until one succeeds, the attempts are exhausted or ctx ends.
// The first attempt is made immediately. Retrying is always the caller's
// choice: the client itself never reconnects.
func Reconnect(ctx context.Context, c *Client, endpoint string, policy ReconnectPolicy) error {
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 1; policy.MaxAttempts <= 0 || attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.jittered(backoff)
			c.logger.Info("reconnecting", LogFields{
				LogFieldEndpoint: endpoint,
				"attempt":        attempt,
				LogFieldDuration: delay.String(),
			})

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), lastErr)
			case <-timer.C:
			}
			backoff = policy.next(attempt, backoff, lastErr)
		}

		lastErr = c.connectAndWait(ctx, endpoint)
		switch {
		case lastErr == nil:
			if policy.Resubscribe && !c.SessionPresent() {
				if _, err := c.Resubscribe(); err != nil {
					c.logger.Warn("resubscribe failed", LogFields{LogFieldError: err.Error()})
				}
			}
			return nil
		case errors.Is(lastErr, ErrClientClosed):
			return lastErr
		case ctx.Err() != nil:
			return errors.Join(ctx.Err(), lastErr)
		}
		var se *StateError
		if errors.As(lastErr, &se) {
			return lastErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, policy.MaxAttempts, lastErr)
}

// connectAndWait connects and blocks until the CONNACK outcome. When ctx
// ends first, the handshake in progress is abandoned.
func (c *Client) connectAndWait(ctx context.Context, endpoint string) error {
	attempt, err := c.connect(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := attempt.Wait(ctx); err != nil {
		c.mu.Lock()
		l := c.link
		c.mu.Unlock()
		c.teardown(l, closeReason{err: &ConnectError{Cause: err}, onlyConnecting: true})
		return err
	}
	return nil
}
