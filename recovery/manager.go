package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"backupxfer/metrics"
	"backupxfer/models"
)

// Policy bounds retries. Zero values select defaults.
type Policy struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Multiplier      float64
	Jitter          float64
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		Multiplier:      2,
		Jitter:          0.3,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaults.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = defaults.Jitter
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = defaults.BreakerFailures
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = defaults.BreakerCooldown
	}
	return p
}

// Manager retries operations per Policy. One manager guards one remote
// endpoint; its breaker opens after consecutive retryable failures.
type Manager struct {
	name    string
	policy  Policy
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  zerolog.Logger
}

// NewManager returns a manager named after the endpoint it protects.
func NewManager(name string, policy Policy, logger zerolog.Logger) *Manager {
	policy = policy.withDefaults()
	m := &Manager{
		name:   name,
		policy: policy,
		logger: logger.With().Str("component", "recovery").Str("breaker", name).Logger(),
	}

	m.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     policy.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= policy.BreakerFailures
		},
		// Only failures that say something about the endpoint's health count
		// towards opening the breaker.
		IsSuccessful: func(err error) bool {
			return !Classify(err).Retryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			m.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	return m
}

// Policy returns the effective policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// BreakerState returns the breaker's current state.
func (m *Manager) BreakerState() gobreaker.State {
	return m.breaker.State()
}

// Do runs op until it succeeds, fails with a non-retryable class, the attempt
// ceiling is reached, or ctx is cancelled. attempt starts at 1. Cancellation
// is reported as models.ErrCancelled.
func (m *Manager) Do(ctx context.Context, label, correlationID string, op func(ctx context.Context, attempt int) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.policy.InitialBackoff
	expo.MaxInterval = m.policy.MaxBackoff
	expo.Multiplier = m.policy.Multiplier
	expo.RandomizationFactor = m.policy.Jitter
	expo.MaxElapsedTime = 0
	expo.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(m.policy.MaxAttempts-1)), ctx)

	logger := m.logger.With().Str("operation", label).Str("correlation_id", correlationID).Logger()
	started := time.Now()
	attempt := 0
	var lastErr error

	operation := func() error {
		attempt++
		attemptStarted := time.Now()

		_, err := m.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, op(ctx, attempt)
		})
		if err == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Dur("elapsed", time.Since(started)).Msg("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		class := Classify(err)
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", m.policy.MaxAttempts).
			Str("class", string(class)).
			Dur("attempt_elapsed", time.Since(attemptStarted)).
			Dur("elapsed", time.Since(started)).
			Msg("operation attempt failed")

		if !class.Retryable() {
			return backoff.Permanent(err)
		}
		metrics.RetryAttemptsTotal.WithLabelValues(label, string(class)).Inc()
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Debug().Int("next_attempt", attempt+1).Dur("backoff", wait).Msg("retrying operation")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil || Classify(err) == ClassCancelled {
		if lastErr != nil && Classify(lastErr) != ClassCancelled {
			return fmt.Errorf("%w: %s stopped after %d attempts: %w", models.ErrCancelled, label, attempt, lastErr)
		}
		return fmt.Errorf("%w: %s", models.ErrCancelled, label)
	}
	if !Classify(err).Retryable() {
		return err
	}
	return &ExhaustedError{Label: label, Attempts: attempt, Elapsed: time.Since(started), Err: err}
}

// ExhaustedError reports a retryable failure that persisted through every attempt.
type ExhaustedError struct {
	Label    string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts in %s: %v", e.Label, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err is an ExhaustedError.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}
