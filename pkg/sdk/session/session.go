// Package session owns the authenticated session token.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotasty/internal/metrics"
	"github.com/betbot/gotasty/pkg/config"
	"github.com/betbot/gotasty/pkg/logger"
	"github.com/betbot/gotasty/pkg/sdk/api"
)

// StatusCreated is the status code of a successful login or validation.
const StatusCreated = 201

// ErrNoToken is returned when an operation needs a token the session no longer holds.
var ErrNoToken = errors.New("session has no token")

// AuthenticationError means login or validation was exhausted. Callers must
// re-authenticate; retrying the same session will not help.
type AuthenticationError struct {
	Attempts int
	Reason   string
}

func (e *AuthenticationError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("authentication failed after %d attempt(s): %s", e.Attempts, e.Reason)
	}
	return "authentication failed: " + e.Reason
}

// Authenticator is the part of the REST surface the session needs.
type Authenticator interface {
	SessionStart(ctx context.Context, username, password string) (*api.Envelope, error)
	SessionValidate(ctx context.Context, token string) (*api.Envelope, error)
}

type options struct {
	maxAttempts int
	retryDelay  time.Duration
	log         *logrus.Entry
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

type Option func(*options)

func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.log = l }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// FromConfig maps the session section of the configuration to options.
func FromConfig(cfg config.SessionConfig) []Option {
	return []Option{WithMaxAttempts(cfg.MaxAttempts), WithRetryDelay(cfg.RetryDelay)}
}

// Session is safe for concurrent use.
type Session struct {
	auth Authenticator
	log  *logrus.Entry
	now  func() time.Time

	mu          sync.RWMutex
	token       string
	loggedIn    bool
	loggedInAt  time.Time
	validated   bool
	validatedAt time.Time
}

// Start logs in with up to maxAttempts round trips, waiting retryDelay
// between failed attempts, and returns a validated session.
func Start(ctx context.Context, auth Authenticator, username, password string, opts ...Option) (*Session, error) {
	o := options{
		maxAttempts: config.DefaultSessionAttempts,
		retryDelay:  config.DefaultSessionDelay,
		sleep:       sleepCtx,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.New("session")
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = 1
	}

	s := &Session{auth: auth, log: o.log, now: o.now}

	var reason string
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		log := s.log.WithFields(logrus.Fields{"op": "start", "attempt": attempt})

		ok, why, err := s.login(ctx, username, password)
		if err != nil && ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "session start")
		}
		if ok {
			metrics.SessionLogins.Add(1)
			log.Info("session started")
			return s, nil
		}
		reason = why
		log.Warnf("login failed: %s", why)

		if attempt < o.maxAttempts {
			metrics.SessionLoginRetries.Add(1)
			if err := o.sleep(ctx, o.retryDelay); err != nil {
				return nil, errors.Wrap(err, "session start")
			}
		}
	}

	s.log.WithField("attempts", o.maxAttempts).Error("could not start the session, giving up")
	return nil, &AuthenticationError{Attempts: o.maxAttempts, Reason: reason}
}

// login performs one login + validate round trip.
func (s *Session) login(ctx context.Context, username, password string) (bool, string, error) {
	env, err := s.auth.SessionStart(ctx, username, password)
	if err != nil {
		return false, err.Error(), err
	}
	if env.Status.Code != StatusCreated {
		return false, env.Status.Reason, nil
	}
	token, ok := api.LookupAs[string](env.Content, "data", "session-token")
	if !ok || token == "" {
		return false, "login response carries no session-token", nil
	}

	s.mu.Lock()
	s.token = token
	s.loggedIn = true
	s.loggedInAt = s.now()
	s.mu.Unlock()

	valid, err := s.IsActive(ctx)
	if err != nil {
		return false, err.Error(), err
	}
	if !valid {
		return false, "session validation failed", nil
	}
	return true, "", nil
}

// IsActive revalidates the token remotely. A negative answer clears the
// token and login state; the session must then be started again. A
// transport error is returned as is and leaves the state untouched.
func (s *Session) IsActive(ctx context.Context) (bool, error) {
	token := s.Token()
	if token == "" {
		return false, nil
	}

	env, err := s.auth.SessionValidate(ctx, token)
	if err != nil {
		return false, errors.Wrap(err, "validate session")
	}

	if env.Status.Code == StatusCreated {
		s.mu.Lock()
		s.validated = true
		s.validatedAt = s.now()
		s.mu.Unlock()
		s.log.Debug("session validated")
		return true, nil
	}

	s.invalidate()
	metrics.SessionInvalidated.Add(1)
	s.log.WithField("op", "validate").Errorf("could not validate the session: %s", env.Status.Reason)
	return false, nil
}

func (s *Session) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.loggedIn = false
	s.loggedInAt = time.Time{}
	s.validated = false
	s.validatedAt = time.Time{}
}

// Token returns the session token, empty once invalidated.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// MustToken returns the token or ErrNoToken.
func (s *Session) MustToken() (string, error) {
	if t := s.Token(); t != "" {
		return t, nil
	}
	return "", ErrNoToken
}

func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

func (s *Session) LoggedInAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedInAt
}

func (s *Session) Validated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validated
}

func (s *Session) ValidatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validatedAt
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
