package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"amscam/native/internal/domain"
	"amscam/native/internal/metrics"
)

// Backoff is the retry ladder shared by login and token lookups. The index
// wraps, so the wait never exceeds the last rung.
var Backoff = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Store caches the session token and per-stream play tokens for the whole
// process. One Store is shared by every viewer.
type Store struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   Sleeper

	mu         sync.RWMutex
	session    *domain.SessionToken
	playTokens map[string]string
}

// Option configures a Store.
type Option func(*Store)

// WithSleeper replaces the wall clock wait between retries.
func WithSleeper(s Sleeper) Option {
	return func(st *Store) { st.sleep = s }
}

// WithMetrics records backend requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(st *Store) { st.metrics = m }
}

// NewStore creates a credential store over backend.
func NewStore(backend Backend, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:    backend,
		logger:     logger.With("component", "credentials"),
		sleep:      sleepContext,
		playTokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionToken returns the cached session token, logging in first if there
// is none. Login failures are retried on the Backoff ladder forever; the
// only error is ctx's.
func (s *Store) SessionToken(ctx context.Context) (domain.SessionToken, error) {
	s.mu.RLock()
	tok := s.session
	s.mu.RUnlock()
	if tok != nil {
		return *tok, nil
	}
	return s.authenticate(ctx)
}

func (s *Store) authenticate(ctx context.Context) (domain.SessionToken, error) {
	for attempt := 0; ; attempt++ {
		tok, err := s.backend.Login(ctx)
		if err == nil {
			s.metrics.IncAuth("login", "ok")
			s.logger.Info("authenticated", "via", tok.IssuedVia)
			s.mu.Lock()
			s.session = &tok
			s.mu.Unlock()
			return tok, nil
		}
		if ctx.Err() != nil {
			return domain.SessionToken{}, ctx.Err()
		}

		s.metrics.IncAuth("login", "error")
		wait := Backoff[attempt%len(Backoff)]
		s.logger.Error("authentication failed", "error", err, "retry_in", wait)
		if err := s.sleep(ctx, wait); err != nil {
			return domain.SessionToken{}, err
		}
	}
}

// invalidate drops the session token if it is still rejected.
func (s *Store) invalidate(rejected domain.SessionToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && s.session.Value == rejected.Value {
		s.session = nil
	}
}

// PlayToken returns the play token of streamID. Cached tokens are returned
// without a network call. An empty token with a nil error means the
// backend holds no token for the stream.
func (s *Store) PlayToken(ctx context.Context, streamID string) (string, error) {
	s.mu.RLock()
	tok, ok := s.playTokens[streamID]
	s.mu.RUnlock()
	if ok {
		s.logger.Debug("using cached play token", "stream", streamID)
		return tok, nil
	}

	// refreshed is set after a rejected session was replaced without
	// waiting; a second consecutive rejection goes through the ladder.
	refreshed := false
	for attempt := 0; ; {
		session, err := s.SessionToken(ctx)
		if err != nil {
			return "", err
		}

		tok, err := s.backend.LookupPlayToken(ctx, session, streamID)
		switch {
		case err == nil:
			s.metrics.IncAuth("lookup", "ok")
			s.mu.Lock()
			s.playTokens[streamID] = tok
			s.mu.Unlock()
			s.logger.Info("play token retrieved", "stream", streamID)
			return tok, nil

		case errors.Is(err, ErrNoToken):
			s.metrics.IncAuth("lookup", "no_token")
			s.logger.Warn("no play token for stream", "stream", streamID)
			return "", nil

		case errors.Is(err, ErrUnauthorized):
			s.metrics.IncAuth("lookup", "unauthorized")
			s.invalidate(session)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if !refreshed {
				refreshed = true
				s.logger.Info("session token expired, refreshing", "stream", streamID)
				continue
			}

		default:
			refreshed = false
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			s.metrics.IncAuth("lookup", "error")
		}

		wait := Backoff[attempt%len(Backoff)]
		attempt++
		s.logger.Error("play token lookup failed", "stream", streamID, "error", err, "retry_in", wait)
		if err := s.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
