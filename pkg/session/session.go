// Package session issues and validates bearer session tokens.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/clawcrm/clawcrm/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTTL is the lifetime of a new session.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultCleanupInterval is the period of the expired-session sweep.
	DefaultCleanupInterval = time.Hour

	tokenBytes = 32
)

// Options configures a Manager.
type Options struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Manager creates, validates and expires sessions.
type Manager struct {
	log   logrus.FieldLogger
	store store.Store
	opts  Options

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewManager creates a new session Manager.
func NewManager(log logrus.FieldLogger, st store.Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		log:   log.WithField("component", "session"),
		store: st,
		opts:  opts,
		done:  make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per cleanup interval until
// Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.sweep(ctx)

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.opts.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()

	return nil
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) sweep(ctx context.Context) {
	removed, err := m.CleanupExpired(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Failed to clean expired sessions")

		return
	}

	if removed > 0 {
		m.log.WithField("removed", removed).
			Info("Session cleanup removed expired sessions")
	}
}

// Create persists a new session for userID and returns its token.
func (m *Manager) Create(
	ctx context.Context, userID, sessionType string,
) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}

	now := m.opts.Now()

	if err := m.store.CreateSession(ctx, &store.Session{
		UserID:      userID,
		SessionType: sessionType,
		Token:       token,
		ExpiresAt:   now.Add(m.opts.TTL),
		CreatedAt:   now,
	}); err != nil {
		return "", err
	}

	if err := m.store.TouchUser(ctx, userID, now); err != nil {
		m.log.WithError(err).Debug("Failed to update user last active")
	}

	return token, nil
}

// Validate returns the user owning token, or nil when the token is unknown,
// expired or its user no longer exists. Lookup failures are logged, never
// returned.
func (m *Manager) Validate(ctx context.Context, token string) *store.User {
	if token == "" {
		return nil
	}

	sess, err := m.store.GetValidSession(ctx, token, m.opts.Now())
	if err != nil {
		m.log.WithError(err).Debug("Session lookup failed")

		return nil
	}

	user, err := m.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		m.log.WithError(err).
			WithField("user_id", sess.UserID).
			Debug("Session user lookup failed")

		return nil
	}

	return user
}

// Invalidate deletes the session. Unknown tokens are not an error.
func (m *Manager) Invalidate(ctx context.Context, token string) error {
	return m.store.DeleteSession(ctx, token)
}

// CleanupExpired deletes every session that expired before now and returns
// how many were removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpiredSessions(ctx, m.opts.Now())
}

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.opts.TTL
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
