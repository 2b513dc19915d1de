// Package instance manages dashboard instance keys and the one-time pairing
// that exchanges a key for a long-lived reconnect token.
package instance

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/clawcrm/clawcrm/pkg/store"
	"github.com/sirupsen/logrus"
)

// KeyPrefix marks instance keys so operators can tell them from tokens.
const KeyPrefix = "ik_"

const (
	keyBytes   = 24
	tokenBytes = 32
)

// ErrPairingInvalid is returned for unknown, consumed or revoked keys and
// reconnect tokens.
var ErrPairingInvalid = errors.New("pairing invalid")

// HashToken returns the hex SHA-256 digest of a key or token. Only digests
// are persisted.
func HashToken(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}

// Service owns the paired instance lifecycle.
type Service struct {
	log   logrus.FieldLogger
	store store.Store
	now   func() time.Time
}

// NewService creates a new instance Service.
func NewService(log logrus.FieldLogger, st store.Store) *Service {
	return &Service{
		log:   log.WithField("component", "instance"),
		store: st,
		now:   time.Now,
	}
}

// GenerateKey creates a pending instance and returns its plaintext key. The
// key is not recoverable afterwards.
func (s *Service) GenerateKey(
	ctx context.Context, label string,
) (string, *store.PairedInstance, error) {
	raw, err := randomString(keyBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generating instance key: %w", err)
	}

	key := KeyPrefix + raw

	inst := &store.PairedInstance{
		InstanceKeyHash: HashToken(key),
		Status:          store.InstancePending,
	}

	if label != "" {
		inst.Label = &label
	}

	if err := s.store.CreatePairedInstance(ctx, inst); err != nil {
		return "", nil, err
	}

	s.log.WithField("instance_id", inst.ID).Info("Generated instance key")

	return key, inst, nil
}

// Rotate revokes an instance and issues a fresh pending key in its place.
// An empty label keeps the old one.
func (s *Service) Rotate(
	ctx context.Context, instanceID, label string,
) (string, *store.PairedInstance, error) {
	if label == "" {
		instances, err := s.store.ListPairedInstances(ctx)
		if err != nil {
			return "", nil, err
		}

		for _, inst := range instances {
			if inst.ID == instanceID && inst.Label != nil {
				label = *inst.Label
			}
		}
	}

	if err := s.store.RevokeInstance(ctx, instanceID); err != nil {
		return "", nil, fmt.Errorf("rotating instance: %w", err)
	}

	return s.GenerateKey(ctx, label)
}

// Revoke disables an instance. Its reconnect token stops working at once.
func (s *Service) Revoke(ctx context.Context, instanceID string) error {
	if err := s.store.RevokeInstance(ctx, instanceID); err != nil {
		return err
	}

	s.log.WithField("instance_id", instanceID).Info("Revoked instance")

	return nil
}

// List returns every known instance.
func (s *Service) List(ctx context.Context) ([]store.PairedInstance, error) {
	return s.store.ListPairedInstances(ctx)
}

// Pair consumes a pending instance key and returns the instance id together
// with a new plaintext reconnect token. A key pairs at most once, even when
// several callers race with it.
func (s *Service) Pair(
	ctx context.Context, instanceKey, origin string,
) (string, string, error) {
	if instanceKey == "" {
		return "", "", ErrPairingInvalid
	}

	inst, err := s.store.GetPendingInstanceByKeyHash(ctx, HashToken(instanceKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", ErrPairingInvalid
		}

		return "", "", err
	}

	token, err := randomString(tokenBytes)
	if err != nil {
		return "", "", fmt.Errorf("generating reconnect token: %w", err)
	}

	var originPtr *string
	if origin != "" {
		originPtr = &origin
	}

	ok, err := s.store.ActivateInstance(ctx, inst.ID, HashToken(token), originPtr, s.now())
	if err != nil {
		return "", "", err
	}

	if !ok {
		return "", "", ErrPairingInvalid
	}

	s.log.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"origin":      origin,
	}).Info("Instance paired")

	return inst.ID, token, nil
}

// Reconnect resolves an active instance from its reconnect token and
// refreshes its last-seen stamp.
func (s *Service) Reconnect(ctx context.Context, wsToken string) (string, error) {
	if wsToken == "" {
		return "", ErrPairingInvalid
	}

	inst, err := s.store.GetActiveInstanceByTokenHash(ctx, HashToken(wsToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrPairingInvalid
		}

		return "", err
	}

	if err := s.store.TouchInstance(ctx, inst.ID, s.now()); err != nil {
		s.log.WithError(err).Warn("Failed to update instance last seen")
	}

	return inst.ID, nil
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
