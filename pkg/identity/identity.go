// Package identity maps external channel accounts (telegram, whatsapp, ...)
// onto CRM users.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/clawcrm/clawcrm/pkg/store"
	"github.com/sirupsen/logrus"
)

// Resolved is the result of a channel identity lookup.
type Resolved struct {
	UserID   string `json:"userId"`
	Verified bool   `json:"verified"`
}

// Service resolves and links channel identities.
type Service struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewService creates a new identity Service.
func NewService(log logrus.FieldLogger, st store.Store) *Service {
	return &Service{
		log:   log.WithField("component", "identity"),
		store: st,
	}
}

// Resolve returns the user linked to (channel, channelUserID). It returns
// store.ErrNotFound when the pair has never been linked.
//
// Duplicate links are possible because Link does not enforce uniqueness; the
// oldest link wins.
func (s *Service) Resolve(
	ctx context.Context, channel, channelUserID string,
) (*Resolved, error) {
	identity, err := s.store.FindChannelIdentity(ctx, channel, channelUserID)
	if err != nil {
		return nil, fmt.Errorf("resolving %s identity: %w", channel, err)
	}

	return &Resolved{
		UserID:   identity.UserID,
		Verified: identity.Verified,
	}, nil
}

// ResolveUser resolves the channel identity and loads the owning user.
func (s *Service) ResolveUser(
	ctx context.Context, channel, channelUserID string,
) (*store.User, error) {
	resolved, err := s.Resolve(ctx, channel, channelUserID)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByID(ctx, resolved.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading linked user: %w", err)
	}

	return user, nil
}

// Link attaches a channel identity to an existing user. Callers that must
// avoid duplicates check Resolve first.
func (s *Service) Link(
	ctx context.Context,
	userID, channel, channelUserID string,
	verified bool,
	displayName *string,
) (*store.ChannelIdentity, error) {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, fmt.Errorf("linking identity: %w", err)
	}

	identity := &store.ChannelIdentity{
		UserID:             userID,
		Channel:            channel,
		ChannelUserID:      channelUserID,
		ChannelDisplayName: displayName,
		Verified:           verified,
		LinkedAt:           time.Now().UTC(),
	}

	if err := s.store.CreateChannelIdentity(ctx, identity); err != nil {
		return nil, fmt.Errorf("linking identity: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"channel": channel,
	}).Debug("Linked channel identity")

	return identity, nil
}

// CreateWithChannel creates a user together with its first verified channel
// identity in one transaction and returns the new user id.
func (s *Service) CreateWithChannel(
	ctx context.Context,
	displayName, channel, channelUserID string,
	email *string,
) (string, error) {
	user := &store.User{
		DisplayName: displayName,
		Email:       email,
		Role:        store.RoleUser,
	}

	identity := &store.ChannelIdentity{
		Channel:            channel,
		ChannelUserID:      channelUserID,
		ChannelDisplayName: &displayName,
		Verified:           true,
		LinkedAt:           time.Now().UTC(),
	}

	if err := s.store.CreateUserWithChannel(ctx, user, identity); err != nil {
		return "", err
	}

	s.log.WithFields(logrus.Fields{
		"user_id": user.ID,
		"channel": channel,
	}).Info("Created user from channel identity")

	return user.ID, nil
}

// ListChannels returns every identity linked to userID.
func (s *Service) ListChannels(
	ctx context.Context, userID string,
) ([]store.ChannelIdentity, error) {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}

	return s.store.ListChannelIdentities(ctx, userID)
}
