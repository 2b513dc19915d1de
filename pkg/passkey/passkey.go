// Package passkey runs WebAuthn registration and authentication ceremonies
// and persists the resulting credentials.
package passkey

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/sirupsen/logrus"

	"github.com/clawcrm/clawcrm/pkg/config"
	"github.com/clawcrm/clawcrm/pkg/store"
)

// AnonymousKeyPrefix prefixes challenge keys of usernameless logins.
const AnonymousKeyPrefix = "anon_"

var (
	// ErrInvalidState is returned when no pending, unexpired challenge
	// exists for a ceremony.
	ErrInvalidState = errors.New("no pending challenge")

	// ErrVerificationFailed is returned when a response does not verify.
	ErrVerificationFailed = errors.New("passkey verification failed")
)

// Assertion is the output of StartAuthentication.
type Assertion struct {
	Key     string                        `json:"challengeKey"`
	RPID    string                        `json:"rpId"`
	Options *protocol.CredentialAssertion `json:"options"`
}

// OptionsJSON serializes the bare request options, the form a browser
// passes to navigator.credentials.get after parsing.
func (a *Assertion) OptionsJSON() (string, error) {
	raw, err := json.Marshal(a.Options.Response)
	if err != nil {
		return "", fmt.Errorf("encoding request options: %w", err)
	}

	return string(raw), nil
}

// Options configures a Service.
type Options struct {
	ChallengeTTL time.Duration
	// Now overrides the clock used for challenge expiry.
	Now func() time.Time
}

// Service implements the passkey ceremonies.
type Service struct {
	log        logrus.FieldLogger
	store      store.Store
	webauthn   *webauthn.WebAuthn
	rpID       string
	challenges *challengeStore
	now        func() time.Time
}

// NewService creates a new passkey Service for the configured relying party.
func NewService(
	log logrus.FieldLogger,
	cfg *config.PasskeyConfig,
	st store.Store,
	opts Options,
) (*Service, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring relying party: %w", err)
	}

	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		log:        log.WithField("component", "passkey"),
		store:      st,
		webauthn:   w,
		rpID:       cfg.RPID,
		challenges: newChallengeStore(opts.ChallengeTTL, opts.Now),
		now:        opts.Now,
	}, nil
}

// RPID returns the relying party id.
func (s *Service) RPID() string {
	return s.rpID
}

// StartRegistration begins registering a new passkey for userID. Existing
// credentials are excluded so an authenticator cannot register twice.
func (s *Service) StartRegistration(
	ctx context.Context, userID string,
) (*protocol.CredentialCreation, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.credentials))
	for _, c := range user.credentials {
		exclusions = append(exclusions, c.Descriptor())
	}

	creation, session, err := s.webauthn.BeginRegistration(
		user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}

	s.challenges.put(userID, *session)

	return creation, nil
}

// FinishRegistration verifies an attestation response and stores the new
// credential. The pending challenge is consumed whether or not verification
// succeeds.
func (s *Service) FinishRegistration(
	ctx context.Context,
	userID string,
	response json.RawMessage,
	deviceName string,
) (*store.Credential, error) {
	session, ok := s.challenges.consume(userID)
	if !ok {
		return nil, ErrInvalidState
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, describe(err))
	}

	cred, err := s.webauthn.CreateCredential(user, session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, describe(err))
	}

	transports, err := json.Marshal(cred.Transport)
	if err != nil {
		return nil, fmt.Errorf("encoding transports: %w", err)
	}

	row := &store.Credential{
		UserID:          userID,
		CredentialID:    base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey:       cred.PublicKey,
		Counter:         cred.Authenticator.SignCount,
		Transports:      string(transports),
		AAGUID:          cred.Authenticator.AAGUID,
		AttestationType: cred.AttestationType,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
		CreatedAt:       s.now().UTC(),
	}

	if deviceName != "" {
		row.DeviceName = &deviceName
	}

	if err := s.store.CreateCredential(ctx, row); err != nil {
		return nil, err
	}

	s.log.WithField("user_id", userID).Info("Registered passkey")

	return row, nil
}

// StartAuthentication begins a login ceremony. With a userID the allowed
// credentials are restricted to that user and the challenge is keyed by the
// user id. Without one any discoverable credential may answer and a fresh
// anonymous key is minted.
func (s *Service) StartAuthentication(
	ctx context.Context, userID string,
) (*Assertion, error) {
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		key       string
		err       error
	)

	if userID != "" {
		user, lerr := s.loadUser(ctx, userID)
		if lerr != nil {
			return nil, lerr
		}

		if len(user.credentials) == 0 {
			return nil, fmt.Errorf("user has no passkeys: %w", store.ErrNotFound)
		}

		assertion, session, err = s.webauthn.BeginLogin(
			user, webauthn.WithUserVerification(protocol.VerificationPreferred),
		)
		key = userID
	} else {
		assertion, session, err = s.webauthn.BeginDiscoverableLogin(
			webauthn.WithUserVerification(protocol.VerificationPreferred),
		)

		if err == nil {
			key, err = anonymousKey()
		}
	}

	if err != nil {
		return nil, fmt.Errorf("beginning login: %w", err)
	}

	s.challenges.put(key, *session)

	return &Assertion{
		Key:     key,
		RPID:    assertion.Response.RelyingPartyID,
		Options: assertion,
	}, nil
}

// FinishAuthentication verifies an assertion for the ceremony stored under
// key and returns the id of the credential's owner. The stored signature
// counter only moves forward, and only after a successful verification.
func (s *Service) FinishAuthentication(
	ctx context.Context, key string, response json.RawMessage,
) (string, error) {
	session, ok := s.challenges.consume(key)
	if !ok {
		return "", ErrInvalidState
	}

	credentialID, err := extractCredentialID(response)
	if err != nil {
		return "", err
	}

	row, err := s.store.GetCredentialByCredentialID(ctx, credentialID)
	if err != nil {
		return "", err
	}

	user, err := s.loadUser(ctx, row.UserID)
	if err != nil {
		return "", err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrVerificationFailed, describe(err))
	}

	var cred *webauthn.Credential

	if len(session.UserID) == 0 {
		cred, err = s.webauthn.ValidateDiscoverableLogin(
			func(_, userHandle []byte) (webauthn.User, error) {
				if string(userHandle) != user.record.ID {
					return nil, fmt.Errorf("user handle does not own credential")
				}

				return user, nil
			},
			session,
			parsed,
		)
	} else {
		if string(session.UserID) != user.record.ID {
			return "", fmt.Errorf("%w: credential belongs to another user", ErrVerificationFailed)
		}

		cred, err = s.webauthn.ValidateLogin(user, session, parsed)
	}

	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrVerificationFailed, describe(err))
	}

	if cred.Authenticator.CloneWarning {
		s.log.WithField("credential_id", credentialID).
			Warn("Signature counter did not increase")

		return "", fmt.Errorf("%w: signature counter did not increase", ErrVerificationFailed)
	}

	if err := s.store.UpdateCredentialCounter(
		ctx, row.ID, cred.Authenticator.SignCount, s.now().UTC(),
	); err != nil {
		return "", err
	}

	return row.UserID, nil
}

// ListCredentials returns the passkeys registered by userID.
func (s *Service) ListCredentials(
	ctx context.Context, userID string,
) ([]store.Credential, error) {
	return s.store.ListCredentialsByUser(ctx, userID)
}

// DeleteCredential removes one of userID's passkeys.
func (s *Service) DeleteCredential(ctx context.Context, userID, id string) error {
	if err := s.store.DeleteCredential(ctx, userID, id); err != nil {
		return err
	}

	s.log.WithField("user_id", userID).Info("Deleted passkey")

	return nil
}

// DiscardChallenge drops an abandoned ceremony. Unknown keys are ignored.
func (s *Service) DiscardChallenge(key string) {
	if key == "" {
		return
	}

	s.challenges.discard(key)
}

// PendingChallenges returns the number of stored, not yet consumed
// ceremonies, including expired ones that were never read back.
func (s *Service) PendingChallenges() int {
	return s.challenges.len()
}

func (s *Service) loadUser(ctx context.Context, userID string) (*webauthnUser, error) {
	record, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ListCredentialsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	creds := make([]webauthn.Credential, 0, len(rows))

	for _, row := range rows {
		cred, err := toWebauthnCredential(row)
		if err != nil {
			s.log.WithError(err).
				WithField("credential_id", row.CredentialID).
				Warn("Skipping unreadable credential")

			continue
		}

		creds = append(creds, cred)
	}

	return &webauthnUser{record: record, credentials: creds}, nil
}

func toWebauthnCredential(row store.Credential) (webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(row.CredentialID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decoding credential id: %w", err)
	}

	var transports []protocol.AuthenticatorTransport
	if row.Transports != "" {
		if err := json.Unmarshal([]byte(row.Transports), &transports); err != nil {
			return webauthn.Credential{}, fmt.Errorf("decoding transports: %w", err)
		}
	}

	return webauthn.Credential{
		ID:              id,
		PublicKey:       row.PublicKey,
		AttestationType: row.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: row.BackupEligible,
			BackupState:    row.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    row.AAGUID,
			SignCount: row.Counter,
		},
	}, nil
}

// extractCredentialID reads the credential id from a raw assertion, taking
// "id" and falling back to "rawId".
func extractCredentialID(response json.RawMessage) (string, error) {
	var body struct {
		ID    string `json:"id"`
		RawID string `json:"rawId"`
	}

	if err := json.Unmarshal(response, &body); err != nil {
		return "", fmt.Errorf("%w: malformed response", ErrVerificationFailed)
	}

	if body.ID != "" {
		return body.ID, nil
	}

	if body.RawID != "" {
		return body.RawID, nil
	}

	return "", fmt.Errorf("%w: missing credential id", ErrVerificationFailed)
}

// describe prefers the detailed message carried by protocol errors.
func describe(err error) string {
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.DevInfo != "" {
		return perr.Details + ": " + perr.DevInfo
	}

	return err.Error()
}

func anonymousKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating challenge key: %w", err)
	}

	return AnonymousKeyPrefix + hex.EncodeToString(b), nil
}
