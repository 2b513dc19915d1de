package passkey

import (
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/clawcrm/clawcrm/pkg/store"
)

// webauthnUser adapts a stored user and its credentials to webauthn.User.
type webauthnUser struct {
	record      *store.User
	credentials []webauthn.Credential
}

var _ webauthn.User = (*webauthnUser)(nil)

func (u *webauthnUser) WebAuthnID() []byte {
	return []byte(u.record.ID)
}

func (u *webauthnUser) WebAuthnName() string {
	if u.record.Email != nil && *u.record.Email != "" {
		return *u.record.Email
	}

	return u.record.DisplayName
}

func (u *webauthnUser) WebAuthnDisplayName() string {
	return u.record.DisplayName
}

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}
