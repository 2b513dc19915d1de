// Package passkeytest provides a software WebAuthn authenticator for tests.
// It signs assertions with a P-256 key so the full verification path of the
// passkey package can be exercised without a browser.
package passkeytest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/clawcrm/clawcrm/pkg/store"
)

const (
	flagUserPresent  = 0x01
	flagUserVerified = 0x04
)

// Authenticator is a single resident credential bound to one user.
type Authenticator struct {
	mu           sync.Mutex
	key          *ecdsa.PrivateKey
	credentialID []byte
	userID       string
	origin       string
	counter      uint32
}

// New creates an authenticator holding a fresh key for userID. Assertions
// claim to come from origin.
func New(userID, origin string) (*Authenticator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generating credential id: %w", err)
	}

	return &Authenticator{
		key:          key,
		credentialID: id,
		userID:       userID,
		origin:       origin,
	}, nil
}

// CredentialID returns the base64url credential id as stored.
func (a *Authenticator) CredentialID() string {
	return base64.RawURLEncoding.EncodeToString(a.credentialID)
}

// Credential returns the row a successful registration would have stored.
func (a *Authenticator) Credential() *store.Credential {
	return &store.Credential{
		UserID:          a.userID,
		CredentialID:    a.CredentialID(),
		PublicKey:       a.coseKey(),
		Counter:         a.Counter(),
		Transports:      `["internal"]`,
		AttestationType: "none",
	}
}

// Counter returns the current signature counter.
func (a *Authenticator) Counter() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.counter
}

// SetCounter overrides the signature counter, e.g. to simulate a cloned key.
func (a *Authenticator) SetCounter(n uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.counter = n
}

// Assert answers serialized request options (the JSON form of a
// PublicKeyCredentialRequestOptions) and returns a PublicKeyCredential JSON
// document. The counter is incremented before signing.
func (a *Authenticator) Assert(options []byte) (json.RawMessage, error) {
	var req struct {
		Challenge string `json:"challenge"`
		RPID      string `json:"rpId"`
	}

	if err := json.Unmarshal(options, &req); err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}

	if req.Challenge == "" || req.RPID == "" {
		return nil, fmt.Errorf("options carry no challenge or rp id")
	}

	a.mu.Lock()
	a.counter++
	counter := a.counter
	a.mu.Unlock()

	clientData, err := json.Marshal(map[string]any{
		"type":        "webauthn.get",
		"challenge":   req.Challenge,
		"origin":      a.origin,
		"crossOrigin": false,
	})
	if err != nil {
		return nil, err
	}

	rpHash := sha256.Sum256([]byte(req.RPID))

	authData := make([]byte, 0, 37)
	authData = append(authData, rpHash[:]...)
	authData = append(authData, flagUserPresent|flagUserVerified)
	authData = binary.BigEndian.AppendUint32(authData, counter)

	clientHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))

	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing assertion: %w", err)
	}

	enc := base64.RawURLEncoding.EncodeToString

	return json.Marshal(map[string]any{
		"id":    a.CredentialID(),
		"rawId": a.CredentialID(),
		"type":  "public-key",
		"response": map[string]string{
			"clientDataJSON":    enc(clientData),
			"authenticatorData": enc(authData),
			"signature":         enc(sig),
			"userHandle":        enc([]byte(a.userID)),
		},
	})
}

// coseKey encodes the public key as a COSE_Key map
// {kty: EC2, alg: ES256, crv: P-256, x, y}.
func (a *Authenticator) coseKey() []byte {
	x := a.key.PublicKey.X.FillBytes(make([]byte, 32))
	y := a.key.PublicKey.Y.FillBytes(make([]byte, 32))

	var buf bytes.Buffer

	buf.WriteByte(0xa5)               // map(5)
	buf.Write([]byte{0x01, 0x02})     // 1 (kty): 2 (EC2)
	buf.Write([]byte{0x03, 0x26})     // 3 (alg): -7 (ES256)
	buf.Write([]byte{0x20, 0x01})     // -1 (crv): 1 (P-256)
	buf.Write([]byte{0x21, 0x58, 32}) // -2 (x): bytes(32)
	buf.Write(x)
	buf.Write([]byte{0x22, 0x58, 32}) // -3 (y): bytes(32)
	buf.Write(y)

	return buf.Bytes()
}
