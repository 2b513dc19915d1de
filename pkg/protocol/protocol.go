// Package protocol defines the JSON frames exchanged with dashboard clients.
// Every frame is an Envelope {type, data}.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client to server message types.
const (
	TypePairInit      = "pair:init"
	TypeAuthChallenge = "auth:challenge"
	TypeAuthVerify    = "auth:verify"
	TypeAuthResume    = "auth:resume"
	TypeAuthLogout    = "auth:logout"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeRPCRequest    = "rpc:request"
)

// Server to client message types. auth:challenge is reused for the reply.
const (
	TypePairSuccess = "pair:success"
	TypePairError   = "pair:error"
	TypeAuthSuccess = "auth:success"
	TypeAuthError   = "auth:error"
	TypeRPCResponse = "rpc:response"
	TypeData        = "data"
	TypeEvent       = "event"
)

// WebSocket close codes.
const (
	CloseOriginForbidden = 4403
	ClosePairingInvalid  = 4401
)

// ErrorCode is the stable error taxonomy shared with clients.
type ErrorCode string

// Error codes.
const (
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeValidation     ErrorCode = "VALIDATION_ERROR"
	CodeConflict       ErrorCode = "CONFLICT"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeSetupRequired  ErrorCode = "SETUP_REQUIRED"
	CodePairingInvalid ErrorCode = "PAIRING_INVALID"
	CodeSessionExpired ErrorCode = "SESSION_EXPIRED"
)

// Envelope is the outer shape of every frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Error is the error body carried by error replies.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// PairInit requests pairing with a one-time instance key.
type PairInit struct {
	InstanceKey string `json:"instanceKey"`
}

// PairSuccess carries the reconnect token. It is shown once.
type PairSuccess struct {
	InstanceID string `json:"instanceId"`
	WSToken    string `json:"wsToken"`
}

// AuthChallenge is the server's challenge push.
// Challenge holds the serialized request options.
type AuthChallenge struct {
	Challenge string `json:"challenge"`
	RPID      string `json:"rpId"`
}

// AuthVerify answers a challenge with a WebAuthn assertion.
type AuthVerify struct {
	Credential json.RawMessage `json:"credential"`
}

// AuthResume binds an existing session token to the connection.
type AuthResume struct {
	Token string `json:"token"`
}

// AuthSuccess reports a bound session.
type AuthSuccess struct {
	Token string `json:"token"`
	User  any    `json:"user"`
}

// Subscribe requests a topic subscription.
type Subscribe struct {
	Topic   string          `json:"topic"`
	Filters json.RawMessage `json:"filters,omitempty"`
}

// Unsubscribe removes a topic subscription.
type Unsubscribe struct {
	Topic string `json:"topic"`
}

// RPCRequest is a correlated method call.
type RPCRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse answers an RPCRequest with either Result or Error.
type RPCResponse struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Data is a topic push.
type Data struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Event is a user-directed push.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// Encode builds a frame of type t around data.
func Encode(t string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}

	return json.Marshal(Envelope{Type: t, Data: raw})
}

// Decode parses a frame. It fails on invalid JSON and on a missing type.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	if env.Type == "" {
		return nil, fmt.Errorf("invalid frame: missing type")
	}

	return &env, nil
}

// DecodeData unmarshals the envelope payload into v. An absent payload
// leaves v untouched.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}

	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}

	return nil
}
