// Package wire defines the native-messaging wire protocol shared by the
// bridge daemon and client-role tools: the versioned and legacy message
// dialects, the command payloads carried inside encrypted envelopes, the
// envelope codec itself, and the pending-request tracker used by callers
// that await replies.
package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the current wire dialect version. Messages carrying any
// other version are rejected before decryption.
const ProtocolVersion = 1

// Protocol error strings sent to peers. These are fixed by the peer
// ecosystem and never carry internal error detail.
const (
	StatusSuccess        = "success"
	StatusFailure        = "failure"
	ErrorCanceled        = "canceled"
	ErrorLocked          = "locked"
	ErrorCannotDecrypt   = "cannot-decrypt"
	ErrorVersionMismatch = "version-discrepancy"
	ErrorNotActiveUser   = "not-active-user"
)

// CmdHandshake is the cleartext command that starts session establishment in
// the versioned dialect.
const CmdHandshake = "bw-handshake"

// Message is an inbound message in the versioned dialect. Exactly one of
// the cleartext (Command+Payload) or ciphertext (EncryptedCommand) forms is
// populated.
type Message struct {
	MessageID        string          `json:"messageId"`
	Version          int             `json:"version"`
	Command          string          `json:"command,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	EncryptedCommand string          `json:"encryptedCommand,omitempty"`
}

// HandshakePayload is the cleartext payload of a bw-handshake message.
type HandshakePayload struct {
	PublicKey       string `json:"publicKey"`
	ApplicationName string `json:"applicationName"`
}

// Response is an outbound message in the versioned dialect.
type Response struct {
	MessageID        string           `json:"messageId"`
	Version          int              `json:"version"`
	Payload          *ResponsePayload `json:"payload,omitempty"`
	EncryptedPayload string           `json:"encryptedPayload,omitempty"`
}

// ResponsePayload is the cleartext payload of a versioned response.
type ResponsePayload struct {
	Status    string `json:"status,omitempty"`
	SharedKey string `json:"sharedKey,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse builds a cleartext error response for a versioned exchange.
func ErrorResponse(messageID, errorCode string) *Response {
	return &Response{
		MessageID: messageID,
		Version:   ProtocolVersion,
		Payload:   &ResponsePayload{Error: errorCode},
	}
}

// LegacyEnvelope is an inbound message in the legacy dialect, recognized by
// the absence of a version field. Message holds either a cleartext control
// message (JSON object) or an encrypted envelope string.
type LegacyEnvelope struct {
	AppID   string          `json:"appId"`
	Message json.RawMessage `json:"message"`
}

// Ciphertext reports whether the inner message is an encrypted envelope
// string rather than a cleartext control message, and returns it if so.
func (e *LegacyEnvelope) Ciphertext() (string, bool) {
	if len(e.Message) == 0 || e.Message[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err != nil {
		return "", false
	}
	return s, true
}

// Control decodes the inner message as a cleartext legacy control message.
func (e *LegacyEnvelope) Control() (*LegacyMessage, error) {
	var msg LegacyMessage
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return nil, fmt.Errorf("malformed legacy control message: %w", err)
	}
	return &msg, nil
}

// LegacyMessage is the cleartext (or decrypted) inner message of the legacy
// dialect.
type LegacyMessage struct {
	Command   string `json:"command"`
	MessageID int64  `json:"messageId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
}

// Legacy control command names.
const (
	LegacySetupEncryption          = "setupEncryption"
	LegacyWrongUserID              = "wrongUserId"
	LegacyInvalidateEncryption     = "invalidateEncryption"
	LegacyVerifyFingerprint        = "verifyFingerprint"
	LegacyVerifyDesktopFingerprint = "verifyDesktopIPCFingerprint"
	LegacyVerifiedFingerprint      = "verifiedDesktopIPCFingerprint"
	LegacyRejectedFingerprint      = "rejectedDesktopIPCFingerprint"
	LegacyBiometricUnlock          = "biometricUnlock"
)

// LegacyNewHostMarker is sent as the messageId of a setupEncryption success
// reply to signal that the responder is a current-generation host.
const LegacyNewHostMarker = -1

// LegacyControl is an outbound cleartext control message in the legacy
// dialect. Control messages ride at the top level of the envelope.
type LegacyControl struct {
	Command      string `json:"command"`
	AppID        string `json:"appId"`
	MessageID    int64  `json:"messageId,omitempty"`
	SharedSecret string `json:"sharedSecret,omitempty"`
}

// LegacyReply is an outbound encrypted reply in the legacy dialect. Message
// holds the encrypted envelope string.
type LegacyReply struct {
	AppID     string `json:"appId"`
	MessageID int64  `json:"messageId,omitempty"`
	Message   string `json:"message"`
}

// Inbound is the result of dialect detection: exactly one branch is set.
// The two dialects are intentionally disjoint variant families; the legacy
// dialect lacks a version field and that absence is the sole discriminator.
type Inbound struct {
	Versioned *Message
	Legacy    *LegacyEnvelope
}

// ErrVersionMismatch is returned by Gate for versioned messages whose
// version differs from ProtocolVersion. The caller replies with the
// version-discrepancy error and performs no further processing.
var ErrVersionMismatch = fmt.Errorf("unsupported protocol version")

// Gate determines the dialect of a raw inbound message and parses it.
// It runs before any cryptographic work: a versioned message with an
// unsupported version is rejected here with ErrVersionMismatch (the parsed
// message is still returned so the caller can address its reply).
func Gate(data []byte) (Inbound, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Inbound{}, fmt.Errorf("malformed message: %w", err)
	}

	if probe.Version == nil {
		var env LegacyEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Inbound{}, fmt.Errorf("malformed legacy envelope: %w", err)
		}
		return Inbound{Legacy: &env}, nil
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("malformed versioned message: %w", err)
	}
	if msg.Version != ProtocolVersion {
		return Inbound{Versioned: &msg}, ErrVersionMismatch
	}
	return Inbound{Versioned: &msg}, nil
}
