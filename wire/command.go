package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandValidWindow bounds how far a command's timestamp may deviate from
// receipt time. Commands outside the window are dropped without a response.
const CommandValidWindow = 10 * time.Second

// CommandName identifies a decrypted command.
type CommandName string

const (
	CmdStatus                      CommandName = "bw-status"
	CmdCredentialRetrieval         CommandName = "bw-credential-retrieval"
	CmdCredentialCreate            CommandName = "bw-credential-create"
	CmdCredentialUpdate            CommandName = "bw-credential-update"
	CmdGeneratePassword            CommandName = "bw-generate-password"
	CmdAuthenticateWithBiometrics  CommandName = "authenticateWithBiometrics"
	CmdUnlockWithBiometricsForUser CommandName = "unlockWithBiometricsForUser"
	CmdGetBiometricsStatus         CommandName = "getBiometricsStatus"
	CmdGetBiometricsStatusForUser  CommandName = "getBiometricsStatusForUser"
)

// CredentialRetrieval asks for credentials matching a URI.
type CredentialRetrieval struct {
	URI string `json:"uri"`
}

// CredentialCreate asks to store a new credential for a user.
type CredentialCreate struct {
	Name     string `json:"name"`
	UserName string `json:"userName"`
	Password string `json:"password"`
	URI      string `json:"uri"`
	UserID   string `json:"userId"`
}

// CredentialUpdate asks to modify an existing credential.
type CredentialUpdate struct {
	CredentialID string `json:"credentialId"`
	Name         string `json:"name"`
	UserName     string `json:"userName"`
	Password     string `json:"password"`
	URI          string `json:"uri"`
	UserID       string `json:"userId"`
}

// GeneratePassword asks for a password generated with a user's options.
type GeneratePassword struct {
	UserID string `json:"userId"`
}

// BiometricsUser scopes a biometric command to one user.
type BiometricsUser struct {
	UserID string `json:"userId"`
}

// Command is the closed set of decrypted commands. Exactly one payload
// pointer is non-nil for payload-carrying commands; the dispatcher switches
// exhaustively on Name.
type Command struct {
	Name      CommandName
	Timestamp int64 // milliseconds since epoch

	Retrieval  *CredentialRetrieval
	Create     *CredentialCreate
	Update     *CredentialUpdate
	Generate   *GeneratePassword
	Biometrics *BiometricsUser
}

// Fresh reports whether the command timestamp is within the validity window
// of now. Stale commands bound replay of captured ciphertext.
func (c *Command) Fresh(now time.Time) bool {
	delta := now.UnixMilli() - c.Timestamp
	if delta < 0 {
		delta = -delta
	}
	return delta <= CommandValidWindow.Milliseconds()
}

type commandEnvelope struct {
	Command CommandName     `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type commandTimestamp struct {
	Timestamp int64 `json:"timestamp"`
}

// DecodeCommand decodes a decrypted command payload once at the protocol
// boundary. Unknown command names are rejected here so the dispatcher only
// ever sees the closed variant set.
func DecodeCommand(plaintext []byte) (*Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("malformed command envelope: %w", err)
	}

	cmd := &Command{Name: env.Command}
	if len(env.Payload) > 0 {
		var ts commandTimestamp
		if err := json.Unmarshal(env.Payload, &ts); err != nil {
			return nil, fmt.Errorf("malformed command payload: %w", err)
		}
		cmd.Timestamp = ts.Timestamp
	}

	decode := func(v any) error {
		if len(env.Payload) == 0 {
			return fmt.Errorf("command %s requires a payload", env.Command)
		}
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return fmt.Errorf("malformed %s payload: %w", env.Command, err)
		}
		return nil
	}

	switch env.Command {
	case CmdStatus, CmdAuthenticateWithBiometrics, CmdGetBiometricsStatus:
		// No payload beyond the timestamp.
	case CmdCredentialRetrieval:
		cmd.Retrieval = &CredentialRetrieval{}
		if err := decode(cmd.Retrieval); err != nil {
			return nil, err
		}
	case CmdCredentialCreate:
		cmd.Create = &CredentialCreate{}
		if err := decode(cmd.Create); err != nil {
			return nil, err
		}
	case CmdCredentialUpdate:
		cmd.Update = &CredentialUpdate{}
		if err := decode(cmd.Update); err != nil {
			return nil, err
		}
	case CmdGeneratePassword:
		cmd.Generate = &GeneratePassword{}
		if err := decode(cmd.Generate); err != nil {
			return nil, err
		}
	case CmdUnlockWithBiometricsForUser, CmdGetBiometricsStatusForUser:
		cmd.Biometrics = &BiometricsUser{}
		if err := decode(cmd.Biometrics); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown command: %s", env.Command)
	}

	return cmd, nil
}

// EncodeCommand builds the encryptable envelope for a command payload,
// stamping it with the current time. Used by client-role callers.
func EncodeCommand(name CommandName, payload any, now time.Time) ([]byte, error) {
	body := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	body["timestamp"] = now.UnixMilli()
	return json.Marshal(commandEnvelope{Command: name, Payload: mustRaw(body)})
}

func mustRaw(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
