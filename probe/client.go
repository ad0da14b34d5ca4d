package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keyhaven/bridge/wire"
)

// maxFrameSize bounds a single frame, matching the daemon's limit.
const maxFrameSize = 10 * 1024 * 1024

// Client drives the peer side of the bridge protocol: handshake, then
// encrypted commands correlated by messageId through the request tracker.
type Client struct {
	conn    net.Conn
	priv    *rsa.PrivateKey
	key     wire.SessionKey
	tracker *wire.Tracker
	ready   bool
}

// Dial connects to the bridge and prepares a fresh RSA keypair for the
// handshake.
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bridge: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	c := &Client{conn: conn, priv: priv}
	c.tracker = wire.NewTracker(c.writeFrame, func(messageID string, data []byte) {
		log.Warn().Str("messageId", messageID).Msg("Unsolicited message from bridge")
	})
	go c.readLoop()
	return c, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Handshake negotiates a session key under the given application name
func (c *Client) Handshake(appName string, timeout time.Duration) error {
	der, err := x509.MarshalPKIXPublicKey(&c.priv.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}

	payload, err := json.Marshal(wire.HandshakePayload{
		PublicKey:       base64.StdEncoding.EncodeToString(der),
		ApplicationName: appName,
	})
	if err != nil {
		return err
	}

	messageID := uuid.NewString()
	request, err := json.Marshal(wire.Message{
		MessageID: messageID,
		Version:   wire.ProtocolVersion,
		Command:   wire.CmdHandshake,
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	data, err := c.tracker.Send(messageID, request, timeout)
	if err != nil {
		return fmt.Errorf("handshake request failed: %w", err)
	}

	var resp wire.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("malformed handshake response: %w", err)
	}
	if resp.Payload == nil || resp.Payload.Error != "" {
		return fmt.Errorf("handshake rejected: %s", responseError(&resp))
	}

	sealed, err := base64.StdEncoding.DecodeString(resp.Payload.SharedKey)
	if err != nil {
		return fmt.Errorf("malformed shared key: %w", err)
	}
	secret, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, c.priv, sealed, nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt shared key: %w", err)
	}
	key, err := wire.NewSessionKey(secret)
	if err != nil {
		return fmt.Errorf("unusable shared key: %w", err)
	}

	c.key = key
	c.ready = true
	return nil
}

// Do sends one encrypted command and returns the decrypted response
// payload.
func (c *Client) Do(name wire.CommandName, payload any, timeout time.Duration) (json.RawMessage, error) {
	if !c.ready {
		return nil, fmt.Errorf("handshake not completed")
	}

	plaintext, err := wire.EncodeCommand(name, payload, time.Now())
	if err != nil {
		return nil, err
	}
	sealed, err := c.key.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt command: %w", err)
	}

	messageID := uuid.NewString()
	request, err := json.Marshal(wire.Message{
		MessageID:        messageID,
		Version:          wire.ProtocolVersion,
		EncryptedCommand: sealed,
	})
	if err != nil {
		return nil, err
	}

	data, err := c.tracker.Send(messageID, request, timeout)
	if err != nil {
		return nil, fmt.Errorf("command %s failed: %w", name, err)
	}

	var resp wire.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if resp.EncryptedPayload == "" {
		return nil, fmt.Errorf("bridge rejected command: %s", responseError(&resp))
	}

	opened, err := c.key.Decrypt(resp.EncryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt response: %w", err)
	}
	return opened, nil
}

// readLoop feeds inbound frames to the tracker by messageId
func (c *Client) readLoop() {
	for {
		data, err := c.readFrame()
		if err != nil {
			log.Debug().Err(err).Msg("Bridge connection closed")
			return
		}

		var probe struct {
			MessageID string `json:"messageId"`
			Command   string `json:"command"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed frame from bridge")
			continue
		}
		if probe.MessageID == "" {
			// Control traffic such as verification progress events.
			log.Info().Str("command", probe.Command).Msg("Bridge control message")
			continue
		}
		c.tracker.HandleInbound(probe.MessageID, data)
	}
}

func (c *Client) writeFrame(data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	if err := binary.Write(c.conn, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *Client) readFrame() ([]byte, error) {
	var length uint32
	if err := binary.Read(c.conn, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func responseError(resp *wire.Response) string {
	if resp.Payload != nil && resp.Payload.Error != "" {
		return resp.Payload.Error
	}
	return "no payload"
}
