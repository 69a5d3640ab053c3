package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/corvusec/palisade/agent/internal/auth"
	"github.com/corvusec/palisade/agent/internal/compression"
	"github.com/fxamacker/cbor/v2"
)

const sessionKeyBytes = 32 // AES-256

// ErrEnvelope is returned by Open for any envelope that fails
// verification, decryption, decompression or decoding. Callers treat it
// as a compromised or malfunctioning peer.
var ErrEnvelope = errors.New("wire: envelope rejected")

// Session seals and opens envelopes exchanged with one peer. It holds our
// signing/decryption capability and the peer's public key; it keeps no
// per-exchange state and is safe to reuse for the lifetime of a
// connection.
type Session struct {
	clientID string
	key      *auth.Key
	peerPub  *rsa.PublicKey
}

// NewSession creates a session for the named agent. key is our own key;
// peerPub verifies the peer's signatures and wraps session keys to it.
func NewSession(clientID string, key *auth.Key, peerPub *rsa.PublicKey) *Session {
	return &Session{
		clientID: clientID,
		key:      key,
		peerPub:  peerPub,
	}
}

// signingInput binds the signature to the envelope's identity, nonce and
// ciphertext.
func signingInput(clientID string, nonce uint64, ciphertext []byte) []byte {
	buf := make([]byte, 0, len(clientID)+8+len(ciphertext))
	buf = append(buf, clientID...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = append(buf, ciphertext...)
	return buf
}

// Seal packages messages into an encrypted, signed envelope carrying
// nonce.
func (s *Session) Seal(messages []Message, nonce uint64) ([]byte, error) {
	plain, err := cbor.Marshal(Bundle{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	deflated := compression.Deflate(plain)

	sessionKey := make([]byte, sessionKeyBytes)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	gcmNonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(gcmNonce); err != nil {
		return nil, fmt.Errorf("failed to generate GCM nonce: %w", err)
	}
	ciphertext := gcm.Seal(gcmNonce, gcmNonce, deflated, nil)

	wrapped, err := auth.EncryptOAEP(s.peerPub, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key: %w", err)
	}

	sig, err := s.key.SignPSS(signingInput(s.clientID, nonce, ciphertext))
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}

	data, err := cbor.Marshal(Envelope{
		ClientID:   s.clientID,
		Nonce:      nonce,
		WrappedKey: wrapped,
		Ciphertext: ciphertext,
		Signature:  sig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Open verifies and unpacks an envelope produced by the peer's Seal. It
// returns the carried messages in their framed order together with the
// envelope's nonce; the caller is responsible for matching the nonce
// against the request that solicited the response.
func (s *Session) Open(data []byte) ([]Message, uint64, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, 0, fmt.Errorf("%w: undecodable envelope: %v", ErrEnvelope, err)
	}

	input := signingInput(env.ClientID, env.Nonce, env.Ciphertext)
	if err := auth.VerifyPSS(s.peerPub, input, env.Signature); err != nil {
		return nil, 0, fmt.Errorf("%w: bad signature", ErrEnvelope)
	}

	sessionKey, err := s.key.DecryptOAEP(env.WrappedKey)
	if err != nil || len(sessionKey) != sessionKeyBytes {
		return nil, 0, fmt.Errorf("%w: session key unwrap failed", ErrEnvelope)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	if len(env.Ciphertext) < gcm.NonceSize() {
		return nil, 0, fmt.Errorf("%w: short ciphertext", ErrEnvelope)
	}
	gcmNonce := env.Ciphertext[:gcm.NonceSize()]
	deflated, err := gcm.Open(nil, gcmNonce, env.Ciphertext[gcm.NonceSize():], nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: decryption failed", ErrEnvelope)
	}

	plain, err := compression.Inflate(deflated)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}

	var bundle Bundle
	if err := cbor.Unmarshal(plain, &bundle); err != nil {
		return nil, 0, fmt.Errorf("%w: undecodable bundle: %v", ErrEnvelope, err)
	}
	return bundle.Messages, env.Nonce, nil
}
