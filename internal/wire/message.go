/*
 * Package wire defines the protocol units exchanged with the control
 * server and the secure session that seals them for transport.
 *
 * Framing, outbound:
 *   messages -> CBOR bundle -> deflate -> AES-256-GCM under a fresh
 *   session key -> session key wrapped with RSA-OAEP to the peer ->
 *   CBOR envelope carrying an RSA-PSS signature by the sender.
 *
 * The inbound path is the mirror image; any verification, decryption,
 * decompression or decoding failure rejects the whole envelope and admits
 * no partial messages.
 */
package wire

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single protocol message. It is opaque to this layer:
// the payload's meaning belongs to the producing and consuming
// collaborators. Messages are immutable once enqueued.
type Message struct {
	ID        string    `cbor:"id"`
	Kind      string    `cbor:"kind"`
	Payload   []byte    `cbor:"payload,omitempty"`
	Timestamp time.Time `cbor:"timestamp"`
}

// NewMessage builds a message with a fresh identifier.
func NewMessage(kind string, payload []byte) Message {
	return Message{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ByteSize is the payload cost used for queue backpressure accounting.
func (m Message) ByteSize() int {
	return len(m.Payload)
}

// Bundle is the plaintext body of one envelope: an ordered batch of
// messages. Order within a bundle is preserved end to end.
type Bundle struct {
	Messages []Message `cbor:"messages"`
}
