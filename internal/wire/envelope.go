package wire

// Envelope is the on-the-wire representation of one sealed bundle. The
// same shape is used in both directions; ClientID always names the agent
// the exchange belongs to.
type Envelope struct {
	// ClientID identifies the agent.
	ClientID string `cbor:"client_id"`

	// Nonce binds a response to the request that solicited it. The
	// server must echo the request nonce; a mismatch is treated as a
	// replay.
	Nonce uint64 `cbor:"nonce"`

	// WrappedKey is the per-envelope AES key, RSA-OAEP encrypted to the
	// recipient's public key.
	WrappedKey []byte `cbor:"wrapped_key"`

	// Ciphertext is the AES-256-GCM sealed, deflated bundle. The GCM
	// nonce is prepended.
	Ciphertext []byte `cbor:"ciphertext"`

	// Signature is the sender's RSA-PSS signature over ClientID, Nonce
	// and Ciphertext.
	Signature []byte `cbor:"signature"`
}
