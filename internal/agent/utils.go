package agent

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// makeNonce builds the request nonce the server must echo: a
// second-resolution timestamp scaled up with random low bits standing in
// for a sub-second clock.
func makeNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to read random bytes: %w", err)
	}
	r := binary.BigEndian.Uint64(b[:])
	return uint64(time.Now().Unix())*1000000 + (r & 0x7ffff), nil
}
