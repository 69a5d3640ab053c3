// Package compression wraps the zlib codec used on the wire. Payloads are
// deflated before encryption and inflated after decryption; a stream that
// fails to inflate is treated as transport corruption or tampering.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ErrCorrupt is returned by Inflate when the input is not a valid zlib
// stream produced by Deflate.
var ErrCorrupt = errors.New("compression: corrupt deflate stream")

// maxInflatedSize bounds decompression output so a hostile server cannot
// feed us a decompression bomb.
const maxInflatedSize = 64 << 20 // 64 MiB

// Deflate compresses data. It never fails for in-memory inputs.
func Deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	// Writes to a bytes.Buffer cannot fail.
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

// Inflate decompresses data produced by Deflate. All failure modes,
// including a truncated stream or a bad checksum, are reported as
// ErrCorrupt.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("%w: inflated payload exceeds %d bytes", ErrCorrupt, maxInflatedSize)
	}
	return out, nil
}
