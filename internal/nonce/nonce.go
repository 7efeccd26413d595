// Package nonce generates the 64-byte correlation tokens sent through
// the ingress side of a probe and expected back verbatim on the egress
// side.
package nonce

import (
	"crypto/rand"
	"math/big"
)

// Length is the fixed nonce size in bytes, per the wire format.
const Length = 64

// charset is the printable, non-whitespace subset of ASCII (0x21-0x7E).
// The original implementation drew from Python's string.printable,
// which also includes the whitespace control characters; since the
// nonce is read back as the first line up to a CRLF, a whitespace or
// newline byte in the token would truncate it on the wire, so this
// implementation narrows the charset to the printable-non-whitespace
// range.
var charset = func() []byte {
	b := make([]byte, 0, 0x7E-0x21+1)
	for c := byte(0x21); c <= 0x7E; c++ {
		b = append(b, c)
	}
	return b
}()

// Generate returns a new 64-character nonce drawn uniformly with
// replacement from the printable ASCII charset.
func Generate() (string, error) {
	buf := make([]byte, Length)
	max := big.NewInt(int64(len(charset)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = charset[n.Int64()]
	}
	return string(buf), nil
}
