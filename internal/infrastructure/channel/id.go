// Package channel mints and validates the opaque channel identifiers that
// route webhook deliveries. An identifier is the only credential for a
// channel, so it is drawn from a cryptographically secure source.
package channel

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// idBytes is the raw entropy per identifier. 16 bytes keeps collisions
// negligible at any realistic channel count.
const idBytes = 16

// IDLength is the length of an encoded channel identifier.
var IDLength = base64.RawURLEncoding.EncodedLen(idBytes)

// Generate returns a new URL-safe channel identifier with no padding.
// Failure to read from the system random source leaves no safe way to
// hand out channels, so it aborts the process.
func Generate() string {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("channel: reading random source: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Valid reports whether id has the exact shape of a generated identifier.
// The HTTP boundary rejects malformed ids before they reach the bus; a
// well-formed id that was never handed out is simply an empty channel.
func Valid(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
