// Package uid provides request identifier generation for the file gateway.
package uid

import "github.com/google/uuid"

// maxLen bounds identifiers accepted from clients.
const maxLen = 64

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// Valid reports whether id is a UUID short enough to echo back to a client.
// Anything else supplied in a request header is replaced with a fresh id.
func Valid(id string) bool {
	if id == "" || len(id) > maxLen {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
