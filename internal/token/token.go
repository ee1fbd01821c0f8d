// Package token generates the unpredictable lease tokens required by
// spec.md §9: "Unpredictable random >=128 bits encoded as ASCII; never
// reused." Tokens fence ack/nack/extend against stale or mismatched
// leases (spec.md I5).
package token

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
)

// encoding is unpadded base32 so tokens are URL- and JSON-safe ASCII
// without escaping.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New returns a fresh, unpredictable lease token of at least 128 bits
// of entropy (20 bytes here, for a comfortable margin).
func New() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: reading random bytes: %w", err)
	}
	return encoding.EncodeToString(buf), nil
}

// MustNew is New but panics on failure. crypto/rand.Read only fails on
// an exhausted or misconfigured entropy source, which sqew treats as
// fatal rather than something callers can meaningfully recover from.
func MustNew() string {
	tok, err := New()
	if err != nil {
		panic(err)
	}
	return tok
}
