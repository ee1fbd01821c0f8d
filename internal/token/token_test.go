package token

import "testing"

func TestNewIsUniqueAndLongEnough(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := New()
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		if len(tok) < 26 { // 128 bits base32-encoded, unpadded; New's 20 bytes give 32
			t.Fatalf("token %q too short: %d chars", tok, len(tok))
		}
		if seen[tok] {
			t.Fatalf("token %q generated twice", tok)
		}
		seen[tok] = true
	}
}
