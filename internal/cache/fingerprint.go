package cache

import (
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// Normalize lowercases text, drops punctuation and collapses whitespace so
// trivially different phrasings of the same question share a key.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			space = true
		}
	}
	return b.String()
}

// Fingerprint derives a cache key from the normalized query and any context
// that changes the reply (for example the active conversation state).
func Fingerprint(text string, context ...string) string {
	h := blake3.New()
	h.Write([]byte(Normalize(text)))
	for _, c := range context {
		h.Write([]byte{0})
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
