package station

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// tokenFrom reads the client token from the query string or a Bearer
// Authorization header.
func tokenFrom(r *http.Request) string {
	if got := r.URL.Query().Get("token"); got != "" {
		return got
	}
	const p = "Bearer "
	if ah := r.Header.Get("Authorization"); len(ah) > len(p) && strings.EqualFold(ah[:len(p)], p) {
		return strings.TrimSpace(ah[len(p):])
	}
	return ""
}

// HashToken returns the sha256 hex form accepted in the token setting.
func HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return fmt.Sprintf("%x", sum[:])
}

// matchToken accepts stored as either a sha256 hex digest or plain text.
func matchToken(provided, stored string) bool {
	if provided == "" || stored == "" {
		return false
	}
	if len(stored) == sha256.Size*2 {
		if subtle.ConstantTimeCompare([]byte(HashToken(provided)), []byte(strings.ToLower(stored))) == 1 {
			return true
		}
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(stored)) == 1
}
