package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// ResumeTokens issues and checks the HMAC tokens a participant presents to
// resume a match after reconnecting. A token binds match, participant and
// expiry; it proves the server seated the participant but grants nothing the
// session manager does not re-validate.
type ResumeTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewResumeTokens creates a token issuer keyed by secret.
func NewResumeTokens(secret string, ttl time.Duration) *ResumeTokens {
	return &ResumeTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a token for participantID in matchID.
func (r *ResumeTokens) Issue(matchID, participantID string) string {
	exp := strconv.FormatInt(r.now().Add(r.ttl).Unix(), 10)
	return exp + "." + hmacSHA256Base64(r.secret, matchID+"|"+participantID+"|"+exp)
}

// Verify checks token against matchID and participantID.
func (r *ResumeTokens) Verify(token, matchID, participantID string) error {
	exp, sig, ok := strings.Cut(token, ".")
	if !ok {
		return fmt.Errorf("crypto/resume: malformed token: %w", domain.ErrUnauthorized)
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto/resume: malformed expiry %q: %w", exp, domain.ErrUnauthorized)
	}
	if r.now().Unix() > expUnix {
		return fmt.Errorf("crypto/resume: token expired: %w", domain.ErrUnauthorized)
	}
	want := hmacSHA256Base64(r.secret, matchID+"|"+participantID+"|"+exp)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return fmt.Errorf("crypto/resume: bad signature: %w", domain.ErrUnauthorized)
	}
	return nil
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 URL-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
