// Package signing implements the HMAC helper for deferred-upload poll
// tokens. Deletion responses carry a signed (deferredUploadId, expiry) pair
// so the status endpoint can reject guessed ids without a database hit.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer generates and validates HMAC based poll tokens.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature for a deferred upload id and expiry.
func (s *Signer) Sign(deferredID int64, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%d:%d", deferredID, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks the signature and that the token has not expired.
func (s *Signer) Validate(deferredID int64, expires, signature string, now time.Time) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if now.Unix() > exp {
		return false
	}
	expected := s.Sign(deferredID, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
