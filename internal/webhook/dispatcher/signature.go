package dispatcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	HeaderSignature = "X-Subchain-Signature"
	HeaderTimestamp = "X-Subchain-Timestamp"
	HeaderEvent     = "X-Subchain-Event"
	HeaderDelivery  = "X-Subchain-Delivery"
)

var (
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
	ErrSignatureExpired  = errors.New("webhook signature timestamp outside tolerance")
)

// Sign computes hex(HMAC-SHA256(secret, "<timestamp>.<payload>")).
func Sign(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", timestamp)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the signature and timestamp headers a receiver got with
// payload. A zero tolerance skips the freshness check.
func Verify(secret string, payload []byte, timestampHeader, signature string, now time.Time, tolerance time.Duration) error {
	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureMismatch)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}
	expected := Sign(secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}
