package dispatcher

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"event_type":"payment.completed"}`)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ts := now.Unix()
	sig := Sign("secret", ts, payload)

	assert.Len(t, sig, 64)
	assert.NoError(t, Verify("secret", payload, strconv.FormatInt(ts, 10), sig, now, time.Minute))
	assert.ErrorIs(t, Verify("other", payload, strconv.FormatInt(ts, 10), sig, now, time.Minute), ErrSignatureMismatch)
	assert.ErrorIs(t, Verify("secret", []byte(`{}`), strconv.FormatInt(ts, 10), sig, now, time.Minute), ErrSignatureMismatch)
	assert.ErrorIs(t, Verify("secret", payload, strconv.FormatInt(ts, 10), sig, now.Add(time.Hour), time.Minute), ErrSignatureExpired)
	assert.ErrorIs(t, Verify("secret", payload, "nope", sig, now, 0), ErrSignatureMismatch)
}

func TestBackoff(t *testing.T) {
	base, limit := 30*time.Second, time.Hour
	cases := map[int]time.Duration{
		0:  30 * time.Second,
		1:  time.Minute,
		2:  2 * time.Minute,
		4:  8 * time.Minute,
		7:  time.Hour,
		40: time.Hour,
	}
	for attempts, want := range cases {
		assert.Equal(t, want, Backoff(base, limit, attempts), "attempts=%d", attempts)
	}
	assert.Equal(t, time.Duration(0), Backoff(0, limit, 3))
}
