package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindAndCode(t *testing.T) {
	errInvalidAmount := Validation("invalid_amount")
	errInvalidCurrency := Validation("invalid_currency")

	wrapped := fmt.Errorf("record payment: %w", errInvalidAmount)

	assert.True(t, errors.Is(wrapped, ErrValidation))
	assert.True(t, errors.Is(wrapped, errInvalidAmount))
	assert.False(t, errors.Is(wrapped, errInvalidCurrency))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
}

func TestWrapKeepsSentinel(t *testing.T) {
	errDuplicate := Conflict("subscriber_exists")
	cause := errors.New("UNIQUE constraint failed")

	err := Wrap(errDuplicate, cause)

	assert.True(t, errors.Is(err, errDuplicate))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "subscriber_exists", CodeOf(err))
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(StoreUnavailable(errors.New("dial tcp: refused")))
	assert.True(t, ok)
	assert.Equal(t, KindStoreUnavailable, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}
