package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPolicyHolderMergesFileWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yml")
	content := []byte("billing:\n  past_due_threshold: 5\ndelivery:\n  max_attempts: 7\n  base_delay: 2s\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	holder, err := NewPolicyHolder(Config{PolicyPath: path}, zap.NewNop())
	require.NoError(t, err)

	p := holder.Get()
	assert.Equal(t, 5, p.Billing.PastDueThreshold)
	assert.Equal(t, 7, p.Delivery.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.Delivery.BaseDelay)
	assert.Equal(t, DefaultPolicy().Delivery.DeactivateAfter, p.Delivery.DeactivateAfter)
	assert.Equal(t, DefaultPolicy().Delivery.Timeout, p.Delivery.Timeout)
}

func TestPolicyHolderRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte("delivery:\n  workers: 0\n"), 0o600))

	_, err := NewPolicyHolder(Config{PolicyPath: path}, zap.NewNop())
	assert.Error(t, err)
}

func TestNilHolderReturnsDefaults(t *testing.T) {
	var h *PolicyHolder
	assert.Equal(t, DefaultPolicy(), h.Get())
}
