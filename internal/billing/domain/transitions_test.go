package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriberTransitionTable(t *testing.T) {
	allowed := [][2]SubscriberStatus{
		{SubscriberStatusActive, SubscriberStatusPaused},
		{SubscriberStatusActive, SubscriberStatusPastDue},
		{SubscriberStatusActive, SubscriberStatusCancelled},
		{SubscriberStatusPaused, SubscriberStatusActive},
		{SubscriberStatusPaused, SubscriberStatusCancelled},
		{SubscriberStatusPastDue, SubscriberStatusActive},
		{SubscriberStatusPastDue, SubscriberStatusCancelled},
	}
	for _, pair := range allowed {
		_, ok := SubscriberTransition(pair[0], pair[1])
		assert.True(t, ok, "%s -> %s", pair[0], pair[1])
	}

	for _, to := range []SubscriberStatus{SubscriberStatusActive, SubscriberStatusPaused, SubscriberStatusPastDue} {
		_, ok := SubscriberTransition(SubscriberStatusCancelled, to)
		assert.False(t, ok, "cancelled -> %s", to)
	}
	_, ok := SubscriberTransition(SubscriberStatusPaused, SubscriberStatusPastDue)
	assert.False(t, ok)
}

func TestActiveDelta(t *testing.T) {
	assert.Equal(t, int64(-1), ActiveDelta(SubscriberStatusActive, SubscriberStatusCancelled))
	assert.Equal(t, int64(1), ActiveDelta(SubscriberStatusPastDue, SubscriberStatusActive))
	assert.Equal(t, int64(0), ActiveDelta(SubscriberStatusPaused, SubscriberStatusCancelled))
}

func TestPlanTransitionTable(t *testing.T) {
	_, ok := PlanTransition(PlanStatusDraft, PlanStatusActive)
	assert.True(t, ok)
	_, ok = PlanTransition(PlanStatusDraft, PlanStatusInactive)
	assert.False(t, ok)
	_, ok = PlanTransition(PlanStatusInactive, PlanStatusActive)
	assert.True(t, ok)
}
