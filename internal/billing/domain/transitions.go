package domain

import billingevent "github.com/smallbiznis/subchain/internal/billingevent/domain"

// subscriberTransitions is the only place subscriber moves are allowed.
// The value is the event emitted for the move.
var subscriberTransitions = map[SubscriberStatus]map[SubscriberStatus]string{
	SubscriberStatusActive: {
		SubscriberStatusPaused:    billingevent.EventSubscriberPaused,
		SubscriberStatusPastDue:   billingevent.EventSubscriberPastDue,
		SubscriberStatusCancelled: billingevent.EventSubscriberCancelled,
	},
	SubscriberStatusPaused: {
		SubscriberStatusActive:    billingevent.EventSubscriberResumed,
		SubscriberStatusCancelled: billingevent.EventSubscriberCancelled,
	},
	SubscriberStatusPastDue: {
		SubscriberStatusActive:    billingevent.EventSubscriberReactivated,
		SubscriberStatusCancelled: billingevent.EventSubscriberCancelled,
	},
	// cancelled is terminal
}

var planTransitions = map[PlanStatus]map[PlanStatus]string{
	PlanStatusDraft: {
		PlanStatusActive: billingevent.EventPlanActivated,
	},
	PlanStatusActive: {
		PlanStatusInactive: billingevent.EventPlanDeactivated,
	},
	PlanStatusInactive: {
		PlanStatusActive: billingevent.EventPlanActivated,
	},
}

// SubscriberTransition returns the event for from → to, or false when the move is not allowed.
func SubscriberTransition(from, to SubscriberStatus) (string, bool) {
	event, ok := subscriberTransitions[from][to]
	return event, ok
}

func PlanTransition(from, to PlanStatus) (string, bool) {
	event, ok := planTransitions[from][to]
	return event, ok
}

// ActiveDelta is the change in a plan's subscriber_count caused by from → to.
func ActiveDelta(from, to SubscriberStatus) int64 {
	var delta int64
	if from == SubscriberStatusActive {
		delta--
	}
	if to == SubscriberStatusActive {
		delta++
	}
	return delta
}

func (s SubscriberStatus) Valid() bool {
	switch s {
	case SubscriberStatusActive, SubscriberStatusPaused, SubscriberStatusPastDue, SubscriberStatusCancelled:
		return true
	}
	return false
}

func (s PlanStatus) Valid() bool {
	switch s {
	case PlanStatusDraft, PlanStatusActive, PlanStatusInactive:
		return true
	}
	return false
}
