package subscription

import "strings"

// EventType is a canonical billing lifecycle event.
type EventType string

const (
	EventInitialPurchase     EventType = "INITIAL_PURCHASE"
	EventRenewal             EventType = "RENEWAL"
	EventProductChange       EventType = "PRODUCT_CHANGE"
	EventCancellation        EventType = "CANCELLATION"
	EventUncancellation      EventType = "UNCANCELLATION"
	EventExpiration          EventType = "EXPIRATION"
	EventBillingIssue        EventType = "BILLING_ISSUE"
	EventBillingRetry        EventType = "BILLING_RETRY"
	EventSubscriptionPaused  EventType = "SUBSCRIPTION_PAUSED"
	EventSubscriptionResumed EventType = "SUBSCRIPTION_RESUMED"
	EventTest                EventType = "TEST"

	// EventSync marks writes produced by reconciliation rather than a webhook.
	EventSync EventType = "SYNC"
	// EventUnknown is used when the payload carries no type at all.
	EventUnknown EventType = "UNKNOWN"
)

// ParseEventType trims and upper-cases a raw event type.
func ParseEventType(raw string) EventType {
	t := strings.ToUpper(strings.TrimSpace(raw))
	if t == "" {
		return EventUnknown
	}
	return EventType(t)
}

// State is the pair of status flags the transition table decides.
type State struct {
	IsActive  bool
	WillRenew bool
}

var transitions = map[EventType]State{
	EventInitialPurchase:     {IsActive: true, WillRenew: true},
	EventRenewal:             {IsActive: true, WillRenew: true},
	EventProductChange:       {IsActive: true, WillRenew: true},
	EventUncancellation:      {IsActive: true, WillRenew: true},
	EventCancellation:        {IsActive: true, WillRenew: false}, // active until expiration
	EventExpiration:          {IsActive: false, WillRenew: false},
	EventBillingIssue:        {IsActive: true, WillRenew: true},
	EventBillingRetry:        {IsActive: true, WillRenew: true},
	EventSubscriptionPaused:  {IsActive: false, WillRenew: false},
	EventSubscriptionResumed: {IsActive: true, WillRenew: true},
}

// Transition returns the state after applying eventType to current.
// The second result is false for event types outside the table, in which case
// current is returned unchanged.
func Transition(current State, eventType EventType) (State, bool) {
	next, ok := transitions[eventType]
	if !ok {
		return current, false
	}
	return next, true
}

// Known reports whether eventType is handled by the transition table.
func Known(eventType EventType) bool {
	_, ok := transitions[eventType]
	return ok
}
