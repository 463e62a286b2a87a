package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		event     EventType
		active    bool
		willRenew bool
	}{
		{EventInitialPurchase, true, true},
		{EventRenewal, true, true},
		{EventProductChange, true, true},
		{EventUncancellation, true, true},
		{EventCancellation, true, false},
		{EventExpiration, false, false},
		{EventBillingIssue, true, true},
		{EventBillingRetry, true, true},
		{EventSubscriptionPaused, false, false},
		{EventSubscriptionResumed, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			got, ok := Transition(State{}, tt.event)
			assert.True(t, ok)
			assert.Equal(t, State{IsActive: tt.active, WillRenew: tt.willRenew}, got)
		})
	}
}

func TestTransition_Idempotent(t *testing.T) {
	starts := []State{{}, {IsActive: true}, {IsActive: true, WillRenew: true}, {WillRenew: true}}
	for event := range transitions {
		for _, start := range starts {
			once, _ := Transition(start, event)
			twice, _ := Transition(once, event)
			assert.Equal(t, once, twice, "event %s from %+v", event, start)
		}
	}
}

func TestTransition_UnknownLeavesStateUnchanged(t *testing.T) {
	current := State{IsActive: true, WillRenew: false}

	got, ok := Transition(current, EventType("TRANSFER"))
	assert.False(t, ok)
	assert.Equal(t, current, got)

	got, ok = Transition(current, EventUnknown)
	assert.False(t, ok)
	assert.Equal(t, current, got)
}

func TestParseEventType(t *testing.T) {
	assert.Equal(t, EventRenewal, ParseEventType("  renewal "))
	assert.Equal(t, EventUnknown, ParseEventType(""))
	assert.Equal(t, EventType("NON_RENEWING_PURCHASE"), ParseEventType("non_renewing_purchase"))
	assert.True(t, Known(EventExpiration))
	assert.False(t, Known(EventTest))
}

func TestNormalizeStore(t *testing.T) {
	assert.Equal(t, StoreAppStore, NormalizeStore("APP_STORE"))
	assert.Equal(t, StoreAppStore, NormalizeStore("mac_app_store"))
	assert.Equal(t, StorePlayStore, NormalizeStore("PLAY_STORE"))
	assert.Equal(t, StoreStripe, NormalizeStore("stripe"))
	assert.Equal(t, DefaultStore, NormalizeStore("AMAZON"))
	assert.Equal(t, DefaultStore, NormalizeStore(""))
}

func TestNormalizeEnvironment(t *testing.T) {
	assert.Equal(t, EnvironmentSandbox, NormalizeEnvironment("sandbox"))
	assert.Equal(t, EnvironmentProduction, NormalizeEnvironment("Production"))
	assert.Equal(t, EnvironmentProduction, NormalizeEnvironment(""))
}
