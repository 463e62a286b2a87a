package subscription

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status is a user's standing for one entitlement.
type Status struct {
	UserID           string
	Entitlement      string
	Active           bool
	IsTrial          bool
	WillRenew        bool
	CurrentPeriodEnd *time.Time
}

// StatusFor reports the user's standing for entitlement at now. A user holding
// several records (trial and paid, or two storefronts) is active when any of
// them grants access; the flags come from that record, or from the most
// recently updated one when none does. An empty entitlement means DefaultEntitlement.
func StatusFor(ctx context.Context, store Store, userID, entitlement string, now time.Time) (Status, error) {
	entitlement = strings.TrimSpace(entitlement)
	if entitlement == "" {
		entitlement = DefaultEntitlement
	}
	st := Status{UserID: userID, Entitlement: entitlement}

	records, err := store.ListByUser(ctx, userID)
	if err != nil {
		return st, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	var latest *Record
	for _, rec := range records {
		if rec.Entitlement != entitlement {
			continue
		}
		if rec.Entitled(now) {
			return statusOf(st, rec, true), nil
		}
		if latest == nil {
			latest = rec
		}
	}
	if latest != nil {
		return statusOf(st, latest, false), nil
	}
	return st, nil
}

func statusOf(st Status, rec *Record, active bool) Status {
	st.Active = active
	st.IsTrial = rec.IsTrial
	st.WillRenew = rec.WillRenew && active
	st.CurrentPeriodEnd = rec.CurrentPeriodEnd
	return st
}
