package revenuecat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// intent is a webhook event normalized into the fields the state machine needs.
type intent struct {
	EventID              string
	EventType            subscription.EventType
	SubscriberID         string
	OriginalSubscriberID string
	Aliases              []string
	ProductID            string
	Entitlement          string // empty when the payload names none
	RawStore             string
	RawEnv               string
	Trial                subscription.TrialSignals
	PurchasedAt          time.Time
	ReportedEnd          *time.Time
	EventAt              time.Time
}

func classify(ev *webhookEvent) intent {
	in := intent{
		EventID:              strings.TrimSpace(ev.ID),
		EventType:            subscription.ParseEventType(ev.Type),
		SubscriberID:         strings.TrimSpace(ev.AppUserID),
		OriginalSubscriberID: strings.TrimSpace(ev.OriginalAppUserID),
		Aliases:              ev.Aliases,
		ProductID:            strings.TrimSpace(ev.ProductID),
		RawStore:             ev.Store,
		RawEnv:               ev.Environment,
		Trial: subscription.TrialSignals{
			IsTrialPeriod: ev.IsTrialPeriod,
			PeriodType:    ev.PeriodType,
			DiscountType:  ev.DiscountType,
			OfferPeriod:   ev.OfferPeriod,
			Price:         ev.Price,
		},
		PurchasedAt: parseEventTimestamp(ev.PurchasedAtMs),
		EventAt:     ev.eventTimestamp(),
	}
	if in.EventType == subscription.EventProductChange {
		if np := strings.TrimSpace(ev.NewProductID); np != "" {
			in.ProductID = np
		}
	}
	for _, id := range ev.EntitlementIDs {
		if id = strings.TrimSpace(id); id != "" {
			in.Entitlement = id
			break
		}
	}
	if in.Entitlement == "" {
		in.Entitlement = strings.TrimSpace(ev.EntitlementID)
	}
	if ev.ExpirationAtMs > 0 {
		end := parseEventTimestamp(ev.ExpirationAtMs)
		in.ReportedEnd = &end
	}
	return in
}

// aliases returns the other platform ids the purchaser is known by.
func (in intent) aliases() []string {
	return append([]string{in.OriginalSubscriberID}, in.Aliases...)
}

// derive builds the record for userID after applying the event to existing,
// which is nil for a first event. For event types outside the transition table
// existing must be non-nil; only its snapshot and timestamps are refreshed.
// The returned string names the trial rule that matched, if any.
func (in intent) derive(existing *subscription.Record, userID, defaultEntitlement string, raw json.RawMessage) (*subscription.Record, string) {
	next, known := subscription.Transition(existing.State(), in.EventType)

	var lastEventAt *time.Time
	if !in.EventAt.IsZero() {
		t := in.EventAt
		lastEventAt = &t
	} else if existing != nil {
		lastEventAt = existing.LastEventAt
	}

	if !known {
		rec := *existing
		rec.RawEventSnapshot = raw
		rec.LastEventAt = lastEventAt
		return &rec, ""
	}

	isTrial, rule := subscription.DetectTrial(in.Trial)
	rec := &subscription.Record{
		UserID:                      userID,
		BillingSubscriberID:         in.SubscriberID,
		BillingOriginalSubscriberID: in.OriginalSubscriberID,
		Entitlement:                 in.Entitlement,
		ProductID:                   in.ProductID,
		Store:                       subscription.NormalizeStore(in.RawStore),
		IsActive:                    next.IsActive,
		IsTrial:                     isTrial,
		WillRenew:                   next.WillRenew,
		CurrentPeriodEnd:            subscription.PeriodEnd(isTrial, in.PurchasedAt, in.Trial.OfferPeriod, in.ReportedEnd),
		RawEventSnapshot:            raw,
		Environment:                 subscription.NormalizeEnvironment(in.RawEnv),
		LastEventAt:                 lastEventAt,
	}
	if !in.PurchasedAt.IsZero() {
		t := in.PurchasedAt
		rec.OriginalPurchaseAt = &t
	}

	if existing != nil {
		if rec.BillingOriginalSubscriberID == "" {
			rec.BillingOriginalSubscriberID = existing.BillingOriginalSubscriberID
		}
		if rec.Entitlement == "" {
			rec.Entitlement = existing.Entitlement
		}
		if rec.ProductID == "" {
			rec.ProductID = existing.ProductID
		}
		if strings.TrimSpace(in.RawStore) == "" && existing.Store != "" {
			rec.Store = existing.Store
		}
		if existing.OriginalPurchaseAt != nil {
			rec.OriginalPurchaseAt = existing.OriginalPurchaseAt
		}
		if rec.CurrentPeriodEnd == nil {
			rec.CurrentPeriodEnd = existing.CurrentPeriodEnd
		}
	}
	if rec.Entitlement == "" {
		rec.Entitlement = defaultEntitlement
	}
	return rec, rule
}
