package revenuecat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// SkipRetention is how long a skipped event stays in the ledger before the
// sweep gives up on it.
const SkipRetention = 30 * 24 * time.Hour

// SweepResult summarizes one SweepSkipped run.
type SweepResult struct {
	Checked   int `json:"checked"`
	Resolved  int `json:"resolved"`
	Expired   int `json:"expired"`
	Remaining int `json:"remaining"`
}

// SyncSubscriber pulls the platform snapshot for one subscriber and re-persists
// the local record. Failures are reported in the result, never panicked.
func (p *Provider) SyncSubscriber(ctx context.Context, req billing.SyncRequest) billing.SyncResult {
	start := time.Now()
	res := p.syncSubscriber(ctx, req)

	status := "success"
	if !res.Success {
		status = "error"
	}
	p.metrics.RecordUserSync(providerName, status)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(start))
	return res
}

func (p *Provider) syncSubscriber(ctx context.Context, req billing.SyncRequest) billing.SyncResult {
	userID := strings.TrimSpace(req.UserID)
	subscriberID := strings.TrimSpace(req.SubscriberID)
	res := billing.SyncResult{UserID: userID, SubscriberID: subscriberID}

	if userID == "" && subscriberID == "" {
		return p.syncFailed(res, fmt.Errorf("%w: user_id or rc_app_user_id required", subscription.ErrInvalidRecord))
	}

	if subscriberID == "" {
		// the platform knows the user by the subscriber id of their latest record,
		// or by the user id itself once the app has identified them
		subscriberID = userID
		records, err := p.store.ListByUser(ctx, userID)
		if err != nil {
			return p.syncFailed(res, fmt.Errorf("failed to list subscriptions: %w", err))
		}
		if len(records) > 0 {
			subscriberID = records[0].BillingSubscriberID
		}
		res.SubscriberID = subscriberID
	}

	snap, err := p.client.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return p.syncFailed(res, err)
	}

	if userID == "" {
		resolution, err := p.resolver.Resolve(ctx, subscriberID, snap.Subscriber.OriginalAppUserID)
		if errors.Is(err, subscription.ErrIdentityUnresolved) {
			res.Success, res.Skipped, res.Reason = true, true, string(subscription.SkipUnresolvedIdentity)
			return res
		}
		if err != nil {
			return p.syncFailed(res, err)
		}
		userID = resolution.UserID
		res.UserID = userID
	}

	existing, err := p.store.GetBySubscriberID(ctx, subscriberID)
	if err != nil && !errors.Is(err, subscription.ErrRecordNotFound) {
		return p.syncFailed(res, fmt.Errorf("failed to load subscription: %w", err))
	}

	rec, ok := p.recordFromSnapshot(userID, subscriberID, snap, existing)
	if !ok {
		n, err := p.writer.Deactivate(ctx, userID, snap.Raw)
		if err != nil {
			return p.syncFailed(res, err)
		}
		p.logger.Info("no active entitlement, subscriptions deactivated",
			subscription.Field{Key: "event_type", Value: string(subscription.EventSync)},
			subscription.Field{Key: "user_id", Value: userID},
			subscription.Field{Key: "subscriber_id", Value: subscriberID},
			subscription.Field{Key: "found", Value: snap.Found},
			subscription.Field{Key: "deactivated", Value: n},
		)
		res.Success, res.Synced, res.Deactivated = true, true, n > 0
		return res
	}

	outcome, err := p.writer.Persist(ctx, rec, subscription.EventSync)
	if err != nil {
		return p.syncFailed(res, err)
	}
	res.Success = true
	if outcome.Skipped {
		res.Skipped, res.Reason = true, string(outcome.Reason)
		return res
	}
	res.Synced, res.IsActive = true, rec.IsActive
	p.logger.Info("subscription synced",
		subscription.Field{Key: "event_type", Value: string(subscription.EventSync)},
		subscription.Field{Key: "user_id", Value: userID},
		subscription.Field{Key: "subscriber_id", Value: subscriberID},
		subscription.Field{Key: "entitlement", Value: rec.Entitlement},
		subscription.Field{Key: "is_trial", Value: rec.IsTrial},
		subscription.Field{Key: "will_renew", Value: rec.WillRenew},
		subscription.Field{Key: "current_period_end", Value: rec.CurrentPeriodEnd},
	)
	return res
}

func (p *Provider) syncFailed(res billing.SyncResult, err error) billing.SyncResult {
	p.logger.Error("subscription sync failed",
		subscription.Field{Key: "event_type", Value: string(subscription.EventSync)},
		subscription.Field{Key: "user_id", Value: res.UserID},
		subscription.Field{Key: "subscriber_id", Value: res.SubscriberID},
		subscription.Field{Key: "error", Value: err},
	)
	res.Success = false
	res.Error = err.Error()
	res.Err = err
	return res
}

// recordFromSnapshot derives the record from the platform snapshot. The second
// result is false when the subscriber has no active entitlement. existing is the
// stored record for subscriberID, if any.
func (p *Provider) recordFromSnapshot(userID, subscriberID string, snap *Snapshot, existing *subscription.Record) (*subscription.Record, bool) {
	if !snap.Found {
		return nil, false
	}
	now := p.now()
	key, ent, ok := pickEntitlement(snap.Subscriber.Entitlements, p.defaultEntitlement, now)
	if !ok {
		return nil, false
	}

	productID := strings.TrimSpace(ent.ProductIdentifier)
	sub := snap.Subscriber.Subscriptions[ent.ProductIdentifier]
	isTrial, rule := subscription.DetectTrial(subscription.TrialSignals{PeriodType: sub.PeriodType})
	if isTrial {
		p.metrics.RecordTrialDetected(providerName, rule)
	}

	purchasedAt := time.Time{}
	if t := optionalTime(ent.PurchaseDate); t != nil {
		purchasedAt = *t
	} else if t := optionalTime(sub.PurchaseDate); t != nil {
		purchasedAt = *t
	}
	reported := optionalTime(ent.ExpiresDate)

	env := subscription.EnvironmentProduction
	if sub.IsSandbox {
		env = subscription.EnvironmentSandbox
	}
	requestDate := snap.RequestDate

	// the snapshot carries no offer period code, so a trial the webhook already
	// measured from its offer keeps that end; new trials get the default length
	periodEnd := subscription.PeriodEnd(isTrial, purchasedAt, "", reported)
	if isTrial && sameTrial(existing, productID, purchasedAt) {
		end := *existing.CurrentPeriodEnd
		periodEnd = &end
	}

	rec := &subscription.Record{
		UserID:                      userID,
		BillingSubscriberID:         subscriberID,
		BillingOriginalSubscriberID: strings.TrimSpace(snap.Subscriber.OriginalAppUserID),
		Entitlement:                 key,
		ProductID:                   productID,
		Store:                       subscription.NormalizeStore(sub.Store),
		IsActive:                    true,
		IsTrial:                     isTrial,
		WillRenew:                   sub.UnsubscribeDetectedAt == nil,
		CurrentPeriodEnd:            periodEnd,
		OriginalPurchaseAt:          optionalTime(sub.OriginalPurchaseDate),
		RawEventSnapshot:            snap.Raw,
		Environment:                 env,
		LastEventAt:                 &requestDate,
	}
	if rec.OriginalPurchaseAt == nil && !purchasedAt.IsZero() {
		rec.OriginalPurchaseAt = &purchasedAt
	}
	return rec, true
}

// sameTrial reports whether existing is the stored trial for this purchase of
// productID. Its end must fall after the purchase to belong to it.
func sameTrial(existing *subscription.Record, productID string, purchasedAt time.Time) bool {
	if existing == nil || !existing.IsTrial || existing.CurrentPeriodEnd == nil {
		return false
	}
	if existing.ProductID != productID {
		return false
	}
	return purchasedAt.IsZero() || existing.CurrentPeriodEnd.After(purchasedAt)
}

// pickEntitlement prefers the default entitlement, then the first active one by key.
// An entitlement without an expiry never lapses.
func pickEntitlement(ents map[string]apiEntitlement, preferred string, now time.Time) (string, apiEntitlement, bool) {
	active := func(e apiEntitlement) bool {
		exp := optionalTime(e.ExpiresDate)
		return exp == nil || exp.After(now)
	}
	if e, ok := ents[preferred]; ok && active(e) {
		return preferred, e, true
	}
	keys := make([]string, 0, len(ents))
	for k := range ents {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if active(ents[k]) {
			return k, ents[k], true
		}
	}
	return "", apiEntitlement{}, false
}

// SyncAll reconciles up to BatchSize active records, least recently updated
// first, with bounded parallelism. One subscriber failing never aborts the batch.
func (p *Provider) SyncAll(ctx context.Context) billing.BulkResult {
	records, err := p.store.ListActive(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("bulk sync: failed to list active subscriptions", subscription.Field{Key: "error", Value: err})
		return billing.BulkResult{Success: false, Error: err.Error(), Results: []billing.SyncResult{}}
	}

	results := make([]billing.SyncResult, len(records))
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, rec := range records {
		g.Go(func() error {
			results[i] = p.SyncSubscriber(ctx, billing.SyncRequest{
				UserID:       rec.UserID,
				SubscriberID: rec.BillingSubscriberID,
			})
			return nil
		})
	}
	_ = g.Wait()

	synced := 0
	for _, r := range results {
		if r.Synced {
			synced++
		}
	}
	p.logger.Info("bulk sync finished",
		subscription.Field{Key: "total", Value: len(records)},
		subscription.Field{Key: "synced", Value: synced},
	)
	return billing.BulkResult{Success: true, SyncedCount: synced, Total: len(records), Results: results}
}

// SweepSkipped retries up to limit ledger entries through SyncSubscriber,
// least recently tried first. Entries are removed once applied, or once older
// than SkipRetention; the rest are requeued with their attempt counted.
func (p *Provider) SweepSkipped(ctx context.Context, limit int) (SweepResult, error) {
	var out SweepResult
	pending, err := p.ledger.Pending(ctx, limit)
	if err != nil {
		return out, fmt.Errorf("failed to read skip ledger: %w", err)
	}

	now := p.now()
	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Checked++

		if now.Sub(ev.SkippedAt) > SkipRetention {
			if err := p.ledger.Remove(ctx, ev.SubscriberID); err != nil {
				return out, fmt.Errorf("failed to expire ledger entry: %w", err)
			}
			out.Expired++
			p.logger.Warn("skipped event expired without reconciliation",
				subscription.Field{Key: "subscriber_id", Value: ev.SubscriberID},
				subscription.Field{Key: "reason", Value: string(ev.Reason)},
				subscription.Field{Key: "skipped_at", Value: ev.SkippedAt},
			)
			continue
		}

		res := p.SyncSubscriber(ctx, billing.SyncRequest{SubscriberID: ev.SubscriberID})
		if !res.Success || res.Skipped {
			// requeue behind the entries not tried yet so a stuck head cannot
			// starve the rest of the ledger
			ev.Attempts++
			ev.LastAttemptAt = now
			if err := p.ledger.Add(ctx, ev); err != nil {
				return out, fmt.Errorf("failed to requeue ledger entry: %w", err)
			}
			out.Remaining++
			continue
		}
		if err := p.ledger.Remove(ctx, ev.SubscriberID); err != nil {
			return out, fmt.Errorf("failed to remove ledger entry: %w", err)
		}
		out.Resolved++
	}
	return out, nil
}
