package revenuecat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

type webhookResponse struct {
	Success   bool   `json:"success"`
	Skipped   bool   `json:"skipped,omitempty"`
	Reason    string `json:"reason,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

type livenessResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// webhookResult is what processing one event did.
type webhookResult struct {
	EventType subscription.EventType
	UserID    string
	Record    *subscription.Record
	TrialRule string
	Skipped   bool
	Reason    subscription.SkipReason
}

// handleWebhook processes incoming RevenueCat webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	switch r.Method {
	case http.MethodGet:
		_ = internal.WriteJSON(w, http.StatusOK, livenessResponse{Status: "ok", Service: "revenuecat-webhook"})
		return
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	if len(p.webhookSecret) == 0 {
		p.logger.Error("webhook secret not configured")
		p.metrics.RecordWebhookError(providerName, "not_configured")
		internal.WriteError(w, http.StatusInternalServerError, "webhook not configured", "")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large", "")
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			internal.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err), "")
		}
		return
	}

	if source, err := p.authenticateWebhook(r, body); err != nil {
		p.logger.Warn("webhook authentication failed",
			subscription.Field{Key: "source", Value: string(source)},
			subscription.Field{Key: "remote", Value: internal.GetClientIP(r)},
			subscription.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		internal.WriteError(w, http.StatusUnauthorized, "unauthorized", internal.SecretHint)
		return
	}

	payload, err := parseWebhookPayload(body)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	res, err := p.processWebhookEvent(r.Context(), payload, body)
	eventType := string(res.EventType)
	if err != nil {
		p.logger.Error("webhook processing failed",
			subscription.Field{Key: "event_type", Value: eventType},
			subscription.Field{Key: "subscriber_id", Value: payload.Event.AppUserID},
			subscription.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook", "")
		return
	}

	status := "success"
	if res.Skipped {
		status = "skipped"
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{
		Success:   true,
		Skipped:   res.Skipped,
		Reason:    string(res.Reason),
		EventType: eventType,
	})
}

// processWebhookEvent resolves the subscriber, applies the transition and
// persists the record. Conflicts a later sync can repair come back as a
// skipped result, not an error.
func (p *Provider) processWebhookEvent(ctx context.Context, payload *webhookPayload, raw []byte) (webhookResult, error) {
	in := classify(&payload.Event)
	res := webhookResult{EventType: in.EventType}

	if in.EventType == subscription.EventTest {
		p.logger.Info("test webhook received", subscription.Field{Key: "event_id", Value: in.EventID})
		return res, nil
	}

	resolution, err := p.resolver.Resolve(ctx, in.SubscriberID, in.aliases()...)
	if errors.Is(err, subscription.ErrIdentityUnresolved) {
		return p.skip(ctx, in, res, subscription.SkipUnresolvedIdentity)
	}
	if err != nil {
		return res, err
	}
	res.UserID = resolution.UserID

	existing, err := p.store.GetBySubscriberID(ctx, in.SubscriberID)
	if errors.Is(err, subscription.ErrRecordNotFound) {
		existing = nil
	} else if err != nil {
		return res, fmt.Errorf("failed to load subscription: %w", err)
	}

	if !subscription.Known(in.EventType) {
		p.logger.Warn("unrecognized event type, state unchanged",
			subscription.Field{Key: "event_type", Value: string(in.EventType)},
			subscription.Field{Key: "subscriber_id", Value: in.SubscriberID},
		)
		if existing == nil {
			return p.skip(ctx, in, res, subscription.SkipUnknownEvent)
		}
	}

	rec, rule := in.derive(existing, resolution.UserID, p.defaultEntitlement, json.RawMessage(raw))
	res.Record, res.TrialRule = rec, rule

	outcome, err := p.writer.Persist(ctx, rec, in.EventType)
	if err != nil {
		return res, err
	}
	if outcome.Skipped {
		return p.skip(ctx, in, res, outcome.Reason)
	}

	if rule != "" {
		p.metrics.RecordTrialDetected(providerName, rule)
	}
	p.logger.Info("subscription event applied",
		subscription.Field{Key: "event_type", Value: string(in.EventType)},
		subscription.Field{Key: "user_id", Value: rec.UserID},
		subscription.Field{Key: "subscriber_id", Value: rec.BillingSubscriberID},
		subscription.Field{Key: "is_active", Value: rec.IsActive},
		subscription.Field{Key: "will_renew", Value: rec.WillRenew},
		subscription.Field{Key: "is_trial", Value: rec.IsTrial},
		subscription.Field{Key: "trial_rule", Value: rule},
		subscription.Field{Key: "current_period_end", Value: rec.CurrentPeriodEnd},
		subscription.Field{Key: "optimistic", Value: resolution.Optimistic},
	)

	return res, p.invokeCallback(ctx, in, res)
}

// skip acknowledges an event without applying it. Events a later sweep can
// repair are written to the ledger.
func (p *Provider) skip(ctx context.Context, in intent, res webhookResult, reason subscription.SkipReason) (webhookResult, error) {
	res.Skipped, res.Reason = true, reason
	p.metrics.RecordSkippedEvent(providerName, string(reason))
	p.logger.Warn("webhook event skipped",
		subscription.Field{Key: "event_type", Value: string(in.EventType)},
		subscription.Field{Key: "subscriber_id", Value: in.SubscriberID},
		subscription.Field{Key: "original_subscriber_id", Value: in.OriginalSubscriberID},
		subscription.Field{Key: "reason", Value: string(reason)},
	)

	if in.SubscriberID != "" && (reason == subscription.SkipUnresolvedIdentity || reason == subscription.SkipUnknownUser) {
		err := p.ledger.Add(ctx, &subscription.SkippedEvent{
			SubscriberID:         in.SubscriberID,
			OriginalSubscriberID: in.OriginalSubscriberID,
			EventType:            in.EventType,
			Reason:               reason,
			SkippedAt:            p.now(),
		})
		if err != nil {
			p.logger.Error("failed to record skipped event",
				subscription.Field{Key: "subscriber_id", Value: in.SubscriberID},
				subscription.Field{Key: "error", Value: err},
			)
		}
	}
	return res, p.invokeCallback(ctx, in, res)
}

func (p *Provider) invokeCallback(ctx context.Context, in intent, res webhookResult) error {
	if p.config.WebhookCallback == nil {
		return nil
	}
	event := billing.WebhookEvent{
		Provider:       providerName,
		EventID:        in.EventID,
		EventType:      string(in.EventType),
		UserID:         res.UserID,
		SubscriberID:   in.SubscriberID,
		TrialRule:      res.TrialRule,
		Skipped:        res.Skipped,
		Reason:         string(res.Reason),
		EventTimestamp: in.EventAt,
		Metadata: map[string]interface{}{
			"product_id":  in.ProductID,
			"entitlement": in.Entitlement,
			"store":       in.RawStore,
			"environment": in.RawEnv,
		},
	}
	if res.Record != nil && !res.Skipped {
		event.IsActive = res.Record.IsActive
		event.WillRenew = res.Record.WillRenew
		event.IsTrial = res.Record.IsTrial
		event.ExpiresAt = res.Record.CurrentPeriodEnd
	}
	if err := p.config.WebhookCallback(ctx, event); err != nil {
		return fmt.Errorf("webhook callback failed: %w", err)
	}
	return nil
}
