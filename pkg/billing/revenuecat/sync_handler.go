package revenuecat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/identity"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

const maxSyncBody = 64 * 1024

const syncAuthHint = "send the operator secret as ?secret=, X-Signature or Authorization, " +
	"or a user token as Authorization: Bearer, X-User-Token or ?token="

// caller is the authenticated principal of a sync request.
type caller struct {
	operator bool
	userID   string
}

// handleSync serves on-demand (single subscriber) and bulk reconciliation.
func (p *Provider) handleSync(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodPost:
	default:
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	who, err := p.authenticateSync(r)
	if errors.Is(err, billing.ErrProviderNotConfigured) {
		p.logger.Error("sync credentials not configured", subscription.Field{Key: "error", Value: err})
		internal.WriteError(w, http.StatusInternalServerError, "sync not configured", "")
		return
	}
	if err != nil {
		p.logger.Warn("sync authentication failed",
			subscription.Field{Key: "remote", Value: internal.GetClientIP(r)},
			subscription.Field{Key: "error", Value: err},
		)
		internal.WriteError(w, http.StatusUnauthorized, "unauthorized", syncAuthHint)
		return
	}

	req, err := parseSyncRequest(w, r)
	if err != nil {
		internal.WriteError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	if !who.operator {
		// end users may only reconcile themselves
		if req.SyncAll ||
			(req.UserID != "" && req.UserID != who.userID) ||
			(req.SubscriberID != "" && req.SubscriberID != who.userID) {
			internal.WriteError(w, http.StatusForbidden, billing.ErrForbidden.Error(), "")
			return
		}
		req = billing.SyncRequest{UserID: who.userID}
	}

	if req.SyncAll {
		bulk := p.SyncAll(r.Context())
		code := http.StatusOK
		if !bulk.Success {
			code = http.StatusInternalServerError
		}
		_ = internal.WriteJSON(w, code, bulk)
		return
	}

	if req.UserID == "" && req.SubscriberID == "" {
		internal.WriteError(w, http.StatusBadRequest, "user_id, rc_app_user_id or sync_all is required", "")
		return
	}

	res := p.SyncSubscriber(r.Context(), req)
	_ = internal.WriteJSON(w, syncStatus(res), res)
}

// authenticateSync accepts the operator secret or a verified user token.
// With neither credential kind configured no caller can ever pass, which is a
// deployment error rather than a client one.
func (p *Provider) authenticateSync(r *http.Request) (caller, error) {
	if len(p.syncSecret) == 0 && p.config.TokenVerifier == nil {
		return caller{}, fmt.Errorf("%w: no sync secret or token verifier", billing.ErrProviderNotConfigured)
	}
	if p.isOperator(r) {
		return caller{operator: true}, nil
	}
	if p.config.TokenVerifier == nil {
		return caller{}, billing.ErrUnauthorized
	}
	token := identity.TokenFromRequest(r)
	if token == "" {
		return caller{}, identity.ErrTokenMissing
	}
	claims, err := p.config.TokenVerifier.Verify(r.Context(), token)
	if err != nil {
		return caller{}, err
	}
	return caller{userID: claims.Subject}, nil
}

func parseSyncRequest(w http.ResponseWriter, r *http.Request) (billing.SyncRequest, error) {
	var req billing.SyncRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.UserID = q.Get("user_id")
		req.SubscriberID = q.Get("rc_app_user_id")
		req.SyncAll, _ = strconv.ParseBool(q.Get("sync_all"))
	} else if r.ContentLength != 0 {
		body, err := internal.ReadBodyStrict(w, r, maxSyncBody)
		if err != nil && !errors.Is(err, internal.ErrEmptyBody) {
			return req, err
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return req, errors.New("invalid JSON body")
			}
		}
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.SubscriberID = strings.TrimSpace(req.SubscriberID)
	return req, nil
}

func syncStatus(res billing.SyncResult) int {
	switch {
	case res.Success:
		return http.StatusOK
	case errors.Is(res.Err, billing.ErrProviderAPIError), errors.Is(res.Err, billing.ErrCircuitOpen):
		return http.StatusBadGateway
	case errors.Is(res.Err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(res.Err, subscription.ErrInvalidRecord):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
