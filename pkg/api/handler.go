package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for subscription inspection
type Handler struct {
	config Config
}

// GetStatus returns the authenticated user's standing for the configured entitlement
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	st, err := subscription.StatusFor(r.Context(), h.config.Store, userID, h.config.Entitlement, h.config.Now())
	if err != nil {
		h.config.Logger.Error("status lookup failed",
			subscription.Field{Key: "user_id", Value: userID},
			subscription.Field{Key: "error", Value: err},
		)
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}

	response := StatusResponse{
		UserID:           st.UserID,
		Active:           st.Active,
		IsTrial:          st.IsTrial,
		WillRenew:        st.WillRenew,
		Entitlement:      st.Entitlement,
		CurrentPeriodEnd: st.CurrentPeriodEnd,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// Log encoding error but response already sent
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Default error handling
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		// Log encoding error but response already sent
		_ = encodeErr
	}
}
