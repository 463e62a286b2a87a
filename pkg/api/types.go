package api

import "time"

// StatusResponse is a user's current subscription standing
type StatusResponse struct {
	UserID           string     `json:"user_id"`
	Active           bool       `json:"active"`
	IsTrial          bool       `json:"is_trial"`
	WillRenew        bool       `json:"will_renew"`
	Entitlement      string     `json:"entitlement"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}
