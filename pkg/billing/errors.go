package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook authentication fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnauthorized is returned when a sync caller presents neither a valid
	// operator secret nor a valid user token
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when an end user tries to sync someone else
	ErrForbidden = errors.New("forbidden")

	// ErrProviderAPIError is returned when the provider's API fails or times out
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCircuitOpen is returned when outbound calls are short-circuited
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
