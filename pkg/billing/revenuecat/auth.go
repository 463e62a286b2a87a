package revenuecat

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
)

// authenticateWebhook checks the webhook secret against the first credential
// found by the extractor chain. Returns billing.ErrInvalidWebhookSignature on
// a missing or wrong credential.
func (p *Provider) authenticateWebhook(r *http.Request, body []byte) (internal.SecretSource, error) {
	presented, source := internal.ExtractSecret(r, internal.DefaultSecretExtractors)
	if presented == "" {
		return source, fmt.Errorf("%w: no credential presented", billing.ErrInvalidWebhookSignature)
	}
	if !internal.VerifySecret(presented, p.webhookSecret, body, p.config.EnableHMAC) {
		return source, fmt.Errorf("%w: credential from %s rejected", billing.ErrInvalidWebhookSignature, source)
	}
	return source, nil
}

// isOperator reports whether r carries the operator sync secret.
func (p *Provider) isOperator(r *http.Request) bool {
	if len(p.syncSecret) == 0 {
		return false
	}
	presented, _ := internal.ExtractSecret(r, internal.DefaultSecretExtractors)
	return internal.VerifySecret(presented, p.syncSecret, nil, false)
}
