package subscription

import (
	"strings"
	"time"
)

const (
	// DiscountFreeTrial is the platform's discount type for free trials.
	DiscountFreeTrial = "FREE_TRIAL"

	// PeriodTypeTrial is the platform's period type for trials.
	PeriodTypeTrial = "TRIAL"

	OfferPeriod3Days = "P3D"
	OfferPeriod7Days = "P7D"
	OfferPeriod1Week = "P1W"

	defaultTrialDuration = 3 * 24 * time.Hour
)

// TrialSignals are the imprecise hints the platform gives about a trial.
type TrialSignals struct {
	IsTrialPeriod bool
	PeriodType    string
	DiscountType  string
	OfferPeriod   string
	// Price is nil when the payload carries no price.
	Price *float64
}

// TrialRule is one trial detection rule. Rules are evaluated in order.
type TrialRule struct {
	Name  string
	Match func(TrialSignals) bool
}

// TrialRules is the ordered rule list used by DetectTrial.
var TrialRules = []TrialRule{
	{Name: "explicit_flag", Match: explicitTrialFlag},
	{Name: "discount_free_trial", Match: freeTrialDiscount},
	{Name: "offer_period_3d", Match: threeDayOffer},
	{Name: "zero_price", Match: zeroPrice},
}

func explicitTrialFlag(s TrialSignals) bool {
	return s.IsTrialPeriod || strings.EqualFold(strings.TrimSpace(s.PeriodType), PeriodTypeTrial)
}

func freeTrialDiscount(s TrialSignals) bool {
	return strings.EqualFold(strings.TrimSpace(s.DiscountType), DiscountFreeTrial)
}

func threeDayOffer(s TrialSignals) bool {
	return strings.EqualFold(strings.TrimSpace(s.OfferPeriod), OfferPeriod3Days)
}

func zeroPrice(s TrialSignals) bool {
	return s.Price != nil && *s.Price == 0
}

// DetectTrial returns whether the signals describe a trial, and the name of
// the first rule that matched.
func DetectTrial(s TrialSignals) (bool, string) {
	for _, rule := range TrialRules {
		if rule.Match(s) {
			return true, rule.Name
		}
	}
	return false, ""
}

// OfferDuration maps an offer period code to a trial length.
func OfferDuration(code string) time.Duration {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case OfferPeriod3Days:
		return 3 * 24 * time.Hour
	case OfferPeriod7Days, OfferPeriod1Week:
		return 7 * 24 * time.Hour
	default:
		return defaultTrialDuration
	}
}

// PeriodEnd picks current_period_end. Trial expirations reported by the platform
// sometimes use the full subscription period, so trials are measured from the
// purchase time instead. A zero purchasedAt falls back to the reported expiration.
func PeriodEnd(isTrial bool, purchasedAt time.Time, offerPeriod string, reported *time.Time) *time.Time {
	if isTrial && !purchasedAt.IsZero() {
		end := purchasedAt.Add(OfferDuration(offerPeriod)).UTC()
		return &end
	}
	if reported == nil || reported.IsZero() {
		return nil
	}
	end := reported.UTC()
	return &end
}
