package model

import "time"

// Tier is a provider's fixed priority class.
type Tier string

const (
	TierPrimary      Tier = "primary"
	TierGapFilling   Tier = "gap_filling"
	TierVerification Tier = "verification"
)

// Rank orders tiers: primary > gap_filling > verification.
func (t Tier) Rank() int {
	switch t {
	case TierPrimary:
		return 3
	case TierGapFilling:
		return 2
	case TierVerification:
		return 1
	default:
		return 0
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t.Rank() > 0
}

// ResultStatus is the outcome of one provider call.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusPartial ResultStatus = "partial"
	StatusFailed  ResultStatus = "failed"
)

// ProviderResult is what one provider returned for one entity.
type ProviderResult struct {
	Provider  string                `json:"provider"`
	Tier      Tier                  `json:"tier"`
	Status    ResultStatus          `json:"status"`
	Fields    map[string]FieldValue `json:"fields,omitempty"`
	Err       string                `json:"error,omitempty"`
	Latency   time.Duration         `json:"latency_ns"`
	CostUSD   float64               `json:"cost_usd"`
	FetchedAt time.Time             `json:"fetched_at"`
}

// OK reports whether the result carries usable data.
func (r ProviderResult) OK() bool {
	return r.Status != StatusFailed && len(r.Fields) > 0
}

// FailedResult builds a failed result for provider with the given cause.
func FailedResult(provider string, tier Tier, err error) ProviderResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ProviderResult{
		Provider:  provider,
		Tier:      tier,
		Status:    StatusFailed,
		Err:       msg,
		FetchedAt: time.Now().UTC(),
	}
}
