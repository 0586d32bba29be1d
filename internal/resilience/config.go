package resilience

import (
	"time"
)

// BreakerSettings mirrors the breaker section of the application config.
type BreakerSettings struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// ProviderSettings mirrors one provider's rate section of the application config.
type ProviderSettings struct {
	Name        string
	RPS         float64
	Burst       int
	MaxInFlight int
}

// FromSettings builds a GuardsConfig from config values, falling back to
// defaults for anything unset.
func FromSettings(breaker BreakerSettings, grace time.Duration, providers []ProviderSettings) GuardsConfig {
	bcfg := DefaultCircuitBreakerConfig()
	if breaker.FailureThreshold > 0 {
		bcfg.FailureThreshold = breaker.FailureThreshold
	}
	if breaker.Cooldown > 0 {
		bcfg.Cooldown = breaker.Cooldown
	}

	limits := make(map[string]Limits, len(providers))
	for _, p := range providers {
		limits[p.Name] = Limits{RPS: p.RPS, Burst: p.Burst, MaxInFlight: p.MaxInFlight}
	}
	return GuardsConfig{
		Breaker:   bcfg,
		Grace:     grace,
		Providers: limits,
	}
}
