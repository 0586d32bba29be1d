package resolve

import (
	"fmt"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// Thresholds bound fuzzy name similarity.
type Thresholds struct {
	// High is the minimum similarity for a high-confidence fuzzy match.
	High float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold" validate:"gt=0,lte=1"`
	// Low is the minimum similarity for a low-confidence fuzzy match, which
	// is reported but never merged automatically.
	Low float64 `yaml:"low_fuzzy_threshold" mapstructure:"low_fuzzy_threshold" validate:"gt=0,lte=1"`
}

// DefaultThresholds returns the standard fuzzy thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.88, Low: 0.70}
}

// Similarity is the result of comparing two entities.
type Similarity struct {
	Score    float64              `json:"score"`
	Signal   model.IdentitySignal `json:"signal"`
	Strength model.MatchStrength  `json:"strength,omitempty"`
	Rejected bool                 `json:"rejected,omitempty"`
	Reason   string               `json:"reason,omitempty"`
}

// Match reports whether the comparison found a usable signal.
func (s Similarity) Match() bool {
	return !s.Rejected && s.Strength != ""
}

// AutoMerge reports whether the signal is strong enough to merge without review.
func (s Similarity) AutoMerge() bool {
	return s.Match() && s.Strength.Rank() >= model.StrengthHighFuzzy.Rank()
}

// NameSimilarity returns the Levenshtein similarity of two normalized names
// in [0, 1].
func NameSimilarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return levenshtein.Similarity(na, nb, nil)
}

// Compare scores a against b with the default thresholds.
func Compare(a, b model.Entity) Similarity {
	return CompareWith(a, b, DefaultThresholds())
}

// CompareWith scores a against b. Rejection rules run first and win over any
// positive signal: conflicting external ids, different countries, and the
// same brand label under a different public suffix ("acme.com" vs
// "acme.cz") never match.
func CompareWith(a, b model.Entity, th Thresholds) Similarity {
	if a.Kind != b.Kind || a.WorkspaceID != b.WorkspaceID {
		return reject("different kind or workspace")
	}

	aIDs, bIDs := a.ExternalIDs(), b.ExternalIDs()
	var sharedSys string
	for sys, aid := range aIDs {
		bid, ok := bIDs[sys]
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(aid), strings.TrimSpace(bid)) {
			return reject(fmt.Sprintf("conflicting %s ids", sys))
		}
		if sharedSys == "" || sys < sharedSys {
			sharedSys = sys
		}
	}

	ca, cb := NormalizeCountry(a.Text(model.FieldCountry)), NormalizeCountry(b.Text(model.FieldCountry))
	if ca != "" && cb != "" && ca != cb {
		return reject(fmt.Sprintf("different countries %s/%s", ca, cb))
	}

	da, db := identityDomain(a), identityDomain(b)
	if da != "" && db != "" && da != db {
		la, sa := DomainParts(da)
		lb, sb := DomainParts(db)
		if la == lb && sa != sb {
			return reject(fmt.Sprintf("same base name %q under different suffixes %s/%s", la, sa, sb))
		}
	}

	if sharedSys != "" {
		return exact(model.SignalExternalID, sharedSys+":"+aIDs[sharedSys])
	}

	for _, ua := range canonicalURLs(a) {
		for _, ub := range canonicalURLs(b) {
			if ua == ub {
				return exact(model.SignalCanonicalURL, ua)
			}
		}
	}

	if a.Kind == model.KindPerson {
		ea, eb := NormalizeEmail(a.Text(model.FieldEmail)), NormalizeEmail(b.Text(model.FieldEmail))
		if ea != "" && ea == eb {
			return exact(model.SignalEmail, ea)
		}
	}

	if da == "" || da != db {
		return Similarity{Reason: "no shared identity signal"}
	}

	na, nb := NormalizeName(a.Text(model.FieldName)), NormalizeName(b.Text(model.FieldName))
	if na == "" || nb == "" {
		return Similarity{Reason: "missing name"}
	}
	if na == nb {
		if a.Kind == model.KindPerson {
			// Same name at the same corporate mail domain.
			return Similarity{
				Score:    0.95,
				Strength: model.StrengthHighFuzzy,
				Signal:   model.IdentitySignal{Type: model.SignalEmailDomain, Value: na + "|" + da, Strength: model.StrengthHighFuzzy, Score: 0.95},
			}
		}
		return exact(model.SignalNameDomain, na+"|"+da)
	}

	score := levenshtein.Similarity(na, nb, nil)
	var strength model.MatchStrength
	switch {
	case score >= th.High:
		strength = model.StrengthHighFuzzy
	case score >= th.Low:
		strength = model.StrengthLowFuzzy
	default:
		return Similarity{Score: score, Reason: "names too different"}
	}
	sigType := model.SignalNameDomain
	if a.Kind == model.KindPerson {
		sigType = model.SignalEmailDomain
	}
	return Similarity{
		Score:    score,
		Strength: strength,
		Signal:   model.IdentitySignal{Type: sigType, Value: na + "|" + nb + "|" + da, Strength: strength, Score: score},
	}
}

func exact(t model.SignalType, value string) Similarity {
	return Similarity{
		Score:    1,
		Strength: model.StrengthExact,
		Signal:   model.IdentitySignal{Type: t, Value: value, Strength: model.StrengthExact, Score: 1},
	}
}

func reject(reason string) Similarity {
	return Similarity{Rejected: true, Reason: reason}
}
