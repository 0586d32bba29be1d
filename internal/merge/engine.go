// Package merge reconciles provider results into one authoritative record.
package merge

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// ProvenanceComputed marks values the engine derives rather than merges.
const ProvenanceComputed = "computed"

// Config tunes the merge policy.
type Config struct {
	// Staleness is the age past which a non-empty value may be refreshed.
	Staleness time.Duration `yaml:"staleness" mapstructure:"staleness"`
	// MinTextDelta is how many more characters a free-text candidate needs
	// to replace a populated value.
	MinTextDelta int `yaml:"min_text_delta" mapstructure:"min_text_delta"`
	// FreeTextFields are eligible for the longer-content upgrade.
	FreeTextFields []string `yaml:"free_text_fields" mapstructure:"free_text_fields"`
	// CriticalFields drive the quality score per entity kind.
	CriticalFields map[model.EntityKind][]string `yaml:"critical_fields" mapstructure:"critical_fields"`
}

// DefaultConfig returns the standard merge policy.
func DefaultConfig() Config {
	return Config{
		Staleness:      90 * 24 * time.Hour,
		MinTextDelta:   50,
		FreeTextFields: []string{model.FieldDescription},
		CriticalFields: map[model.EntityKind][]string{
			model.KindCompany: {
				model.FieldName, model.FieldDomain, model.FieldWebsite, model.FieldIndustry,
				model.FieldEmployeeCount, model.FieldRevenue, model.FieldDescription,
				model.FieldCountry, model.FieldCity, model.FieldLinkedIn,
			},
			model.KindPerson: {
				model.FieldName, model.FieldEmail, model.FieldTitle, model.FieldDepartment,
				model.FieldSeniority, model.FieldCompanyName, model.FieldLinkedIn,
				model.FieldPhone, model.FieldCity, model.FieldCountry,
			},
		},
	}
}

// derived fields are recomputed after every merge and never taken from
// providers.
var derived = map[string]bool{
	model.FieldQualityScore: true,
	model.FieldLastEnriched: true,
}

// Engine applies the merge policy. It holds no per-call state.
type Engine struct {
	cfg      Config
	freeText map[string]bool
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the clock used for staleness checks.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine, filling unset config from DefaultConfig.
func New(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Staleness <= 0 {
		cfg.Staleness = def.Staleness
	}
	if cfg.MinTextDelta <= 0 {
		cfg.MinTextDelta = def.MinTextDelta
	}
	if cfg.FreeTextFields == nil {
		cfg.FreeTextFields = def.FreeTextFields
	}
	if cfg.CriticalFields == nil {
		cfg.CriticalFields = def.CriticalFields
	}
	e := &Engine{cfg: cfg, freeText: make(map[string]bool), now: time.Now}
	for _, f := range cfg.FreeTextFields {
		e.freeText[f] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type candidate struct {
	fv   model.FieldValue
	tier model.Tier
}

// Merge folds results into existing and returns the merged entity plus one
// decision per field that had at least one candidate. existing is not
// modified. Failed results are ignored.
func (e *Engine) Merge(existing model.Entity, results []model.ProviderResult) (model.Entity, []model.MergeDecision) {
	now := e.now()
	merged := existing.Clone()
	if merged.Fields == nil {
		merged.Fields = make(map[string]model.FieldValue)
	}

	byField := make(map[string][]candidate)
	for _, r := range results {
		if r.Status == model.StatusFailed {
			continue
		}
		for key, fv := range r.Fields {
			if derived[key] || fv.IsEmpty() {
				continue
			}
			if fv.Provenance == "" {
				fv.Provenance = r.Provider
			}
			byField[key] = append(byField[key], candidate{fv: fv, tier: r.Tier})
		}
	}

	keys := make([]string, 0, len(byField))
	for k := range byField {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	decisions := make([]model.MergeDecision, 0, len(keys))
	changed := false
	for _, key := range keys {
		cands := byField[key]
		rank(cands)
		cur, has := existing.Fields[key]
		d := e.decide(key, cur, has, cands, now)
		if d.Outcome.Changed() {
			merged.Fields[key] = cands[0].fv
			changed = true
		}
		decisions = append(decisions, d)
	}

	if e.applyQuality(&merged, now) {
		changed = true
	}
	if changed {
		merged.UpdatedAt = now.UTC()
	}
	return merged, decisions
}

func (e *Engine) decide(key string, cur model.FieldValue, has bool, cands []candidate, now time.Time) model.MergeDecision {
	top := cands[0].fv
	d := model.MergeDecision{
		Field:      key,
		Winner:     top.Provenance,
		Next:       top.Value,
		Candidates: len(cands),
	}
	if has {
		d.Previous = cur.Value
	}

	switch {
	case has && cur.IsManual():
		d.Outcome = model.OutcomeRetainedManual
		d.Winner = model.ProvenanceManual
		d.Reason = "manual values are never overwritten"
	case !has || cur.IsEmpty():
		d.Outcome = model.OutcomeAcceptedNew
		d.Reason = "existing value empty"
	case top.IsManual():
		d.Outcome = model.OutcomeAcceptedNew
		d.Reason = "manual value supersedes provider data"
	case top.Equal(cur):
		d.Outcome = model.OutcomeRetainedExisting
		d.Reason = "candidate matches existing value"
	case e.freeText[key] && textLen(top) >= textLen(cur)+e.cfg.MinTextDelta:
		d.Outcome = model.OutcomeUpgradedLonger
		d.Reason = "candidate text substantially longer"
	case cur.Age(now) > e.cfg.Staleness:
		if top.ObservedAt.After(cur.ObservedAt) && top.Age(now) <= e.cfg.Staleness {
			d.Outcome = model.OutcomeRefreshedStale
			d.Reason = "existing value older than staleness threshold"
		} else {
			d.Outcome = model.OutcomeRejectedStale
			d.Reason = "existing value stale but no fresher candidate"
		}
	default:
		d.Outcome = model.OutcomeRetainedExisting
		d.Reason = "existing value populated and fresh"
	}

	if !d.Outcome.Changed() {
		if d.Outcome != model.OutcomeRetainedManual {
			d.Winner = cur.Provenance
		}
		d.Next = cur.Value
	}
	return d
}

// rank orders candidates: manual first, then tier, confidence, recency and
// provider name so that full ties are deterministic.
func rank(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if am, bm := a.fv.IsManual(), b.fv.IsManual(); am != bm {
			return am
		}
		if ra, rb := a.tier.Rank(), b.tier.Rank(); ra != rb {
			return ra > rb
		}
		if a.fv.Confidence != b.fv.Confidence {
			return a.fv.Confidence > b.fv.Confidence
		}
		if !a.fv.ObservedAt.Equal(b.fv.ObservedAt) {
			return a.fv.ObservedAt.After(b.fv.ObservedAt)
		}
		return a.fv.Provenance < b.fv.Provenance
	})
}

func textLen(fv model.FieldValue) int {
	return len([]rune(strings.TrimSpace(fv.Text())))
}

// QualityScore is the share of critical fields populated, 0–100.
func (e *Engine) QualityScore(ent model.Entity) int {
	critical := e.cfg.CriticalFields[ent.Kind]
	if len(critical) == 0 {
		return 0
	}
	populated := 0
	for _, f := range critical {
		if ent.Populated(f) {
			populated++
		}
	}
	return int(math.Round(float64(populated) / float64(len(critical)) * 100))
}

// applyQuality recomputes the quality score field. It reports whether the
// stored score changed.
func (e *Engine) applyQuality(ent *model.Entity, now time.Time) bool {
	score := float64(e.QualityScore(*ent))
	if cur, ok := ent.Fields[model.FieldQualityScore]; ok {
		if v, ok := cur.Value.(float64); ok && v == score {
			return false
		}
	}
	ent.Fields[model.FieldQualityScore] = model.FieldValue{
		Value:      score,
		Type:       model.TypeNumber,
		Provenance: ProvenanceComputed,
		Confidence: 100,
		ObservedAt: now.UTC(),
	}
	return true
}
