// Package freshness decides whether a person's employment data is still
// current, using one targeted secondary lookup per person.
package freshness

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/monitoring"
	"github.com/sells-group/enrichment-engine/internal/provider"
	"github.com/sells-group/enrichment-engine/internal/resolve"
)

// DefaultStaleness is how old employment fields may get before a re-check.
const DefaultStaleness = 90 * 24 * time.Hour

// defaultConfidence is used when a source reports a match without one.
const defaultConfidence = 70

// employmentFields are the fields whose age triggers verification.
var employmentFields = []string{model.FieldCompanyDomain, model.FieldCompanyName, model.FieldTitle}

// Config controls the verifier.
type Config struct {
	Staleness time.Duration `yaml:"staleness" mapstructure:"staleness"`
	// NameThreshold is the employer-name similarity that counts as the same
	// company when domains are unavailable.
	NameThreshold float64 `yaml:"name_threshold" mapstructure:"name_threshold" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the verifier defaults.
func DefaultConfig() Config {
	return Config{Staleness: DefaultStaleness, NameThreshold: resolve.DefaultThresholds().High}
}

// Verification is the outcome of one employment check.
type Verification struct {
	Current    bool      `json:"current"`
	Confidence float64   `json:"confidence"`
	AsOf       time.Time `json:"as_of"`
	Status     string    `json:"status"`
	Source     string    `json:"source,omitempty"`
	Employer   string    `json:"employer,omitempty"`
}

// Verifier checks employment against secondary sources.
type Verifier struct {
	cfg     Config
	sources []provider.EmploymentSource
	metrics *monitoring.Metrics
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithMetrics records verification outcomes.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// New creates a Verifier. Sources are tried in order; the next one is only
// consulted when the previous could not decide.
func New(cfg Config, sources []provider.EmploymentSource, opts ...Option) *Verifier {
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	if cfg.NameThreshold <= 0 {
		cfg.NameThreshold = DefaultConfig().NameThreshold
	}
	v := &Verifier{
		cfg:     cfg,
		sources: sources,
		now:     func() time.Time { return time.Now().UTC() },
		log:     zap.L().With(zap.String("component", "freshness")),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NeedsVerification reports whether person's employment should be
// re-checked: any employment field older than the staleness window, or the
// record is flagged high value.
func (v *Verifier) NeedsVerification(person model.Entity, now time.Time) bool {
	if person.Kind != model.KindPerson {
		return false
	}
	if fv, ok := person.Get(model.FieldHighValue); ok && fv.Bool() {
		return true
	}
	for _, f := range employmentFields {
		fv, ok := person.Get(f)
		if !ok || fv.IsEmpty() {
			continue
		}
		if fv.Age(now) > v.cfg.Staleness {
			return true
		}
	}
	return false
}

// VerifyCurrent looks up person's current employer and cross-checks it
// against the record. A mismatch yields status
// unverified_possible_departure; when no source can decide the error is
// ErrStaleUnverifiable and the status unverified.
func (v *Verifier) VerifyCurrent(ctx context.Context, person model.Entity) (Verification, error) {
	if person.Kind != model.KindPerson {
		return Verification{}, eris.Wrapf(model.ErrInvalidInput, "freshness: entity %s is not a person", person.ID)
	}
	now := v.now()
	unverified := Verification{Status: model.EmploymentUnverified, AsOf: now}

	recordDomain := resolve.RegistrableDomain(person.Text(model.FieldCompanyDomain))
	recordName := person.Text(model.FieldCompanyName)
	if recordDomain == "" && recordName == "" {
		v.record(unverified.Status)
		return unverified, eris.Wrapf(model.ErrStaleUnverifiable, "freshness: person %s has no employer on record", person.ID)
	}

	lookup := provider.LookupFor(person)
	for _, src := range v.sources {
		if ctx.Err() != nil {
			break
		}
		emp, err := src.CurrentEmployment(ctx, lookup)
		if err != nil {
			v.log.Warn("employment lookup failed",
				zap.String("source", src.Name()),
				zap.String("entity_id", person.ID),
				zap.Error(err),
			)
			continue
		}
		if !emp.Found {
			continue
		}

		ver := Verification{
			Current:    v.sameEmployer(recordDomain, recordName, emp),
			Confidence: emp.Confidence,
			AsOf:       emp.AsOf,
			Source:     emp.Source,
			Employer:   emp.CompanyName,
		}
		if ver.Confidence <= 0 {
			ver.Confidence = defaultConfidence
		}
		if ver.AsOf.IsZero() {
			ver.AsOf = now
		}
		if ver.Employer == "" {
			ver.Employer = emp.CompanyDomain
		}
		ver.Status = model.EmploymentCurrent
		if !ver.Current {
			ver.Status = model.EmploymentPossibleDeparture
			v.log.Info("possible departure",
				zap.String("entity_id", person.ID),
				zap.String("workspace_id", person.WorkspaceID),
				zap.String("source", emp.Source),
				zap.String("record_employer", firstNonEmpty(recordDomain, recordName)),
				zap.String("reported_employer", ver.Employer),
			)
		}
		v.record(ver.Status)
		return ver, nil
	}

	v.record(unverified.Status)
	if err := ctx.Err(); err != nil {
		return unverified, eris.Wrap(err, "freshness: verify employment")
	}
	return unverified, eris.Wrapf(model.ErrStaleUnverifiable, "freshness: no source could confirm employment for %s", person.ID)
}

// sameEmployer compares by registrable domain when both sides have one,
// otherwise by normalized company name.
func (v *Verifier) sameEmployer(recordDomain, recordName string, emp provider.Employment) bool {
	if d := resolve.RegistrableDomain(emp.CompanyDomain); d != "" && recordDomain != "" {
		return d == recordDomain
	}
	if emp.CompanyName == "" || recordName == "" {
		return false
	}
	return resolve.NameSimilarity(recordName, emp.CompanyName) >= v.cfg.NameThreshold
}

func (v *Verifier) record(status string) {
	v.metrics.IncVerification(status)
}

// Apply writes the verification outcome onto person. Field values are never
// removed; a confirmed employer refreshes the employment fields' observation
// time.
func Apply(person *model.Entity, ver Verification, now time.Time) {
	prov := "verifier"
	if ver.Source != "" {
		prov = "verifier:" + ver.Source
	}
	person.Set(model.FieldEmploymentStatus, model.FieldValue{
		Value:      ver.Status,
		Type:       model.TypeString,
		Provenance: prov,
		Confidence: ver.Confidence,
		ObservedAt: now,
	})
	if !ver.Current {
		return
	}
	for _, f := range employmentFields {
		fv, ok := person.Get(f)
		if !ok || fv.IsEmpty() {
			continue
		}
		if ver.AsOf.After(fv.ObservedAt) {
			fv.ObservedAt = ver.AsOf
			person.Set(f, fv)
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, s := range vals {
		if s != "" {
			return s
		}
	}
	return ""
}
