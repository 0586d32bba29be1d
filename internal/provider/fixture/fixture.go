// Package fixture serves canned provider responses from YAML. It backs dry
// runs, local development and end-to-end tests.
package fixture

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/provider"
	"github.com/sells-group/enrichment-engine/internal/resilience"
)

// Record is one canned response. Keys are matched against the lookup's
// domain, email, or "<system>:<id>" external id.
type Record struct {
	Keys       []string       `yaml:"keys"`
	Fields     map[string]any `yaml:"fields"`
	Confidence float64        `yaml:"confidence"`
	ObservedAt time.Time      `yaml:"observed_at"`
}

// Spec describes one fixture provider.
type Spec struct {
	Name    string             `yaml:"name"`
	Tier    model.Tier         `yaml:"tier"`
	Kinds   []model.EntityKind `yaml:"kinds"`
	Cost    float64            `yaml:"cost"`
	Latency time.Duration      `yaml:"latency"`
	// FailWith makes every call fail with the given HTTP status.
	FailWith int      `yaml:"fail_with"`
	Records  []Record `yaml:"records"`
}

// File is the top-level document.
type File struct {
	Providers []Spec `yaml:"providers"`
}

// Adapter is a provider.Adapter that answers from memory.
type Adapter struct {
	spec   Spec
	index  map[string]*Record
	fields []string
	now    func() time.Time
}

// Load reads a fixture file and returns one adapter per provider.
func Load(path string) ([]*Adapter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fixture: read %s", path)
	}
	return Parse(data)
}

// Parse decodes fixture YAML.
func Parse(data []byte) ([]*Adapter, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "fixture: parse yaml")
	}
	out := make([]*Adapter, 0, len(f.Providers))
	for _, s := range f.Providers {
		a, err := New(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// New indexes spec into an adapter.
func New(spec Spec) (*Adapter, error) {
	if spec.Name == "" {
		return nil, eris.New("fixture: provider name is required")
	}
	if spec.Tier == "" {
		spec.Tier = model.TierPrimary
	}
	if !spec.Tier.Valid() {
		return nil, eris.Errorf("fixture: %s: invalid tier %q", spec.Name, spec.Tier)
	}
	if len(spec.Kinds) == 0 {
		spec.Kinds = []model.EntityKind{model.KindCompany}
	}

	a := &Adapter{spec: spec, index: make(map[string]*Record), now: time.Now}
	seen := make(map[string]bool)
	for i := range spec.Records {
		r := &spec.Records[i]
		for _, k := range r.Keys {
			a.index[strings.ToLower(strings.TrimSpace(k))] = r
		}
		for f := range r.Fields {
			if !seen[f] {
				seen[f] = true
				a.fields = append(a.fields, f)
			}
		}
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.spec.Name }
func (a *Adapter) Tier() model.Tier { return a.spec.Tier }
func (a *Adapter) Kinds() []model.EntityKind { return a.spec.Kinds }
func (a *Adapter) SupportedFields() []string { return a.fields }
func (a *Adapter) CostPerCall() float64 { return a.spec.Cost }

// Fetch returns the record matching the lookup, honoring the configured
// latency and failure mode.
func (a *Adapter) Fetch(ctx context.Context, l provider.Lookup, fields []string) (map[string]model.FieldValue, error) {
	if a.spec.Latency > 0 {
		timer := time.NewTimer(a.spec.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if a.spec.FailWith != 0 {
		return nil, resilience.StatusError(a.spec.Name, a.spec.FailWith, []byte("fixture failure"))
	}

	rec := a.match(l)
	if rec == nil {
		return nil, nil
	}
	observed := rec.ObservedAt
	if observed.IsZero() {
		observed = a.now().UTC()
	}
	conf := rec.Confidence
	if conf <= 0 {
		conf = 75
	}

	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	out := make(map[string]model.FieldValue, len(rec.Fields))
	for k, v := range rec.Fields {
		if len(want) > 0 && !want[k] {
			continue
		}
		out[k] = model.FieldValue{
			Value:      normalize(v),
			Type:       typeOf(v),
			Provenance: a.spec.Name,
			Confidence: conf,
			ObservedAt: observed,
		}
	}
	return out, nil
}

func (a *Adapter) match(l provider.Lookup) *Record {
	keys := []string{l.Domain, l.Email}
	for sys, id := range l.ExternalIDs {
		keys = append(keys, sys+":"+id)
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if r, ok := a.index[strings.ToLower(k)]; ok {
			return r
		}
	}
	return nil
}

// normalize converts YAML-decoded values into the shapes the merge engine
// expects: ints become float64 and string lists become []string.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return v
	}
}

func typeOf(v any) model.FieldType {
	switch v.(type) {
	case int, float64:
		return model.TypeNumber
	case []any:
		return model.TypeStringSet
	case map[string]any:
		return model.TypeRecord
	case time.Time:
		return model.TypeDate
	default:
		return model.TypeString
	}
}
