// Package httpapi implements a configurable JSON-over-HTTP provider adapter.
// Field values are pulled out of the response body with gjson paths, so a new
// REST data vendor needs config rather than code.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/provider"
	"github.com/sells-group/enrichment-engine/internal/resilience"
)

// FieldSpec maps one response path to a field.
type FieldSpec struct {
	Path       string          `yaml:"path" mapstructure:"path"`
	Type       model.FieldType `yaml:"type" mapstructure:"type"`
	Confidence float64         `yaml:"confidence" mapstructure:"confidence"`
}

// Config describes one HTTP provider.
type Config struct {
	Name    string             `yaml:"name" mapstructure:"name"`
	Tier    model.Tier         `yaml:"tier" mapstructure:"tier"`
	Kinds   []model.EntityKind `yaml:"kinds" mapstructure:"kinds"`
	BaseURL string             `yaml:"base_url" mapstructure:"base_url"`
	// Path is a request path template. Placeholders: {domain}, {name},
	// {email}, {country}, {company_name}, {external_id:<system>}.
	Path       string `yaml:"path" mapstructure:"path"`
	AuthHeader string `yaml:"auth_header" mapstructure:"auth_header"`
	AuthPrefix string `yaml:"auth_prefix" mapstructure:"auth_prefix"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	// ResultPath selects the record inside the body; empty means the root.
	ResultPath string `yaml:"result_path" mapstructure:"result_path"`
	// ObservedAtPath optionally points at the vendor's "as of" timestamp.
	ObservedAtPath    string                 `yaml:"observed_at_path" mapstructure:"observed_at_path"`
	DefaultConfidence float64                `yaml:"default_confidence" mapstructure:"default_confidence"`
	Fields            map[string]FieldSpec   `yaml:"fields" mapstructure:"fields"`
	CostPerCall       float64                `yaml:"cost_per_call" mapstructure:"cost_per_call"`
	Retry             resilience.RetryConfig `yaml:"-" mapstructure:"-"`
}

// Adapter is a provider.Adapter backed by a REST endpoint.
type Adapter struct {
	cfg    Config
	fields []string
	http   *http.Client
	now    func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Adapter) {
		a.http = hc
	}
}

// WithNow overrides the clock used for ObservedAt defaults.
func WithNow(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// New validates cfg and creates an Adapter.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, eris.New("httpapi: name is required")
	}
	if !cfg.Tier.Valid() {
		return nil, eris.Errorf("httpapi: %s: invalid tier %q", cfg.Name, cfg.Tier)
	}
	if cfg.BaseURL == "" {
		return nil, eris.Errorf("httpapi: %s: base_url is required", cfg.Name)
	}
	if len(cfg.Fields) == 0 {
		return nil, eris.Errorf("httpapi: %s: no fields mapped", cfg.Name)
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []model.EntityKind{model.KindCompany}
	}
	if cfg.DefaultConfidence <= 0 {
		cfg.DefaultConfidence = 70
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger(cfg.Name, "fetch")
	}

	fields := make([]string, 0, len(cfg.Fields))
	for k := range cfg.Fields {
		fields = append(fields, k)
	}
	slices.Sort(fields)

	a := &Adapter{
		cfg:    cfg,
		fields: fields,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.cfg.Name }
func (a *Adapter) Tier() model.Tier { return a.cfg.Tier }
func (a *Adapter) Kinds() []model.EntityKind { return a.cfg.Kinds }
func (a *Adapter) SupportedFields() []string { return a.fields }
func (a *Adapter) CostPerCall() float64 { return a.cfg.CostPerCall }

// Fetch calls the endpoint and maps the response into field values. A 404
// means the vendor has no record and yields no fields.
func (a *Adapter) Fetch(ctx context.Context, lookup provider.Lookup, fields []string) (map[string]model.FieldValue, error) {
	reqURL, ok, err := a.buildURL(lookup)
	if err != nil || !ok {
		return nil, err
	}

	body, err := resilience.DoVal(ctx, a.cfg.Retry, func(ctx context.Context) ([]byte, error) {
		return a.get(ctx, reqURL)
	})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	return a.extract(body, fields)
}

func (a *Adapter) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "httpapi: %s: create request", a.cfg.Name)
	}
	req.Header.Set("Accept", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set(a.cfg.AuthHeader, a.cfg.AuthPrefix+a.cfg.APIKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "httpapi: %s: request", a.cfg.Name)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrapf(err, "httpapi: %s: read body", a.cfg.Name)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &provider.Error{
			Provider: a.cfg.Name,
			Category: provider.ErrorAuthentication,
			Err:      resilience.StatusError(a.cfg.Name, resp.StatusCode, body),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, resilience.StatusError(a.cfg.Name, resp.StatusCode, body)
	}
	return body, nil
}

func (a *Adapter) extract(body []byte, requested []string) (map[string]model.FieldValue, error) {
	if !gjson.ValidBytes(body) {
		return nil, &provider.Error{Provider: a.cfg.Name, Category: provider.ErrorBadData, Err: eris.New("invalid json body")}
	}
	root := gjson.ParseBytes(body)
	if a.cfg.ResultPath != "" {
		root = root.Get(a.cfg.ResultPath)
		if !root.Exists() {
			return nil, nil
		}
	}

	observed := a.now().UTC()
	if a.cfg.ObservedAtPath != "" {
		if ts := root.Get(a.cfg.ObservedAtPath); ts.Exists() {
			if t, err := time.Parse(time.RFC3339, ts.String()); err == nil {
				observed = t.UTC()
			}
		}
	}

	out := make(map[string]model.FieldValue)
	for _, key := range a.fields {
		if len(requested) > 0 && !slices.Contains(requested, key) {
			continue
		}
		spec := a.cfg.Fields[key]
		res := root.Get(spec.Path)
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		conf := spec.Confidence
		if conf <= 0 {
			conf = a.cfg.DefaultConfidence
		}
		out[key] = model.FieldValue{
			Value:      convert(res, spec.Type),
			Type:       spec.Type,
			Provenance: a.cfg.Name,
			Confidence: conf,
			ObservedAt: observed,
		}
	}
	return out, nil
}

func convert(r gjson.Result, t model.FieldType) any {
	switch {
	case t == model.TypeStringSet || r.IsArray():
		var vals []string
		for _, item := range r.Array() {
			if s := strings.TrimSpace(item.String()); s != "" {
				vals = append(vals, s)
			}
		}
		return vals
	case t == model.TypeRecord || r.IsObject():
		return r.Value()
	case t == model.TypeNumber || r.Type == gjson.Number:
		return r.Float()
	case r.IsBool():
		return r.Bool()
	default:
		return strings.TrimSpace(r.String())
	}
}

// buildURL fills the path template. ok is false when the lookup lacks a value
// the template needs.
func (a *Adapter) buildURL(l provider.Lookup) (reqURL string, ok bool, err error) {
	path := a.cfg.Path
	repl := []string{
		"{domain}", url.QueryEscape(l.Domain),
		"{name}", url.QueryEscape(l.Name),
		"{email}", url.QueryEscape(l.Email),
		"{country}", url.QueryEscape(l.Country),
		"{company_name}", url.QueryEscape(l.CompanyName),
	}
	path = strings.NewReplacer(repl...).Replace(path)

	for strings.Contains(path, "{external_id:") {
		start := strings.Index(path, "{external_id:")
		end := strings.Index(path[start:], "}")
		if end < 0 {
			return "", false, eris.Errorf("httpapi: %s: unterminated placeholder in path", a.cfg.Name)
		}
		system := path[start+len("{external_id:") : start+end]
		path = path[:start] + url.QueryEscape(l.ExternalIDs[system]) + path[start+end+1:]
	}

	if strings.Contains(path, "=&") || strings.HasSuffix(path, "=") || strings.Contains(path, "//") {
		return "", false, nil
	}
	return strings.TrimSuffix(a.cfg.BaseURL, "/") + path, true, nil
}
