package httpapi

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/provider"
)

// EmploymentConfig describes an endpoint that reports a person's current
// employer.
type EmploymentConfig struct {
	Name              string  `yaml:"name" mapstructure:"name"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Path              string  `yaml:"path" mapstructure:"path"`
	AuthHeader        string  `yaml:"auth_header" mapstructure:"auth_header"`
	AuthPrefix        string  `yaml:"auth_prefix" mapstructure:"auth_prefix"`
	APIKey            string  `yaml:"api_key" mapstructure:"api_key"`
	ResultPath        string  `yaml:"result_path" mapstructure:"result_path"`
	CompanyNamePath   string  `yaml:"company_name_path" mapstructure:"company_name_path"`
	CompanyDomainPath string  `yaml:"company_domain_path" mapstructure:"company_domain_path"`
	TitlePath         string  `yaml:"title_path" mapstructure:"title_path"`
	AsOfPath          string  `yaml:"as_of_path" mapstructure:"as_of_path"`
	Confidence        float64 `yaml:"confidence" mapstructure:"confidence"`
}

// EmploymentSource is a provider.EmploymentSource backed by an HTTP adapter.
type EmploymentSource struct {
	adapter *Adapter
}

// NewEmploymentSource creates an employment lookup from cfg.
func NewEmploymentSource(cfg EmploymentConfig, opts ...Option) (*EmploymentSource, error) {
	if cfg.CompanyNamePath == "" && cfg.CompanyDomainPath == "" {
		return nil, eris.Errorf("httpapi: %s: employment source needs a company name or domain path", cfg.Name)
	}
	fields := map[string]FieldSpec{}
	if cfg.CompanyNamePath != "" {
		fields[model.FieldCompanyName] = FieldSpec{Path: cfg.CompanyNamePath, Type: model.TypeString}
	}
	if cfg.CompanyDomainPath != "" {
		fields[model.FieldCompanyDomain] = FieldSpec{Path: cfg.CompanyDomainPath, Type: model.TypeString}
	}
	if cfg.TitlePath != "" {
		fields[model.FieldTitle] = FieldSpec{Path: cfg.TitlePath, Type: model.TypeString}
	}

	a, err := New(Config{
		Name:              cfg.Name,
		Tier:              model.TierVerification,
		Kinds:             []model.EntityKind{model.KindPerson},
		BaseURL:           cfg.BaseURL,
		Path:              cfg.Path,
		AuthHeader:        cfg.AuthHeader,
		AuthPrefix:        cfg.AuthPrefix,
		APIKey:            cfg.APIKey,
		ResultPath:        cfg.ResultPath,
		ObservedAtPath:    cfg.AsOfPath,
		DefaultConfidence: cfg.Confidence,
		Fields:            fields,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &EmploymentSource{adapter: a}, nil
}

// Name returns the source name.
func (s *EmploymentSource) Name() string { return s.adapter.Name() }

// CurrentEmployment performs one lookup for the person.
func (s *EmploymentSource) CurrentEmployment(ctx context.Context, person provider.Lookup) (provider.Employment, error) {
	vals, err := s.adapter.Fetch(ctx, person, nil)
	if err != nil {
		return provider.Employment{}, err
	}
	emp := provider.Employment{Source: s.adapter.Name()}
	if len(vals) == 0 {
		return emp, nil
	}

	var asOf time.Time
	for key, fv := range vals {
		if fv.IsEmpty() {
			continue
		}
		switch key {
		case model.FieldCompanyName:
			emp.CompanyName = fv.Text()
		case model.FieldCompanyDomain:
			emp.CompanyDomain = fv.Text()
		case model.FieldTitle:
			emp.Title = fv.Text()
		}
		emp.Confidence = fv.Confidence
		asOf = fv.ObservedAt
	}
	emp.Found = emp.CompanyName != "" || emp.CompanyDomain != ""
	emp.AsOf = asOf
	return emp, nil
}
