package roles

import (
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// Solution categories a seller can sell into.
const (
	SolutionInfrastructure = "infrastructure"
	SolutionSecurity       = "security"
	SolutionData           = "data_analytics"
	SolutionDeveloper      = "developer_tools"
	SolutionSales          = "sales_tools"
	SolutionMarketing      = "marketing_tools"
	SolutionFinance        = "finance"
	SolutionHR             = "hr"
	SolutionGeneral        = "general"
)

// Defaults for profile thresholds.
const (
	DefaultConfidenceFloor = 60
	DefaultConfirmAt       = 85
	DefaultStaleAfter      = 30 * 24 * time.Hour
)

// SellerProfile describes who is selling what, and so which people at a
// target account matter.
type SellerProfile struct {
	Name              string   `yaml:"name" json:"name" validate:"required"`
	SolutionCategory  string   `yaml:"solution_category" json:"solution_category" validate:"required,oneof=infrastructure security data_analytics developer_tools sales_tools marketing_tools finance hr general"`
	TargetDepartments []string `yaml:"target_departments" json:"target_departments" validate:"required,min=1,unique,dive,department"`

	// RoleKeywords overrides the default title keywords per role bucket.
	RoleKeywords map[model.Role][]string `yaml:"role_keywords" json:"role_keywords,omitempty" validate:"omitempty,dive,keys,oneof=decision_maker champion influencer blocker introducer,endkeys,min=1"`

	// Thresholds are positive; zero selects the package default.
	ConfidenceFloor float64       `yaml:"confidence_floor" json:"confidence_floor,omitempty" validate:"omitempty,gt=0,lte=100"`
	ConfirmAt       float64       `yaml:"confirm_at" json:"confirm_at,omitempty" validate:"omitempty,gt=0,lte=100"`
	StaleAfter      time.Duration `yaml:"stale_after" json:"stale_after,omitempty" validate:"omitempty,gt=0"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func profileValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("department", func(fl validator.FieldLevel) bool {
			d, ok := fl.Field().Interface().(string)
			return ok && knownDepartment(Department(d))
		})
	})
	return validate
}

// WithDefaults fills zero thresholds.
func (p SellerProfile) WithDefaults() SellerProfile {
	if p.ConfidenceFloor == 0 {
		p.ConfidenceFloor = DefaultConfidenceFloor
	}
	if p.ConfirmAt == 0 {
		p.ConfirmAt = DefaultConfirmAt
	}
	if p.StaleAfter == 0 {
		p.StaleAfter = DefaultStaleAfter
	}
	return p
}

// Validate checks the profile's struct tags and threshold ordering.
func (p SellerProfile) Validate() error {
	if err := profileValidator().Struct(p); err != nil {
		return eris.Wrapf(model.ErrInvalidInput, "roles: invalid seller profile: %v", err)
	}
	d := p.WithDefaults()
	if d.ConfirmAt < d.ConfidenceFloor {
		return eris.Wrapf(model.ErrInvalidInput, "roles: confirm_at %.0f below confidence_floor %.0f", d.ConfirmAt, d.ConfidenceFloor)
	}
	return nil
}

// LoadProfile reads a seller profile from a YAML file.
func LoadProfile(path string) (SellerProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SellerProfile{}, eris.Wrapf(err, "roles: read profile %s", path)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a YAML seller profile.
func ParseProfile(data []byte) (SellerProfile, error) {
	var p SellerProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return SellerProfile{}, eris.Wrap(err, "roles: parse profile")
	}
	if err := p.Validate(); err != nil {
		return SellerProfile{}, err
	}
	return p.WithDefaults(), nil
}
