package roles

import (
	"regexp"
	"strings"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// Department is the business function a title belongs to.
type Department string

const (
	DeptExecutive   Department = "executive"
	DeptSales       Department = "sales"
	DeptProduct     Department = "product"
	DeptMarketing   Department = "marketing"
	DeptEngineering Department = "engineering"
	DeptIT          Department = "it"
	DeptSecurity    Department = "security"
	DeptData        Department = "data"
	DeptOperations  Department = "operations"
	DeptFinance     Department = "finance"
	DeptHR          Department = "hr"
	DeptLegal       Department = "legal"
	DeptProcurement Department = "procurement"
	DeptUnknown     Department = "unknown"
)

func knownDepartment(d Department) bool {
	switch d {
	case DeptExecutive, DeptSales, DeptProduct, DeptMarketing, DeptEngineering, DeptIT,
		DeptSecurity, DeptData, DeptOperations, DeptFinance, DeptHR, DeptLegal, DeptProcurement:
		return true
	}
	return false
}

// Seniority levels, most senior first.
type Seniority string

const (
	SeniorityCLevel     Seniority = "c_level"
	SeniorityVP         Seniority = "vp"
	SeniorityDirector   Seniority = "director"
	SeniorityManager    Seniority = "manager"
	SeniorityIndividual Seniority = "individual"
	SeniorityUnknown    Seniority = "unknown"
)

// decisionPower is the base influence a seniority level carries, 0–100.
func (s Seniority) decisionPower() float64 {
	switch s {
	case SeniorityCLevel:
		return 50
	case SeniorityVP, SeniorityDirector:
		return 40
	case SeniorityManager:
		return 30
	default:
		return 20
	}
}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// tokens lowercases a title and pads it with spaces so keyword checks can
// match whole words (" vp ") as well as phrases (" head of ").
func tokens(title string) string {
	return " " + strings.Join(wordRe.FindAllString(strings.ToLower(title), -1), " ") + " "
}

func hasAny(padded string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(padded, " "+k+" ") {
			return true
		}
	}
	return false
}

// departmentRules are checked in order; the first match wins.
var departmentRules = []struct {
	dept     Department
	keywords []string
}{
	{DeptSecurity, []string{"security", "ciso", "infosec", "cybersecurity", "soc", "appsec"}},
	{DeptSales, []string{"sales", "revenue", "revops", "salesforce", "account executive", "business development", "bdr", "sdr", "cro", "account manager", "enablement"}},
	{DeptMarketing, []string{"marketing", "brand", "creative", "content", "cmo", "growth", "demand generation", "communications"}},
	{DeptProduct, []string{"product", "pm", "cpo", "customer experience", "ux"}},
	{DeptData, []string{"data", "analytics", "bi", "business intelligence", "machine learning", "ml", "cdo"}},
	{DeptIT, []string{"it", "information technology", "systems", "cio", "network", "helpdesk", "administrator"}},
	{DeptEngineering, []string{"technology", "engineer", "engineering", "developer", "software", "technical", "devops", "sre", "platform", "architect", "cto", "infrastructure", "cloud"}},
	{DeptFinance, []string{"finance", "financial", "cfo", "controller", "accounting", "accountant", "treasury", "fp a"}},
	{DeptHR, []string{"hr", "human resources", "people", "talent", "recruiting", "recruiter", "chro"}},
	{DeptLegal, []string{"legal", "counsel", "attorney", "compliance", "privacy", "clo", "gc"}},
	{DeptProcurement, []string{"procurement", "purchasing", "sourcing", "vendor management", "buyer"}},
	{DeptOperations, []string{"operations", "ops", "coo", "supply chain", "logistics"}},
	{DeptExecutive, []string{"ceo", "chief executive", "president", "founder", "co founder", "owner", "managing director", "general manager", "chief of staff"}},
}

// InferDepartment maps a title (and optional department field) to a
// Department.
func InferDepartment(title, department string) Department {
	for _, src := range []string{department, title} {
		if src == "" {
			continue
		}
		t := tokens(src)
		for _, r := range departmentRules {
			if hasAny(t, r.keywords...) {
				return r.dept
			}
		}
	}
	return DeptUnknown
}

// InferSeniority maps a title (and optional seniority field) to a level.
func InferSeniority(title, seniority string) Seniority {
	for _, src := range []string{seniority, title} {
		if src == "" {
			continue
		}
		t := tokens(src)
		switch {
		case hasAny(t, "chief of staff"):
			return SeniorityDirector
		case hasAny(t, "chief", "ceo", "cto", "cio", "cfo", "coo", "cmo", "cro", "ciso", "cpo", "cdo", "chro", "president", "founder", "co founder", "owner", "c level", "c suite"):
			// "vice president" is not c-level.
			if hasAny(t, "vice president", "vp", "svp", "evp", "avp") {
				return SeniorityVP
			}
			return SeniorityCLevel
		case hasAny(t, "vp", "svp", "evp", "avp", "vice president", "head of", "head"):
			return SeniorityVP
		case hasAny(t, "director", "principal", "lead", "staff"):
			return SeniorityDirector
		case hasAny(t, "manager", "supervisor", "mgr", "team lead"):
			return SeniorityManager
		case hasAny(t, "engineer", "developer", "analyst", "specialist", "associate", "coordinator", "representative",
			"consultant", "administrator", "executive", "assistant", "intern", "designer", "scientist", "individual contributor"):
			return SeniorityIndividual
		}
	}
	return SeniorityUnknown
}

// defaultRoleKeywords are title keywords per role bucket. Buckets are
// checked in bucketOrder.
var defaultRoleKeywords = map[model.Role][]string{
	model.RoleDecisionMaker: {"chief", "ceo", "cto", "cio", "cfo", "coo", "cmo", "cro", "ciso", "cpo", "cdo", "president", "founder", "owner", "vp", "svp", "evp", "vice president", "head of", "head", "general manager", "managing director"},
	model.RoleChampion:      {"director", "senior manager", "manager", "lead", "principal", "architect", "staff"},
	model.RoleInfluencer:    {"engineer", "developer", "analyst", "specialist", "administrator", "consultant", "scientist", "designer", "admin", "sre", "devops"},
	model.RoleBlocker:       {"procurement", "purchasing", "legal", "counsel", "compliance", "privacy", "sourcing", "vendor management", "controller"},
	model.RoleIntroducer:    {"assistant", "coordinator", "chief of staff", "executive assistant", "office manager", "advisor", "partner", "recruiter"},
}

var bucketOrder = []model.Role{
	model.RoleBlocker,
	model.RoleIntroducer,
	model.RoleDecisionMaker,
	model.RoleChampion,
	model.RoleInfluencer,
}

// relevantDepartments lists the functions that plausibly interact with each
// solution category. Executives are relevant everywhere.
var relevantDepartments = map[string][]Department{
	SolutionInfrastructure: {DeptEngineering, DeptIT, DeptSecurity, DeptOperations, DeptData},
	SolutionSecurity:       {DeptSecurity, DeptIT, DeptEngineering, DeptLegal},
	SolutionData:           {DeptData, DeptEngineering, DeptProduct, DeptIT, DeptFinance, DeptOperations},
	SolutionDeveloper:      {DeptEngineering, DeptProduct, DeptIT, DeptData},
	SolutionSales:          {DeptSales, DeptMarketing, DeptOperations},
	SolutionMarketing:      {DeptMarketing, DeptSales, DeptProduct},
	SolutionFinance:        {DeptFinance, DeptOperations},
	SolutionHR:             {DeptHR, DeptOperations, DeptFinance},
	SolutionGeneral: {DeptSales, DeptProduct, DeptMarketing, DeptEngineering, DeptIT, DeptSecurity,
		DeptData, DeptOperations, DeptFinance, DeptHR},
}

// technicalDepartments can hold technical buying authority.
var technicalDepartments = map[Department]bool{
	DeptEngineering: true,
	DeptIT:          true,
	DeptSecurity:    true,
	DeptData:        true,
	DeptProduct:     true,
}

// gatekeepers review purchases regardless of solution category.
var gatekeepers = map[Department]bool{
	DeptLegal:       true,
	DeptProcurement: true,
}
