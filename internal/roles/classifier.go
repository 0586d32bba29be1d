// Package roles classifies people at a target account into buyer-group
// roles for a given seller, and manages the lifecycle of those assignments.
package roles

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// Score weights. A full match on every signal scores 100.
const (
	weightTitle      = 40
	weightDepartment = 30
	weightSeniority  = 15
	weightProduct    = 15
	weightAdjacent   = 10
)

// Classifier scores people against a seller profile. It is stateless apart
// from its clock and safe for concurrent use.
type Classifier struct {
	now func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(c *Classifier) {
		c.now = now
	}
}

// NewClassifier creates a Classifier.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Signals is the intermediate breakdown behind an assignment.
type Signals struct {
	Department Department
	Seniority  Seniority
	Bucket     model.Role
	Target     bool
	Relevant   bool
}

// Analyze extracts the classification signals for person under profile.
func Analyze(person model.Entity, profile SellerProfile) Signals {
	title := person.Text(model.FieldTitle)
	s := Signals{
		Department: InferDepartment(title, person.Text(model.FieldDepartment)),
		Seniority:  InferSeniority(title, person.Text(model.FieldSeniority)),
		Bucket:     model.RoleNone,
	}
	s.Target = slices.Contains(profile.TargetDepartments, string(s.Department))
	s.Relevant = s.Target || s.Department == DeptExecutive ||
		slices.Contains(relevantDepartments[profile.SolutionCategory], s.Department)

	t := tokens(title)
	for _, role := range bucketOrder {
		kws := defaultRoleKeywords[role]
		if custom, ok := profile.RoleKeywords[role]; ok {
			kws = custom
		}
		if hasAny(t, lower(kws)...) {
			s.Bucket = role
			break
		}
	}
	return s
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.Join(wordRe.FindAllString(strings.ToLower(s), -1), " ")
	}
	return out
}

// ClassifyRole scores person at company for profile. The result never
// carries a role when confidence is below the profile's floor, and people
// flagged as possible departures are never confirmed.
func (c *Classifier) ClassifyRole(person, company model.Entity, profile SellerProfile) model.RoleAssignment {
	profile = profile.WithDefaults()
	sig := Analyze(person, profile)
	now := c.now()

	a := model.RoleAssignment{
		WorkspaceID:   person.WorkspaceID,
		PersonID:      person.ID,
		CompanyID:     company.ID,
		Role:          model.RoleNone,
		AuthorityTier: model.AuthorityNone,
		State:         model.RoleUnassigned,
		Fingerprint:   Fingerprint(person, company, profile),
		ScoredAt:      now,
	}

	var rationale []string
	gate := sig.Relevant || gatekeepers[sig.Department]
	if !gate {
		a.Rationale = []string{fmt.Sprintf("%s function does not interact with %s purchases", sig.Department, profile.SolutionCategory)}
		return a
	}

	score := 0.0
	if sig.Bucket != model.RoleNone {
		score += weightTitle
		rationale = append(rationale, fmt.Sprintf("title matches %s keywords", sig.Bucket))
	}
	switch {
	case sig.Target:
		score += weightDepartment
		rationale = append(rationale, fmt.Sprintf("%s is a target department", sig.Department))
	case sig.Relevant:
		score += weightAdjacent
		rationale = append(rationale, fmt.Sprintf("%s is adjacent to %s", sig.Department, profile.SolutionCategory))
	case gatekeepers[sig.Department]:
		score += weightAdjacent
		rationale = append(rationale, fmt.Sprintf("%s reviews purchases", sig.Department))
	}
	if sig.Seniority != SeniorityUnknown {
		score += weightSeniority
		rationale = append(rationale, fmt.Sprintf("seniority %s", sig.Seniority))
	}
	if sig.Relevant {
		score += weightProduct
		rationale = append(rationale, fmt.Sprintf("function interacts with %s", profile.SolutionCategory))
	}
	if company.ID != "" && person.Text(model.FieldCompanyID) != "" && person.Text(model.FieldCompanyID) != company.ID {
		score -= 20
		rationale = append(rationale, "person is linked to a different company")
	}
	score = math.Max(0, math.Min(100, score))

	a.Confidence = score
	a.Rationale = rationale
	if score < profile.ConfidenceFloor || sig.Bucket == model.RoleNone {
		a.Rationale = append(a.Rationale, fmt.Sprintf("confidence %.0f below floor %.0f or no role signal", score, profile.ConfidenceFloor))
		return a
	}

	a.Role = sig.Bucket
	a.AuthorityTier = authority(sig)
	a.InfluenceScore = influence(sig)
	a.State = model.RoleProvisional
	if score >= profile.ConfirmAt {
		a.State = model.RoleConfirmed
	}
	if possibleDeparture(person) && a.State == model.RoleConfirmed {
		a.State = model.RoleProvisional
		a.Rationale = append(a.Rationale, "employment unverified: possible departure")
	}
	return a
}

func possibleDeparture(person model.Entity) bool {
	return person.Text(model.FieldEmploymentStatus) == model.EmploymentPossibleDeparture
}

// authority derives the buying authority a person holds. Technical authority
// requires a technical function; a finance-only title never gets it.
func authority(s Signals) model.AuthorityTier {
	switch {
	case s.Seniority == SeniorityCLevel || (s.Seniority == SeniorityVP && s.Target):
		return model.AuthorityEconomic
	case technicalDepartments[s.Department] && s.Relevant:
		return model.AuthorityTechnical
	case s.Relevant:
		return model.AuthorityUser
	default:
		return model.AuthorityNone
	}
}

func influence(s Signals) float64 {
	v := s.Seniority.decisionPower()
	switch {
	case s.Target:
		v += 20
	case s.Relevant:
		v += 10
	}
	switch s.Bucket {
	case model.RoleDecisionMaker:
		v += 30
	case model.RoleChampion:
		v += 20
	case model.RoleBlocker, model.RoleInfluencer:
		v += 10
	case model.RoleIntroducer:
		v += 5
	}
	return math.Min(100, v)
}

// Fingerprint hashes the inputs that drive classification. A changed
// fingerprint means the assignment must be re-scored.
func Fingerprint(person, company model.Entity, profile SellerProfile) string {
	h := sha256.New()
	for _, v := range []string{
		strings.ToLower(strings.TrimSpace(person.Text(model.FieldTitle))),
		strings.ToLower(strings.TrimSpace(person.Text(model.FieldDepartment))),
		strings.ToLower(strings.TrimSpace(person.Text(model.FieldSeniority))),
		person.Text(model.FieldEmploymentStatus),
		company.ID,
		profile.Name,
		profile.SolutionCategory,
		strings.Join(profile.TargetDepartments, ","),
	} {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
