package resolve

import (
	"sort"
	"strings"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// Identity key prefixes. Keys are indexed per (workspace, kind).
const (
	KeyExternalID = "external_id:"
	KeyURL        = "url:"
	KeyNameDomain = "name_domain:"
	KeyEmail      = "email:"
	KeyDomain     = "domain:"
)

// identityDomain returns the registrable domain that identifies the
// organization behind e. Webmail domains never count.
func identityDomain(e model.Entity) string {
	var candidates []string
	switch e.Kind {
	case model.KindCompany:
		candidates = []string{e.Text(model.FieldDomain), e.Text(model.FieldWebsite)}
	case model.KindPerson:
		candidates = []string{e.Text(model.FieldEmail), e.Text(model.FieldCompanyDomain)}
	}
	for _, c := range candidates {
		d := RegistrableDomain(c)
		if d != "" && !webmail[d] {
			return d
		}
	}
	return ""
}

// canonicalURLs returns the profile and website URLs that identify e.
func canonicalURLs(e model.Entity) []string {
	fields := []string{model.FieldLinkedIn}
	if e.Kind == model.KindCompany {
		fields = append(fields, model.FieldWebsite)
	}
	var out []string
	for _, f := range fields {
		if u := CanonicalURL(e.Text(f)); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// IdentityKeys returns the index keys for e, sorted.
func IdentityKeys(e model.Entity) []string {
	var keys []string

	for sys, id := range e.ExternalIDs() {
		sys = strings.ToLower(strings.TrimSpace(sys))
		id = strings.TrimSpace(id)
		if sys != "" && id != "" {
			keys = append(keys, KeyExternalID+sys+":"+id)
		}
	}
	for _, u := range canonicalURLs(e) {
		keys = append(keys, KeyURL+u)
	}

	domain := identityDomain(e)
	if domain != "" {
		keys = append(keys, KeyDomain+domain)
		if name := NormalizeName(e.Text(model.FieldName)); name != "" {
			keys = append(keys, KeyNameDomain+name+"|"+domain)
		}
	}
	if e.Kind == model.KindPerson {
		if email := NormalizeEmail(e.Text(model.FieldEmail)); email != "" {
			keys = append(keys, KeyEmail+email)
		}
	}

	sort.Strings(keys)
	return keys
}

// keysWithPrefix filters keys by prefix.
func keysWithPrefix(keys []string, prefix string) []string {
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}
