package resolve

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes lists common legal entity suffixes to strip during name normalization.
var legalSuffixes = []string{
	" LLC", " L.L.C.", " L.L.C",
	" INC", " INC.", " INCORPORATED",
	" CORP", " CORP.", " CORPORATION",
	" LTD", " LTD.", " LIMITED",
	" LP", " L.P.", " L.P",
	" LLP", " L.L.P.", " L.L.P",
	" PC", " P.C.", " P.C",
	" CO", " CO.",
	" PLC", " P.L.C.",
	" GMBH", " AG", " SA", " S.A.", " BV", " B.V.", " NV", " N.V.",
	" PTY", " SAS", " SRL", " AB", " OY",
	" DBA", " D/B/A",
	" PLLC",
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// webmail domains identify a mailbox provider, not an employer.
var webmail = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"ymail.com":      true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"live.com":       true,
	"msn.com":        true,
	"aol.com":        true,
	"icloud.com":     true,
	"me.com":         true,
	"mac.com":        true,
	"protonmail.com": true,
	"proton.me":      true,
	"gmx.com":        true,
	"gmx.de":         true,
	"web.de":         true,
	"mail.com":       true,
	"yandex.com":     true,
	"zoho.com":       true,
	"qq.com":         true,
	"163.com":        true,
}

// IsWebmail reports whether domain is a personal mailbox provider.
func IsWebmail(domain string) bool {
	return webmail[NormalizeDomain(domain)]
}

// foldDiacritics strips combining marks, so "Müller" and "Muller" compare equal.
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName standardizes an entity name for matching by:
//  1. Trimming whitespace and folding diacritics
//  2. Converting to uppercase
//  3. Removing common legal suffixes (LLC, Inc, GmbH, etc.)
//  4. Stripping punctuation (commas, periods, dashes, ampersands)
//  5. Collapsing multiple spaces into single spaces
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = strings.ToUpper(foldDiacritics(name))

	// Strip one legal suffix, trailing commas first ("Acme, Inc.").
	name = strings.TrimRight(name, " ,")
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}

	name = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"\"", "",
		"&", " AND ",
		"-", " ",
		"/", " ",
	).Replace(name)

	name = multiSpaceRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// NormalizeDomain reduces a domain, URL or email address to a lowercase host
// without scheme, "www." prefix, port or path.
func NormalizeDomain(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if i := strings.LastIndex(s, "@"); i >= 0 && !strings.Contains(s, "://") {
		s = s[i+1:]
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.TrimSuffix(u.Hostname(), ".")
	host = strings.TrimPrefix(host, "www.")
	if !strings.Contains(host, ".") {
		return ""
	}
	return host
}

// RegistrableDomain returns the eTLD+1 of a domain ("eu.acme.co.uk" →
// "acme.co.uk"). Unknown suffixes fall back to the normalized host.
func RegistrableDomain(raw string) string {
	host := NormalizeDomain(raw)
	if host == "" {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// DomainParts splits a domain into its brand label and public suffix:
// "acme.co.uk" → ("acme", "co.uk").
func DomainParts(raw string) (label, suffix string) {
	d := RegistrableDomain(raw)
	if d == "" {
		return "", ""
	}
	suffix, _ = publicsuffix.PublicSuffix(d)
	label = strings.TrimSuffix(d, "."+suffix)
	return label, suffix
}

// NormalizeEmail lowercases and trims an address. Returns "" when the value
// is not shaped like an address.
func NormalizeEmail(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 || strings.ContainsAny(s, " \t") {
		return ""
	}
	return s
}

// CanonicalURL normalizes a profile or website URL for exact comparison:
// lowercase host without "www.", no scheme, query or fragment, and no
// trailing slash.
func CanonicalURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	// Country subdomains of linkedin point at the same profile.
	if strings.HasSuffix(host, ".linkedin.com") {
		host = "linkedin.com"
	}
	path := strings.TrimRight(strings.ToLower(u.EscapedPath()), "/")
	return host + path
}

// NormalizeCountry folds common spellings of a country to a short uppercase
// code where known; otherwise returns the uppercased input.
func NormalizeCountry(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(foldDiacritics(raw)))
	s = strings.ReplaceAll(s, ".", "")
	if code, ok := countryAliases[s]; ok {
		return code
	}
	return s
}

var countryAliases = map[string]string{
	"USA":                      "US",
	"UNITED STATES":            "US",
	"UNITED STATES OF AMERICA": "US",
	"UK":                       "GB",
	"UNITED KINGDOM":           "GB",
	"GREAT BRITAIN":            "GB",
	"ENGLAND":                  "GB",
	"GERMANY":                  "DE",
	"DEUTSCHLAND":              "DE",
	"FRANCE":                   "FR",
	"CANADA":                   "CA",
	"AUSTRALIA":                "AU",
	"NETHERLANDS":              "NL",
	"SPAIN":                    "ES",
	"ITALY":                    "IT",
	"INDIA":                    "IN",
	"IRELAND":                  "IE",
	"SWITZERLAND":              "CH",
	"SWEDEN":                   "SE",
	"JAPAN":                    "JP",
	"BRAZIL":                   "BR",
	"MEXICO":                   "MX",
}
