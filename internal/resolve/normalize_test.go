package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName_Empty(t *testing.T) {
	assert.Equal(t, "", NormalizeName(""))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestNormalizeName_Uppercase(t *testing.T) {
	assert.Equal(t, "ACME ADVISORS", NormalizeName("Acme Advisors"))
}

func TestNormalizeName_LegalSuffixes(t *testing.T) {
	tests := []string{
		"Acme Advisors LLC",
		"Acme Advisors L.L.C.",
		"Acme Advisors Inc",
		"Acme Advisors, Inc.",
		"Acme Advisors Incorporated",
		"Acme Advisors Corp.",
		"Acme Advisors Corporation",
		"Acme Advisors Ltd",
		"Acme Advisors Limited",
		"Acme Advisors LP",
		"Acme Advisors LLP",
		"Acme Advisors GmbH",
		"Acme Advisors D/B/A",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, "ACME ADVISORS", NormalizeName(in))
		})
	}
}

func TestNormalizeName_Punctuation(t *testing.T) {
	assert.Equal(t, "SMITH AND JONES", NormalizeName("Smith & Jones"))
	assert.Equal(t, "SMITH AND JONES", NormalizeName("Smith & Jones,"))
	assert.Equal(t, "JOES ADVISORS", NormalizeName("Joe's Advisors"))
	assert.Equal(t, "NORTH EAST CAPITAL", NormalizeName("North-East Capital"))
}

func TestNormalizeName_Diacritics(t *testing.T) {
	assert.Equal(t, NormalizeName("Muller Technik"), NormalizeName("Müller Technik"))
	assert.Equal(t, "SOCIETE GENERALE", NormalizeName("Société Générale SA"))
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"acme.com", "acme.com"},
		{"https://www.Acme.com/about?x=1", "acme.com"},
		{"www.acme.com:8080", "acme.com"},
		{"jane@Acme.com", "acme.com"},
		{"localhost", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeDomain(tt.in))
		})
	}
}

func TestDomainParts(t *testing.T) {
	label, suffix := DomainParts("eu.acme.co.uk")
	assert.Equal(t, "acme", label)
	assert.Equal(t, "co.uk", suffix)

	label, suffix = DomainParts("https://acme.cz")
	assert.Equal(t, "acme", label)
	assert.Equal(t, "cz", suffix)

	label, suffix = DomainParts("")
	assert.Empty(t, label)
	assert.Empty(t, suffix)
}

func TestIsWebmail(t *testing.T) {
	assert.True(t, IsWebmail("gmail.com"))
	assert.True(t, IsWebmail("someone@Outlook.com"))
	assert.False(t, IsWebmail("acme.com"))
}

func TestCanonicalURL(t *testing.T) {
	assert.Equal(t, "linkedin.com/in/jane-doe", CanonicalURL("https://www.linkedin.com/in/Jane-Doe/"))
	assert.Equal(t, "linkedin.com/in/jane-doe", CanonicalURL("http://uk.linkedin.com/in/jane-doe?trk=x"))
	assert.Equal(t, "acme.com", CanonicalURL("acme.com/"))
	assert.Equal(t, "", CanonicalURL(""))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "jane@acme.com", NormalizeEmail(" Jane@Acme.com "))
	assert.Equal(t, "", NormalizeEmail("not-an-email"))
	assert.Equal(t, "", NormalizeEmail("@acme.com"))
}

func TestNormalizeCountry(t *testing.T) {
	assert.Equal(t, "US", NormalizeCountry("United States"))
	assert.Equal(t, "US", NormalizeCountry("U.S.A."))
	assert.Equal(t, "CZ", NormalizeCountry("cz"))
}
