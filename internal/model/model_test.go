package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldValue_IsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{"nil", nil, true},
		{"blank", "   ", true},
		{"placeholder na", "N/A", true},
		{"placeholder unknown", "Unknown", true},
		{"text", "Acme", false},
		{"zero number", 0.0, false},
		{"empty slice", []any{}, true},
		{"set", []string{"a"}, false},
		{"empty record", map[string]any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FieldValue{Value: tt.value}.IsEmpty())
		})
	}
}

func TestFieldValue_Text(t *testing.T) {
	assert.Equal(t, "250", FieldValue{Value: 250.0}.Text())
	assert.Equal(t, "42", FieldValue{Value: 42}.Text())
	assert.Equal(t, "a, b", FieldValue{Value: []string{"a", "b"}}.Text())
	assert.Equal(t, "", FieldValue{}.Text())
}

func TestFieldValue_Age(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fv := FieldValue{ObservedAt: now.Add(-48 * time.Hour)}
	assert.Equal(t, 48*time.Hour, fv.Age(now))
	assert.Greater(t, FieldValue{}.Age(now), 100*365*24*time.Hour)
}

func TestTierRank(t *testing.T) {
	assert.Greater(t, TierPrimary.Rank(), TierGapFilling.Rank())
	assert.Greater(t, TierGapFilling.Rank(), TierVerification.Rank())
	assert.False(t, Tier("bogus").Valid())
}

func TestEntity_ExternalIDs(t *testing.T) {
	e := NewEntity("ws", KindCompany)
	e.Set(FieldExternalIDs, FieldValue{Value: map[string]any{"salesforce": "001A", "empty": ""}})
	assert.Equal(t, map[string]string{"salesforce": "001A"}, e.ExternalIDs())
}

func TestEntity_CloneIsDeep(t *testing.T) {
	now := time.Now()
	e := NewEntity("ws", KindCompany)
	e.Set(FieldName, FieldValue{Value: "Acme"})
	e.DeletedAt = &now

	c := e.Clone()
	c.Set(FieldName, FieldValue{Value: "Other"})
	*c.DeletedAt = now.Add(time.Hour)

	assert.Equal(t, "Acme", e.Text(FieldName))
	assert.Equal(t, now, *e.DeletedAt)
}

func TestEntity_JSONFieldsBlob(t *testing.T) {
	observed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewEntity("ws", KindCompany)
	e.Set(FieldName, FieldValue{Value: "Acme", Provenance: "clearbit", Confidence: 90, ObservedAt: observed})

	raw, err := json.Marshal(e.Fields)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":{"value":"Acme","provider":"clearbit","confidence":90,"observed_at":"2026-01-02T03:04:05Z"}}`, string(raw))
}

func TestDuplicateGroup_Losers(t *testing.T) {
	g := DuplicateGroup{PrimaryID: "b", EntityIDs: []string{"a", "b", "c"}}
	assert.Equal(t, []string{"a", "c"}, g.Losers())
}
