package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldType is the declared shape of a field value.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeDate      FieldType = "date"
	TypeStringSet FieldType = "string_set"
	TypeRecord    FieldType = "record"
)

// ProvenanceManual marks a value entered by a user. Automated merges never
// overwrite it.
const ProvenanceManual = "manual"

// FieldValue is one field's value plus where it came from.
type FieldValue struct {
	Value      any       `json:"value"`
	Type       FieldType `json:"type,omitempty"`
	Provenance string    `json:"provider"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
}

// placeholders are values providers and CRMs use for "nothing known".
var placeholders = map[string]bool{
	"":        true,
	"-":       true,
	"--":      true,
	"n/a":     true,
	"na":      true,
	"none":    true,
	"null":    true,
	"nil":     true,
	"unknown": true,
	"tbd":     true,
	"?":       true,
}

// IsManual reports whether the value was entered by a user.
func (f FieldValue) IsManual() bool {
	return f.Provenance == ProvenanceManual
}

// IsEmpty reports whether the value is absent or a placeholder.
func (f FieldValue) IsEmpty() bool {
	switch v := f.Value.(type) {
	case nil:
		return true
	case string:
		return placeholders[strings.ToLower(strings.TrimSpace(v))]
	case []string:
		return len(v) == 0
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	case map[string]string:
		return len(v) == 0
	default:
		return false
	}
}

// Text renders the value as a string.
func (f FieldValue) Text() string {
	switch v := f.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(v, ", ")
	default:
		return fmt.Sprint(v)
	}
}

// Bool interprets the value as a boolean flag.
func (f FieldValue) Bool() bool {
	switch v := f.Value.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	default:
		return false
	}
}

// Age returns how long ago the value was observed. A zero ObservedAt is
// treated as infinitely old.
func (f FieldValue) Age(now time.Time) time.Duration {
	if f.ObservedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(f.ObservedAt)
}

// Equal compares two values by their rendered text.
func (f FieldValue) Equal(other FieldValue) bool {
	return strings.EqualFold(strings.TrimSpace(f.Text()), strings.TrimSpace(other.Text()))
}
