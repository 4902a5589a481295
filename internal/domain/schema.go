package domain

import (
	"fmt"
	"strconv"
)

// FieldKind is the value kind enforced for a metadata field. The remote
// store only holds strings, so kinds are checked at the cache boundary.
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldInt
)

// String returns a human-readable representation of the kind.
func (k FieldKind) String() string {
	switch k {
	case FieldString:
		return "string"
	case FieldInt:
		return "int"
	default:
		return "unknown"
	}
}

// Schema enumerates the metadata fields permitted in one beamline
// namespace. Unknown fields are rejected at the boundary rather than
// silently stored; facility-wide fields cannot be deleted.
type Schema struct {
	fields    map[string]FieldKind
	protected map[string]bool
}

// Facility-wide fields present at every beamline.
var facilityFields = map[string]FieldKind{
	"proposal_id":    FieldString,
	"data_session":   FieldString,
	"cycle":          FieldString,
	"saf_id":         FieldString,
	"scan_id":        FieldInt,
	"username":       FieldString,
	"start_datetime": FieldString,
	"title":          FieldString,
	"type":           FieldString,
	"pi_name":        FieldString,
}

// DefaultSchema returns the facility-wide field schema.
func DefaultSchema() *Schema {
	s := &Schema{
		fields:    make(map[string]FieldKind, len(facilityFields)),
		protected: make(map[string]bool, len(facilityFields)),
	}
	for name, kind := range facilityFields {
		s.fields[name] = kind
		s.protected[name] = true
	}
	return s
}

// WithField returns a schema extended with a beamline-specific field.
// Beamline-specific fields are deletable.
func (s *Schema) WithField(name string, kind FieldKind) *Schema {
	next := &Schema{
		fields:    make(map[string]FieldKind, len(s.fields)+1),
		protected: make(map[string]bool, len(s.protected)),
	}
	for n, k := range s.fields {
		next.fields[n] = k
	}
	for n, p := range s.protected {
		next.protected[n] = p
	}
	next.fields[name] = kind
	return next
}

// Knows reports whether name is a schema field.
func (s *Schema) Knows(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Protected reports whether name is a facility-wide field.
func (s *Schema) Protected(name string) bool {
	return s.protected[name]
}

// Fields returns the schema field names in unspecified order.
func (s *Schema) Fields() []string {
	names := make([]string, 0, len(s.fields))
	for n := range s.fields {
		names = append(names, n)
	}
	return names
}

// CheckValue validates value against the kind declared for field.
// It returns a ValidationError for unknown fields and kind mismatches.
func (s *Schema) CheckValue(field, value string) error {
	kind, ok := s.fields[field]
	if !ok {
		return &ValidationError{Field: field, Reason: "field is not in the namespace schema"}
	}
	switch kind {
	case FieldInt:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("expected an integer value, got %q", value),
			}
		}
	}
	return nil
}
