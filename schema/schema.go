package schema

import (
	"fmt"
	"strings"
)

// DataType represents the logical types supported by columnar tables
type DataType int

const (
	INT64 DataType = iota
	FLOAT64
	STRING
	BOOLEAN
)

// String returns the lowercase name of the data type
func (dt DataType) String() string {
	switch dt {
	case INT64:
		return "int64"
	case FLOAT64:
		return "float64"
	case STRING:
		return "string"
	case BOOLEAN:
		return "boolean"
	default:
		return fmt.Sprintf("unknown(%d)", int(dt))
	}
}

// IsNumeric reports whether the type participates in arithmetic
func (dt DataType) IsNumeric() bool {
	return dt == INT64 || dt == FLOAT64
}

// Attribute describes a single typed column in a schema
type Attribute struct {
	Name          string            `json:"name"`
	Type          DataType          `json:"type"`
	Nullable      bool              `json:"nullable"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Deterministic bool              `json:"deterministic,omitempty"`
}

// Schema is an ordered, immutable sequence of attributes.
// Attribute names are unique within a schema.
type Schema struct {
	attrs   []Attribute
	byName  map[string]int
}

// SchemaError reports a malformed attribute set
type SchemaError struct {
	Message string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: %s", e.Message)
}

// Errorf builds a SchemaError from a format string
func Errorf(format string, args ...interface{}) *SchemaError {
	return &SchemaError{Message: fmt.Sprintf(format, args...)}
}

// New creates a schema from an ordered list of attributes.
// Duplicate attribute names fail with SchemaError.
func New(attrs ...Attribute) (*Schema, error) {
	byName := make(map[string]int, len(attrs))
	for i, attr := range attrs {
		if attr.Name == "" {
			return nil, Errorf("attribute %d has empty name", i)
		}
		if prev, exists := byName[attr.Name]; exists {
			return nil, Errorf("duplicate attribute name %q (positions %d and %d)", attr.Name, prev, i)
		}
		byName[attr.Name] = i
	}

	copied := make([]Attribute, len(attrs))
	copy(copied, attrs)

	return &Schema{attrs: copied, byName: byName}, nil
}

// MustNew creates a schema and panics on duplicate names. Intended for tests
// and literals whose attribute sets are fixed at compile time.
func MustNew(attrs ...Attribute) *Schema {
	s, err := New(attrs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of attributes
func (s *Schema) Len() int {
	return len(s.attrs)
}

// Attrs returns a copy of the attribute list
func (s *Schema) Attrs() []Attribute {
	out := make([]Attribute, len(s.attrs))
	copy(out, s.attrs)
	return out
}

// At returns the attribute at position i
func (s *Schema) At(i int) Attribute {
	return s.attrs[i]
}

// Lookup finds an attribute by name
func (s *Schema) Lookup(name string) (Attribute, bool) {
	idx, ok := s.byName[name]
	if !ok {
		return Attribute{}, false
	}
	return s.attrs[idx], true
}

// Index returns the position of the named attribute, or -1
func (s *Schema) Index(name string) int {
	idx, ok := s.byName[name]
	if !ok {
		return -1
	}
	return idx
}

// Names returns the attribute names in schema order
func (s *Schema) Names() []string {
	names := make([]string, len(s.attrs))
	for i, attr := range s.attrs {
		names[i] = attr.Name
	}
	return names
}

// Project builds a new schema containing the named attributes, in the given
// order. Unknown names fail with SchemaError.
func (s *Schema) Project(names ...string) (*Schema, error) {
	attrs := make([]Attribute, 0, len(names))
	for _, name := range names {
		attr, ok := s.Lookup(name)
		if !ok {
			return nil, Errorf("cannot project unknown attribute %q", name)
		}
		attrs = append(attrs, attr)
	}
	return New(attrs...)
}

// Concat concatenates two schemas. Attributes of the right schema whose names
// collide with the left schema are qualified with the given prefix.
func Concat(left, right *Schema, rightPrefix string) (*Schema, error) {
	attrs := make([]Attribute, 0, left.Len()+right.Len())
	attrs = append(attrs, left.attrs...)
	for _, attr := range right.attrs {
		if _, collides := left.byName[attr.Name]; collides {
			attr.Name = rightPrefix + attr.Name
		}
		attrs = append(attrs, attr)
	}
	return New(attrs...)
}

// Equal reports whether two schemas have identical attribute names and types
// in the same order. Metadata is ignored.
func (s *Schema) Equal(other *Schema) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i := range s.attrs {
		if s.attrs[i].Name != other.attrs[i].Name || s.attrs[i].Type != other.attrs[i].Type {
			return false
		}
	}
	return true
}

// String renders the schema as "name:type, ..." for error messages
func (s *Schema) String() string {
	parts := make([]string, len(s.attrs))
	for i, attr := range s.attrs {
		parts[i] = fmt.Sprintf("%s:%s", attr.Name, attr.Type)
	}
	return strings.Join(parts, ", ")
}
