// Package index validates secondary-index definitions and computes the
// derived attributes the write path materializes for them.
package index

import (
	"fmt"
	"strings"

	"github.com/theory-cloud/txtheory/internal/keycodec"
	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/fields"
	"github.com/theory-cloud/txtheory/pkg/schema"
)

// Projection says which attributes an index materializes for its readers.
type Projection int

const (
	// ProjectionAll projects every attribute
	ProjectionAll Projection = iota
	// ProjectionKeysOnly projects only the base and index key attributes
	ProjectionKeysOnly
	// ProjectionInclude projects the keys plus an explicit field list
	ProjectionInclude
)

// String returns the store-side projection type name.
func (p Projection) String() string {
	switch p {
	case ProjectionKeysOnly:
		return "KEYS_ONLY"
	case ProjectionInclude:
		return "INCLUDE"
	default:
		return "ALL"
	}
}

// Definition declares a secondary index over a class's fields.
type Definition struct {
	Name            string
	PartitionFields []string
	SortFields      []string
	IncludeFields   []string
	Projection      Projection
	Sparse          bool
}

// Validate checks a definition against the class's field specs and base key
// layout: every named field must exist, no field may appear twice, and an
// INCLUDE projection must not list key fields.
func (d *Definition) Validate(specs map[string]*fields.Spec, baseKey, baseSort []string) error {
	if d.Name == "" {
		return fmt.Errorf("%w: index name must not be empty", errors.ErrInvalidIndex)
	}
	if len(d.PartitionFields) == 0 {
		return fmt.Errorf("%w: index %s has no partition fields", errors.ErrInvalidIndex, d.Name)
	}
	seen := make(map[string]bool)
	for _, name := range append(append([]string{}, d.PartitionFields...), d.SortFields...) {
		if _, ok := specs[name]; !ok {
			return fmt.Errorf("%w: index %s references unknown field %s", errors.ErrInvalidIndex, d.Name, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: index %s lists field %s twice", errors.ErrInvalidIndex, d.Name, name)
		}
		seen[name] = true
	}
	if d.Projection == ProjectionInclude {
		if len(d.IncludeFields) == 0 {
			return fmt.Errorf("%w: index %s INCLUDE projection lists no fields", errors.ErrInvalidIndex, d.Name)
		}
		for _, name := range d.IncludeFields {
			spec, ok := specs[name]
			if !ok {
				return fmt.Errorf("%w: index %s includes unknown field %s", errors.ErrInvalidIndex, d.Name, name)
			}
			if spec.IsKey() || seen[name] {
				return fmt.Errorf("%w: index %s INCLUDE projection must not list key fields (%s)", errors.ErrInvalidIndex, d.Name, name)
			}
		}
	} else if len(d.IncludeFields) > 0 {
		return fmt.Errorf("%w: index %s lists include fields without an INCLUDE projection", errors.ErrInvalidIndex, d.Name)
	}
	return nil
}

// AliasesBase reports whether the index reuses the base table's key layout,
// in which case it reads straight from the base key attributes.
func (d *Definition) AliasesBase(baseKey, baseSort []string) bool {
	return equalNames(d.PartitionFields, baseKey) && equalNames(d.SortFields, baseSort)
}

// PartitionAttr returns the attribute the index partition key lives in.
func (d *Definition) PartitionAttr(baseKey, baseSort []string) string {
	if d.AliasesBase(baseKey, baseSort) {
		return core.AttrPartitionKey
	}
	return DerivedAttrName(d.PartitionFields)
}

// SortAttr returns the attribute the index sort key lives in, or "" when the
// index has no sort key.
func (d *Definition) SortAttr(baseKey, baseSort []string) string {
	if len(d.SortFields) == 0 {
		return ""
	}
	if d.AliasesBase(baseKey, baseSort) {
		return core.AttrSortKey
	}
	return DerivedAttrName(d.SortFields)
}

// DerivedAttrName names the hidden attribute carrying an encoded component
// list: "_c_" followed by the underscore-joined field names.
func DerivedAttrName(fieldNames []string) string {
	return core.AttrIndexPrefix + strings.Join(fieldNames, "_")
}

// FieldVisible reports whether a read through this index carries the named
// field, given the projection.
func (d *Definition) FieldVisible(name string, spec *fields.Spec) bool {
	switch d.Projection {
	case ProjectionAll:
		return true
	case ProjectionKeysOnly:
		return spec.IsKey() || containsName(d.PartitionFields, name) || containsName(d.SortFields, name)
	default:
		return spec.IsKey() || containsName(d.PartitionFields, name) ||
			containsName(d.SortFields, name) || containsName(d.IncludeFields, name)
	}
}

// DerivedValues encodes the index's derived attributes from the current
// field values. The second return is false when a sparse index omits the
// row; a non-sparse index with an undefined component is a write-time error.
func (d *Definition) DerivedValues(specs map[string]*fields.Spec, value func(name string) any, baseKey, baseSort []string) (map[string]string, bool, error) {
	if d.AliasesBase(baseKey, baseSort) {
		return nil, true, nil
	}
	out := make(map[string]string, 2)
	for _, group := range [][]string{d.PartitionFields, d.SortFields} {
		if len(group) == 0 {
			continue
		}
		components := make([]keycodec.Component, 0, len(group))
		values := make(map[string]any, len(group))
		for _, name := range group {
			v := value(name)
			if v == nil {
				if d.Sparse {
					return nil, false, nil
				}
				return nil, false, fmt.Errorf("%w: index %s component %s is undefined",
					errors.ErrInvalidParameter, d.Name, name)
			}
			components = append(components, keycodec.Component{
				Name:     name,
				IsString: schema.IsString(specs[name].Schema),
			})
			values[name] = v
		}
		encoded, err := keycodec.Encode(components, values)
		if err != nil {
			return nil, false, err
		}
		out[DerivedAttrName(group)] = encoded
	}
	return out, true, nil
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
