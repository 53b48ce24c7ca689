// Package fields implements the typed cells items are composed of. A cell
// holds an initial and a current value, tracks whether the user read or
// wrote it, and emits the update and condition fragments the write batcher
// assembles into expressions.
package fields

import (
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/schema"
	"github.com/theory-cloud/txtheory/pkg/types"
)

// KeyRole says whether a field participates in the row key.
type KeyRole int

const (
	// KeyRoleNone marks an ordinary data field
	KeyRoleNone KeyRole = iota
	// KeyRolePartition marks a partition key component
	KeyRolePartition
	// KeyRoleSort marks a sort key component
	KeyRoleSort
)

// Spec declares a field: its name, schema, key role, and write rules. Specs
// are shared between all items of a class; per-item state lives in Field.
type Spec struct {
	Schema    schema.Validator
	Default   any
	Name      string
	KeyRole   KeyRole
	Optional  bool
	Immutable bool
}

// Validate checks the declaration rules. Key components must be required and
// immutable with no default; a sort component may carry a default.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: field name must not be empty", errors.ErrInvalidFieldOption)
	}
	if s.Schema == nil {
		return fmt.Errorf("%w: field %s has no schema", errors.ErrInvalidFieldOption, s.Name)
	}
	if s.KeyRole == KeyRoleNone {
		return nil
	}
	if s.Optional {
		return fmt.Errorf("%w: key field %s cannot be optional", errors.ErrInvalidFieldOption, s.Name)
	}
	if !s.Immutable {
		return fmt.Errorf("%w: key field %s must be immutable", errors.ErrInvalidFieldOption, s.Name)
	}
	if s.Default != nil && s.KeyRole == KeyRolePartition {
		return fmt.Errorf("%w: partition key field %s cannot have a default", errors.ErrInvalidFieldOption, s.Name)
	}
	return nil
}

// IsKey reports whether the field is a key component.
func (s *Spec) IsKey() bool {
	return s.KeyRole != KeyRoleNone
}

// Field is one cell of an item. The zero value is not usable; construct
// through the New* functions, which pin where the initial value came from.
type Field struct {
	spec          *Spec
	initial       any
	current       any
	delta         float64
	read          bool
	written       bool
	hasDelta      bool
	blindSet      bool
	initialKnown  bool
	initialExists bool
	omitted       bool
}

// NewForCreate builds a cell for a freshly created item. The row does not
// exist yet, so the initial value is known-absent. A value provided at
// construction seeds the cell without entering the write set: only writes
// after construction count as mutations of a new item.
func NewForCreate(spec *Spec, value any) (*Field, error) {
	f := &Field{spec: spec, initialKnown: true}
	if value == nil {
		return f, nil
	}
	norm := types.Normalize(value)
	if err := f.validate(norm); err != nil {
		return nil, err
	}
	f.current = norm
	return f, nil
}

// NewFromStore builds a cell from a row image. exists distinguishes an
// attribute the row genuinely carries from one that is absent.
func NewFromStore(spec *Spec, value any, exists bool) (*Field, error) {
	f := &Field{spec: spec, initialKnown: true, initialExists: exists}
	if !exists {
		return f, nil
	}
	norm := types.Normalize(value)
	if err := f.validate(norm); err != nil {
		return nil, err
	}
	f.initial = norm
	f.current = norm
	return f, nil
}

// NewOmitted builds a cell for a field the index projection did not carry.
// Reading it fails; it never contributes fragments.
func NewOmitted(spec *Spec) *Field {
	return &Field{spec: spec, omitted: true}
}

// NewUnknown builds a cell whose prior value was never observed, for blind
// update descriptors. Without an expected value such a cell emits no
// condition.
func NewUnknown(spec *Spec) *Field {
	return &Field{spec: spec}
}

// Spec returns the cell's declaration.
func (f *Field) Spec() *Spec {
	return f.spec
}

// Get marks the field read and returns the current value. Fields omitted
// from an index projection cannot be read.
func (f *Field) Get() (any, error) {
	if f.omitted {
		return nil, fmt.Errorf("%w: %s", errors.ErrProjectionOmitted, f.spec.Name)
	}
	f.read = true
	return f.current, nil
}

// Peek returns the current value without marking a read. The serialization
// and key-derivation paths use it so they never pollute the read set.
func (f *Field) Peek() any {
	return f.current
}

// Initial returns the initial value and whether the attribute existed when
// the cell was built.
func (f *Field) Initial() (any, bool) {
	return f.initial, f.initialExists
}

// Omitted reports whether the projection left this field out.
func (f *Field) Omitted() bool {
	return f.omitted
}

// Set validates and installs a new current value. Immutable fields reject a
// second write once they hold a value; a failed validation leaves the cell
// untouched. Setting nil removes an optional field.
func (f *Field) Set(value any) error {
	if f.omitted {
		return fmt.Errorf("%w: %s", errors.ErrProjectionOmitted, f.spec.Name)
	}
	if (f.spec.IsKey() || f.spec.Immutable) && f.current != nil {
		return fmt.Errorf("%w: %s", errors.ErrImmutableField, f.spec.Name)
	}
	if value == nil {
		if !f.spec.Optional {
			return &errors.ValidationError{
				Field:   f.spec.Name,
				Message: "required field cannot be unset",
			}
		}
		f.current = nil
		f.written = true
		f.hasDelta = false
		f.blindSet = false
		return nil
	}
	norm := types.Normalize(value)
	if err := f.validate(norm); err != nil {
		return err
	}
	f.current = norm
	f.written = true
	f.hasDelta = false
	f.blindSet = false
	return nil
}

// IncrementBy records a numeric delta. While the initial value is known and
// the field was never read, the delta can later be emitted as an
// unconditional "f = f + n" update. Incrementing an undefined value is a
// plain set that becomes unconditional. Incrementing after a plain Set folds
// the delta into the set value; the reverse transition (Set after
// IncrementBy) drops the pending delta and conditions like any other set.
func (f *Field) IncrementBy(n float64) error {
	if f.omitted {
		return fmt.Errorf("%w: %s", errors.ErrProjectionOmitted, f.spec.Name)
	}
	if !schema.IsNumeric(f.spec.Schema) {
		return fmt.Errorf("%w: cannot increment non-numeric field %s", errors.ErrInvalidParameter, f.spec.Name)
	}
	if f.spec.IsKey() || f.spec.Immutable {
		return fmt.Errorf("%w: %s", errors.ErrImmutableField, f.spec.Name)
	}
	if f.current == nil {
		if err := f.validate(n); err != nil {
			return err
		}
		f.current = n
		f.written = true
		f.blindSet = true
		return nil
	}
	if f.written && !f.hasDelta {
		base, ok := f.current.(float64)
		if !ok {
			return fmt.Errorf("%w: field %s holds a non-numeric value", errors.ErrInvalidParameter, f.spec.Name)
		}
		next := base + n
		if err := f.validate(next); err != nil {
			return err
		}
		f.current = next
		return nil
	}
	base, ok := f.initial.(float64)
	if !ok {
		return fmt.Errorf("%w: field %s holds a non-numeric value", errors.ErrInvalidParameter, f.spec.Name)
	}
	next := base + f.delta + n
	if err := f.validate(next); err != nil {
		return err
	}
	f.delta += n
	f.current = next
	f.hasDelta = true
	f.written = true
	return nil
}

// Mutated reports whether the current value differs from the initial one.
// Container values compare by deep equality.
func (f *Field) Mutated() bool {
	if f.omitted {
		return false
	}
	if f.hasDelta {
		return f.delta != 0
	}
	if !f.initialKnown {
		return f.written
	}
	if !f.initialExists {
		return f.current != nil
	}
	return !cmp.Equal(f.initial, f.current)
}

// Accessed reports whether the user read or wrote the field.
func (f *Field) Accessed() bool {
	return f.read || f.written
}

// Read reports whether Get was called on the field.
func (f *Field) Read() bool {
	return f.read
}

// Written reports whether the user wrote the field after construction.
func (f *Field) Written() bool {
	return f.written
}

// MarkRead forces the field into the read set, used when an expected value
// is supplied for a blind conditional write.
func (f *Field) MarkRead(expected any) error {
	norm := types.Normalize(expected)
	if err := f.validate(norm); err != nil {
		return err
	}
	f.initial = norm
	f.initialKnown = true
	f.initialExists = true
	f.read = true
	return nil
}

// ApplyDefault installs the spec default on a cell that has no value yet.
// Only new items apply defaults; like construction values, a default seeds
// the cell without entering the write set.
func (f *Field) ApplyDefault() error {
	if f.spec.Default == nil || f.current != nil {
		return nil
	}
	norm := types.Normalize(f.spec.Default)
	if err := f.validate(norm); err != nil {
		return err
	}
	f.current = norm
	return nil
}

// UpdateFragmentKind discriminates what an update fragment asks for.
type UpdateFragmentKind int

const (
	// UpdateNone means the field contributes nothing
	UpdateNone UpdateFragmentKind = iota
	// UpdateSet assigns the fragment value
	UpdateSet
	// UpdateAdd increments the stored value by the fragment value
	UpdateAdd
	// UpdateRemove removes the attribute
	UpdateRemove
)

// UpdateFragment is a field's contribution to an update expression.
type UpdateFragment struct {
	Value any
	Kind  UpdateFragmentKind
}

// UpdateFragment returns what the field wants written. A pending increment
// with a known, unread initial value emits an unconditional add; a field
// that became undefined emits a remove.
func (f *Field) UpdateFragment() UpdateFragment {
	if f.omitted || !f.Mutated() {
		return UpdateFragment{Kind: UpdateNone}
	}
	if f.hasDelta && f.canEmitAdd() {
		return UpdateFragment{Kind: UpdateAdd, Value: f.delta}
	}
	if f.current == nil {
		return UpdateFragment{Kind: UpdateRemove}
	}
	return UpdateFragment{Kind: UpdateSet, Value: f.current}
}

// ConditionFragmentKind discriminates what a condition fragment asserts.
type ConditionFragmentKind int

const (
	// CondNone means the field asserts nothing
	CondNone ConditionFragmentKind = iota
	// CondNotExists asserts the attribute is absent
	CondNotExists
	// CondEquals asserts the attribute equals the fragment value
	CondEquals
)

// ConditionFragment is a field's contribution to a condition expression.
type ConditionFragment struct {
	Value any
	Kind  ConditionFragmentKind
}

// ConditionFragment returns the compare-and-set assertion for this field:
// attribute_not_exists when the initial value was absent, equality against
// the initial value otherwise, and nothing when the field was never
// accessed, was blind-written, or carries an unconditional increment.
func (f *Field) ConditionFragment() ConditionFragment {
	if f.omitted || !f.Accessed() {
		return ConditionFragment{Kind: CondNone}
	}
	if f.blindSet {
		return ConditionFragment{Kind: CondNone}
	}
	if f.hasDelta && f.canEmitAdd() {
		return ConditionFragment{Kind: CondNone}
	}
	if !f.initialKnown {
		return ConditionFragment{Kind: CondNone}
	}
	if !f.initialExists {
		return ConditionFragment{Kind: CondNotExists}
	}
	return ConditionFragment{Kind: CondEquals, Value: f.initial}
}

func (f *Field) canEmitAdd() bool {
	return f.initialKnown && f.initialExists && !f.read
}

func (f *Field) validate(value any) error {
	if err := f.spec.Schema.Validate(value); err != nil {
		var ve *errors.ValidationError
		if asValidation(err, &ve) {
			return ve.WithField(f.spec.Name)
		}
		return err
	}
	return nil
}

func asValidation(err error, target **errors.ValidationError) bool {
	ve, ok := err.(*errors.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
