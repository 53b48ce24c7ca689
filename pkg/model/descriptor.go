// Package model provides class descriptors, keys, and item instances for txtheory
package model

import (
	"fmt"
	"strings"
	"sync"

	"github.com/theory-cloud/txtheory/internal/keycodec"
	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/fields"
	"github.com/theory-cloud/txtheory/pkg/index"
	"github.com/theory-cloud/txtheory/pkg/schema"
)

// Descriptor declares a model class: its table, key layout, fields, and
// indexes. Declare one as a literal and register it; registration prepares
// the descriptor and binds it to that registry, so two configurations never
// share compiled metadata.
type Descriptor struct {
	specs       map[string]*fields.Spec
	owner       *Registry
	Name        string
	Table       string
	ExpireField string
	KeyFields   []*fields.Spec
	SortFields  []*fields.Spec
	Fields      []*fields.Spec
	Indexes     []index.Definition
	keyComps    []keycodec.Component
	sortComps   []keycodec.Component
	keyNames    []string
	sortNames   []string
}

// Registry holds prepared descriptors for one configuration.
type Registry struct {
	descriptors map[string]*Descriptor
	mu          sync.RWMutex
}

// NewRegistry creates a new descriptor registry
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*Descriptor)}
}

// Register prepares descriptors and binds them to this registry. Registering
// a descriptor already bound elsewhere is a configuration error.
func (r *Registry) Register(descs ...*Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descs {
		if d.owner == r {
			continue
		}
		if d.owner != nil {
			return fmt.Errorf("%w: descriptor %s is bound to another registry", errors.ErrInvalidOptions, d.Name)
		}
		if err := d.prepare(); err != nil {
			return err
		}
		if _, exists := r.descriptors[d.Name]; exists {
			return fmt.Errorf("%w: duplicate descriptor name %s", errors.ErrInvalidOptions, d.Name)
		}
		d.owner = r
		r.descriptors[d.Name] = d
	}
	return nil
}

// Get returns a registered descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrModelNotRegistered, name)
	}
	return d, nil
}

// Registered reports whether the descriptor is bound to this registry.
func (r *Registry) Registered(d *Descriptor) bool {
	return d != nil && d.owner == r
}

// Descriptors returns all registered descriptors.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// prepare validates the declaration once: key rules, reserved and duplicate
// names, expire field shape, and every index definition.
func (d *Descriptor) prepare() error {
	if d.Name == "" {
		return fmt.Errorf("%w: descriptor name must not be empty", errors.ErrInvalidOptions)
	}
	if d.Table == "" {
		d.Table = d.Name
	}
	if len(d.KeyFields) == 0 {
		return fmt.Errorf("%w: descriptor %s declares no partition key fields", errors.ErrInvalidOptions, d.Name)
	}

	d.specs = make(map[string]*fields.Spec)
	register := func(spec *fields.Spec, role fields.KeyRole) error {
		if spec.KeyRole == fields.KeyRoleNone {
			spec.KeyRole = role
		} else if spec.KeyRole != role {
			return fmt.Errorf("%w: field %s declared with conflicting key roles", errors.ErrInvalidFieldOption, spec.Name)
		}
		if role != fields.KeyRoleNone {
			spec.Immutable = true
		}
		if err := spec.Validate(); err != nil {
			return err
		}
		if strings.HasPrefix(spec.Name, "_") {
			return fmt.Errorf("%w: %s", errors.ErrReservedName, spec.Name)
		}
		if _, dup := d.specs[spec.Name]; dup {
			return fmt.Errorf("%w: field %s declared twice in %s", errors.ErrInvalidFieldOption, spec.Name, d.Name)
		}
		d.specs[spec.Name] = spec
		return nil
	}

	for _, spec := range d.KeyFields {
		if err := register(spec, fields.KeyRolePartition); err != nil {
			return err
		}
		d.keyNames = append(d.keyNames, spec.Name)
		d.keyComps = append(d.keyComps, keycodec.Component{
			Name:     spec.Name,
			IsString: schema.IsString(spec.Schema),
		})
	}
	for _, spec := range d.SortFields {
		if err := register(spec, fields.KeyRoleSort); err != nil {
			return err
		}
		d.sortNames = append(d.sortNames, spec.Name)
		d.sortComps = append(d.sortComps, keycodec.Component{
			Name:     spec.Name,
			IsString: schema.IsString(spec.Schema),
		})
	}
	for _, spec := range d.Fields {
		if err := register(spec, fields.KeyRoleNone); err != nil {
			return err
		}
	}

	if d.ExpireField != "" {
		spec, ok := d.specs[d.ExpireField]
		if !ok {
			return fmt.Errorf("%w: expire field %s not declared", errors.ErrInvalidOptions, d.ExpireField)
		}
		if spec.IsKey() {
			return fmt.Errorf("%w: expire field %s cannot be a key field", errors.ErrInvalidOptions, d.ExpireField)
		}
		if !schema.IsNumeric(spec.Schema) {
			return fmt.Errorf("%w: expire field %s must be numeric", errors.ErrInvalidOptions, d.ExpireField)
		}
	}

	indexNames := make(map[string]bool, len(d.Indexes))
	for i := range d.Indexes {
		def := &d.Indexes[i]
		if indexNames[def.Name] {
			return fmt.Errorf("%w: duplicate index name %s", errors.ErrInvalidIndex, def.Name)
		}
		indexNames[def.Name] = true
		if err := def.Validate(d.specs, d.keyNames, d.sortNames); err != nil {
			return err
		}
	}
	return nil
}

// Spec returns the declaration of a named field.
func (d *Descriptor) Spec(name string) (*fields.Spec, bool) {
	spec, ok := d.specs[name]
	return spec, ok
}

// FieldNames returns all declared field names, key components first in
// declared order.
func (d *Descriptor) FieldNames() []string {
	names := make([]string, 0, len(d.specs))
	names = append(names, d.keyNames...)
	names = append(names, d.sortNames...)
	for _, spec := range d.Fields {
		names = append(names, spec.Name)
	}
	return names
}

// KeyNames returns the partition component names in declared order.
func (d *Descriptor) KeyNames() []string {
	return d.keyNames
}

// SortNames returns the sort component names in declared order.
func (d *Descriptor) SortNames() []string {
	return d.sortNames
}

// HasSortKey reports whether the class declares sort components.
func (d *Descriptor) HasSortKey() bool {
	return len(d.sortNames) > 0
}

// Index returns the named index definition.
func (d *Descriptor) Index(name string) (*index.Definition, error) {
	for i := range d.Indexes {
		if d.Indexes[i].Name == name {
			return &d.Indexes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: index %s not declared on %s", errors.ErrInvalidParameter, name, d.Name)
}

