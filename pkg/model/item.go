package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/txtheory/internal/expr"
	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/fields"
	"github.com/theory-cloud/txtheory/pkg/index"
	pkgTypes "github.com/theory-cloud/txtheory/pkg/types"
)

// Source says how an item entered the transaction; it selects the commit
// behavior branch.
type Source int

const (
	// SourceCreate is an item created inside the transaction
	SourceCreate Source = iota
	// SourceGet is an item read from the store (or an empty shell for a miss)
	SourceGet
	// SourceCreateOrPut is an upsert descriptor
	SourceCreateOrPut
	// SourceUpdate is a blind conditional update descriptor
	SourceUpdate
)

// String returns the source name
func (s Source) String() string {
	switch s {
	case SourceCreate:
		return "CREATE"
	case SourceGet:
		return "GET"
	case SourceCreateOrPut:
		return "CREATE_OR_PUT"
	case SourceUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// expireWindow bounds how far in the past an expire epoch still counts as
// expired; epochs older than this are assumed stale application data and the
// row is served.
const expireWindow = 5 * 365 * 24 * time.Hour

// Item is one row instance: a homogeneous collection of field cells plus the
// derived key. Items are registered with the write batcher when created or
// retrieved and live until the transaction ends.
type Item struct {
	desc        *Descriptor
	key         *Key
	cells       map[string]*fields.Field
	putExpected map[string]any
	expiredFrom any
	conv        *pkgTypes.Converter
	source      Source
	isNew       bool
	fromStore   bool
	deleted     bool
}

// NewCreate builds an item from user data inside a transaction. The data
// must carry every key component; unknown names are usage errors. Defaults
// apply because the item is new.
func (d *Descriptor) NewCreate(data map[string]any) (*Item, error) {
	return d.newFromData(SourceCreate, data, nil)
}

// NewCreateOrPut builds an upsert descriptor: the final values to store plus
// the expected current values guarding the overwrite branch.
func (d *Descriptor) NewCreateOrPut(expected, final map[string]any) (*Item, error) {
	for name, value := range expected {
		spec, ok := d.specs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a field of %s", errors.ErrInvalidParameter, name, d.Name)
		}
		if spec.IsKey() {
			continue
		}
		if err := spec.Schema.Validate(pkgTypes.Normalize(value)); err != nil {
			return nil, err
		}
	}
	return d.newFromData(SourceCreateOrPut, final, expected)
}

func (d *Descriptor) newFromData(source Source, data, expected map[string]any) (*Item, error) {
	keyValues := make(map[string]any)
	for name := range data {
		spec, ok := d.specs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a field of %s", errors.ErrInvalidParameter, name, d.Name)
		}
		if spec.IsKey() {
			keyValues[name] = data[name]
		}
	}
	// A sort component with a default may be omitted from new-item data.
	for _, spec := range d.SortFields {
		if _, provided := keyValues[spec.Name]; !provided && spec.Default != nil {
			keyValues[spec.Name] = spec.Default
		}
	}
	key, err := d.Key(keyValues)
	if err != nil {
		return nil, err
	}

	item := &Item{
		desc:   d,
		key:    key,
		cells:  make(map[string]*fields.Field, len(d.specs)),
		conv:   pkgTypes.NewConverter(),
		source: source,
		isNew:  true,
	}
	for name, spec := range d.specs {
		value := data[name]
		if value == nil {
			value = keyValues[name]
		}
		cell, err := fields.NewForCreate(spec, value)
		if err != nil {
			return nil, err
		}
		item.cells[name] = cell
	}
	if err := item.applyDefaults(); err != nil {
		return nil, err
	}
	if source == SourceCreateOrPut && len(expected) > 0 {
		item.putExpected = make(map[string]any, len(expected))
		for name, value := range expected {
			item.putExpected[name] = pkgTypes.Normalize(value)
		}
	}
	return item, nil
}

// NewFromRow materializes an item from a stored row image.
func (d *Descriptor) NewFromRow(row core.Item) (*Item, error) {
	return d.newFromRow(row, nil)
}

// NewFromIndexRow materializes an item read through a secondary index;
// fields the projection does not carry become read-rejecting cells.
func (d *Descriptor) NewFromIndexRow(idx *index.Definition, row core.Item) (*Item, error) {
	return d.newFromRow(row, idx)
}

func (d *Descriptor) newFromRow(row core.Item, idx *index.Definition) (*Item, error) {
	key, err := d.KeyFromRow(row)
	if err != nil {
		return nil, err
	}
	item := &Item{
		desc:      d,
		key:       key,
		cells:     make(map[string]*fields.Field, len(d.specs)),
		conv:      pkgTypes.NewConverter(),
		source:    SourceGet,
		fromStore: true,
	}
	for name, spec := range d.specs {
		if idx != nil && !idx.FieldVisible(name, spec) {
			item.cells[name] = fields.NewOmitted(spec)
			continue
		}
		if spec.IsKey() {
			cell, err := fields.NewFromStore(spec, key.Components[name], true)
			if err != nil {
				return nil, err
			}
			item.cells[name] = cell
			continue
		}
		av, exists := row[name]
		var value any
		if exists {
			value, err = item.conv.FromAttributeValue(av)
			if err != nil {
				return nil, err
			}
		}
		cell, err := fields.NewFromStore(spec, value, exists)
		if err != nil {
			return nil, err
		}
		item.cells[name] = cell
	}
	return item, nil
}

// NewShell builds an item for a key without a row image: the empty shell a
// miss turns into when createIfMissing is set (isNew true, defaults apply),
// or an anchor for tracking a deletion by key (isNew false, no conditions).
func (d *Descriptor) NewShell(key *Key, isNew bool) (*Item, error) {
	item := &Item{
		desc:   d,
		key:    key,
		cells:  make(map[string]*fields.Field, len(d.specs)),
		conv:   pkgTypes.NewConverter(),
		source: SourceGet,
		isNew:  isNew,
	}
	for name, spec := range d.specs {
		if spec.IsKey() {
			cell, err := fields.NewForCreate(spec, key.Components[name])
			if err != nil {
				return nil, err
			}
			item.cells[name] = cell
			continue
		}
		if isNew {
			cell, err := fields.NewForCreate(spec, nil)
			if err != nil {
				return nil, err
			}
			item.cells[name] = cell
		} else {
			item.cells[name] = fields.NewUnknown(spec)
		}
	}
	if isNew {
		if err := item.applyDefaults(); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// NewExpiredShell builds a replacement for a row whose expire epoch has
// passed. The shell is new from the caller's perspective, but the row is
// physically present, so its write guards on the observed epoch instead of
// non-existence.
func (d *Descriptor) NewExpiredShell(key *Key, epoch any) (*Item, error) {
	item, err := d.NewShell(key, true)
	if err != nil {
		return nil, err
	}
	item.expiredFrom = pkgTypes.Normalize(epoch)
	return item, nil
}

// ReplacesExpired reports whether the item overwrites an expired row.
func (i *Item) ReplacesExpired() bool {
	return i.expiredFrom != nil
}

// NewBlindUpdate builds an update descriptor without reading the row. The
// expected map must carry every key component and may carry expected current
// values for other fields; changes are applied on top and condition only on
// what expected named.
func (d *Descriptor) NewBlindUpdate(expected, changes map[string]any) (*Item, error) {
	keyValues := make(map[string]any)
	for name := range expected {
		spec, ok := d.specs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a field of %s", errors.ErrInvalidParameter, name, d.Name)
		}
		if spec.IsKey() {
			keyValues[name] = expected[name]
		}
	}
	key, err := d.Key(keyValues)
	if err != nil {
		return nil, err
	}
	item := &Item{
		desc:   d,
		key:    key,
		cells:  make(map[string]*fields.Field, len(d.specs)),
		conv:   pkgTypes.NewConverter(),
		source: SourceUpdate,
	}
	for name, spec := range d.specs {
		item.cells[name] = fields.NewUnknown(spec)
	}
	for name, value := range expected {
		if d.specs[name].IsKey() {
			continue
		}
		if err := item.cells[name].MarkRead(value); err != nil {
			return nil, err
		}
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: blind update carries no changes", errors.ErrInvalidParameter)
	}
	for name, value := range changes {
		spec, ok := d.specs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a field of %s", errors.ErrInvalidParameter, name, d.Name)
		}
		if spec.IsKey() {
			return nil, fmt.Errorf("%w: cannot change key component %s", errors.ErrImmutableField, name)
		}
		if err := item.cells[name].Set(value); err != nil {
			return nil, err
		}
	}
	return item, nil
}

func (i *Item) applyDefaults() error {
	for _, cell := range i.cells {
		if err := cell.ApplyDefault(); err != nil {
			return err
		}
	}
	return nil
}

// Descriptor returns the item's class descriptor.
func (i *Item) Descriptor() *Descriptor {
	return i.desc
}

// Key returns the item's key.
func (i *Item) Key() *Key {
	return i.key
}

// Source returns how the item entered the transaction.
func (i *Item) Source() Source {
	return i.source
}

// IsNew reports whether the row did not exist when the item was built.
func (i *Item) IsNew() bool {
	return i.isNew
}

// Get marks the field read and returns its current value.
func (i *Item) Get(name string) (any, error) {
	cell, err := i.cell(name)
	if err != nil {
		return nil, err
	}
	return cell.Get()
}

// Set writes a field.
func (i *Item) Set(name string, value any) error {
	if i.deleted {
		return fmt.Errorf("%w: item is scheduled for deletion", errors.ErrInvalidParameter)
	}
	cell, err := i.cell(name)
	if err != nil {
		return err
	}
	return cell.Set(value)
}

// IncrementBy records a numeric delta on a field.
func (i *Item) IncrementBy(name string, n float64) error {
	if i.deleted {
		return fmt.Errorf("%w: item is scheduled for deletion", errors.ErrInvalidParameter)
	}
	cell, err := i.cell(name)
	if err != nil {
		return err
	}
	return cell.IncrementBy(n)
}

func (i *Item) cell(name string) (*fields.Field, error) {
	cell, ok := i.cells[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a field of %s", errors.ErrInvalidParameter, name, i.desc.Name)
	}
	return cell, nil
}

// Cell exposes the underlying field cell; iterator and batcher internals use
// it to inspect tracking state.
func (i *Item) Cell(name string) (*fields.Field, error) {
	return i.cell(name)
}

// ScheduleDelete marks the item for deletion at commit.
func (i *Item) ScheduleDelete() {
	i.deleted = true
}

// Deleted reports whether the item is scheduled for deletion.
func (i *Item) Deleted() bool {
	return i.deleted
}

// Mutated reports whether any non-key cell differs from its initial value.
func (i *Item) Mutated() bool {
	for name, cell := range i.cells {
		if i.desc.specs[name].IsKey() {
			continue
		}
		if cell.Mutated() {
			return true
		}
	}
	return false
}

// WrittenAfterConstruction reports whether any non-key cell was written
// after the item was built; construction values and defaults do not count.
func (i *Item) WrittenAfterConstruction() bool {
	for name, cell := range i.cells {
		if i.desc.specs[name].IsKey() {
			continue
		}
		if cell.Written() {
			return true
		}
	}
	return false
}

// AccessedAny reports whether any non-key cell is in the read or write set.
func (i *Item) AccessedAny() bool {
	for name, cell := range i.cells {
		if i.desc.specs[name].IsKey() {
			continue
		}
		if cell.Accessed() {
			return true
		}
	}
	return false
}

// IsExpired reports whether the item's expire epoch lies in the past but
// within the expiry window. Classes without an expire field never expire.
func (i *Item) IsExpired(now time.Time) bool {
	if i.desc.ExpireField == "" {
		return false
	}
	cell, ok := i.cells[i.desc.ExpireField]
	if !ok || cell.Omitted() {
		return false
	}
	epoch, ok := cell.Peek().(float64)
	if !ok {
		return false
	}
	expireAt := time.Unix(int64(epoch), 0)
	age := now.Sub(expireAt)
	return age > 0 && age <= expireWindow
}

// PutRequest renders the item as a full-row write: every defined field is
// serialized, with conditions selected by the item's source.
func (i *Item) PutRequest() (*core.WriteRequest, error) {
	insertable := i.source == SourceCreate || i.source == SourceCreateOrPut ||
		(i.source == SourceGet && i.isNew)
	if !insertable {
		return nil, fmt.Errorf("%w: put is not available for %s items", errors.ErrInvalidParameter, i.source)
	}
	row, err := i.serialize()
	if err != nil {
		return nil, err
	}

	b := expr.NewBuilder()
	switch {
	case i.source == SourceCreate || i.source == SourceGet:
		if err := i.appendInsertGuard(b); err != nil {
			return nil, err
		}
	case len(i.putExpected) > 0:
		equalities := make([]string, 0, len(i.putExpected))
		names := make([]string, 0, len(i.putExpected))
		for name := range i.putExpected {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			av, err := i.conv.ToAttributeValue(i.putExpected[name])
			if err != nil {
				return nil, err
			}
			equalities = append(equalities, b.EqualsFragment(name, av))
		}
		b.ConditionRaw(expr.OrGroup(
			b.NotExistsFragment(core.AttrPartitionKey),
			expr.AndGroup(equalities...),
		))
	}

	return &core.WriteRequest{
		Kind:  core.WritePut,
		Table: i.desc.Table,
		Item:  row,
		Expr: core.Expression{
			Condition: b.ConditionExpression(),
			Names:     b.Names(),
			Values:    b.Values(),
		},
	}, nil
}

// UpdateRequest renders the item as a partial write: one fragment per
// changed field, derived index attributes refreshed, and the condition set
// assembled from the item's read set.
func (i *Item) UpdateRequest() (*core.WriteRequest, error) {
	b := expr.NewBuilder()
	for _, name := range i.desc.FieldNames() {
		spec := i.desc.specs[name]
		if spec.IsKey() {
			continue
		}
		frag := i.cells[name].UpdateFragment()
		switch frag.Kind {
		case fields.UpdateSet:
			av, err := i.conv.ToAttributeValue(frag.Value)
			if err != nil {
				return nil, err
			}
			b.Set(name, av)
		case fields.UpdateAdd:
			av, err := i.conv.ToAttributeValue(frag.Value)
			if err != nil {
				return nil, err
			}
			b.Add(name, av)
		case fields.UpdateRemove:
			b.Remove(name)
		}
	}
	if err := i.applyDerivedUpdates(b); err != nil {
		return nil, err
	}
	if !b.HasUpdates() {
		return nil, fmt.Errorf("%w: nothing to update", errors.ErrInvalidParameter)
	}

	if i.isNew {
		if err := i.appendInsertGuard(b); err != nil {
			return nil, err
		}
	} else {
		b.ConditionExists(core.AttrPartitionKey)
		if err := i.appendFieldConditions(b); err != nil {
			return nil, err
		}
	}

	return &core.WriteRequest{
		Kind:  core.WriteUpdate,
		Table: i.desc.Table,
		Key:   i.key.StoreKey(),
		Expr: core.Expression{
			Update:    b.UpdateExpression(),
			Condition: b.ConditionExpression(),
			Names:     b.Names(),
			Values:    b.Values(),
		},
	}, nil
}

// DeleteRequest renders the item's scheduled deletion, conditioned on the
// fields that were accessed before deleting.
func (i *Item) DeleteRequest() (*core.WriteRequest, error) {
	b := expr.NewBuilder()
	if i.fromStore {
		b.ConditionExists(core.AttrPartitionKey)
	}
	if err := i.appendFieldConditions(b); err != nil {
		return nil, err
	}
	return &core.WriteRequest{
		Kind:  core.WriteDelete,
		Table: i.desc.Table,
		Key:   i.key.StoreKey(),
		Expr: core.Expression{
			Condition: b.ConditionExpression(),
			Names:     b.Names(),
			Values:    b.Values(),
		},
	}, nil
}

// ConditionCheckRequest renders the read set of an unmutated item as a pure
// condition check, or nil when no field was accessed.
func (i *Item) ConditionCheckRequest() (*core.WriteRequest, error) {
	if !i.AccessedAny() {
		return nil, nil
	}
	b := expr.NewBuilder()
	if err := i.appendFieldConditions(b); err != nil {
		return nil, err
	}
	if !b.HasConditions() {
		return nil, nil
	}
	return &core.WriteRequest{
		Kind:  core.WriteConditionCheck,
		Table: i.desc.Table,
		Key:   i.key.StoreKey(),
		Expr: core.Expression{
			Condition: b.ConditionExpression(),
			Names:     b.Names(),
			Values:    b.Values(),
		},
	}, nil
}

// appendInsertGuard conditions an insert on non-existence, or on the
// observed expire epoch when the write replaces an expired row.
func (i *Item) appendInsertGuard(b *expr.Builder) error {
	if i.expiredFrom == nil {
		b.ConditionNotExists(core.AttrPartitionKey)
		return nil
	}
	av, err := i.conv.ToAttributeValue(i.expiredFrom)
	if err != nil {
		return err
	}
	b.ConditionEquals(i.desc.ExpireField, av)
	return nil
}

func (i *Item) appendFieldConditions(b *expr.Builder) error {
	for _, name := range i.desc.FieldNames() {
		spec := i.desc.specs[name]
		if spec.IsKey() {
			continue
		}
		frag := i.cells[name].ConditionFragment()
		switch frag.Kind {
		case fields.CondNotExists:
			b.ConditionNotExists(name)
		case fields.CondEquals:
			av, err := i.conv.ToAttributeValue(frag.Value)
			if err != nil {
				return err
			}
			b.ConditionEquals(name, av)
		}
	}
	return nil
}

// serialize renders every defined field plus the key and derived index
// attributes; required fields without a value fail here.
func (i *Item) serialize() (core.Item, error) {
	row := i.key.StoreKey()
	for _, name := range i.desc.FieldNames() {
		spec := i.desc.specs[name]
		if spec.IsKey() {
			continue
		}
		value := i.cells[name].Peek()
		if value == nil {
			if !spec.Optional {
				return nil, &errors.ValidationError{
					Field:   name,
					Message: "required field has no value",
				}
			}
			continue
		}
		av, err := i.conv.ToAttributeValue(value)
		if err != nil {
			return nil, err
		}
		row[name] = av
	}
	derived, err := i.derivedValues()
	if err != nil {
		return nil, err
	}
	for attr, encoded := range derived {
		row[attr] = &types.AttributeValueMemberS{Value: encoded}
	}
	return row, nil
}

func (i *Item) derivedValues() (map[string]string, error) {
	out := make(map[string]string)
	for idx := range i.desc.Indexes {
		def := &i.desc.Indexes[idx]
		values, ok, err := def.DerivedValues(i.desc.specs, i.peekValue, i.desc.keyNames, i.desc.sortNames)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for attr, encoded := range values {
			out[attr] = encoded
		}
	}
	return out, nil
}

// applyDerivedUpdates refreshes the derived attributes of every index whose
// components were touched by this update; a sparse index whose row no longer
// qualifies has its attributes removed.
func (i *Item) applyDerivedUpdates(b *expr.Builder) error {
	for idx := range i.desc.Indexes {
		def := &i.desc.Indexes[idx]
		if def.AliasesBase(i.desc.keyNames, i.desc.sortNames) {
			continue
		}
		touched := false
		for _, name := range append(append([]string{}, def.PartitionFields...), def.SortFields...) {
			if i.cells[name].Mutated() {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		values, ok, err := def.DerivedValues(i.desc.specs, i.peekValue, i.desc.keyNames, i.desc.sortNames)
		if err != nil {
			return err
		}
		if !ok {
			for _, group := range [][]string{def.PartitionFields, def.SortFields} {
				if len(group) > 0 {
					b.Remove(index.DerivedAttrName(group))
				}
			}
			continue
		}
		for attr, encoded := range values {
			b.Set(attr, &types.AttributeValueMemberS{Value: encoded})
		}
	}
	return nil
}

func (i *Item) peekValue(name string) any {
	cell, ok := i.cells[name]
	if !ok {
		return nil
	}
	return cell.Peek()
}
