package model

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/txtheory/internal/keycodec"
	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/errors"
)

// Key identifies a row without fetching it: the encoded key attributes plus
// the component values they were built from. Keys are immutable once built.
type Key struct {
	Descriptor *Descriptor
	Components map[string]any
	ID         string
	SK         string
}

// Key builds a key from component values. Every declared component must be
// present and satisfy its schema; no other values may appear.
func (d *Descriptor) Key(values map[string]any) (*Key, error) {
	declared := len(d.keyNames) + len(d.sortNames)
	if len(values) != declared {
		for name := range values {
			if spec, ok := d.specs[name]; !ok || !spec.IsKey() {
				return nil, fmt.Errorf("%w: %s is not a key component of %s",
					errors.ErrInvalidParameter, name, d.Name)
			}
		}
		return nil, fmt.Errorf("%w: expected %d key components, got %d",
			errors.ErrInvalidParameter, declared, len(values))
	}
	components := make(map[string]any, declared)
	for name, value := range values {
		spec, ok := d.specs[name]
		if !ok || !spec.IsKey() {
			return nil, fmt.Errorf("%w: %s is not a key component of %s",
				errors.ErrInvalidParameter, name, d.Name)
		}
		if err := spec.Schema.Validate(value); err != nil {
			var ve *errors.ValidationError
			if asValidationErr(err, &ve) {
				return nil, ve.WithField(name)
			}
			return nil, err
		}
		components[name] = value
	}

	id, err := keycodec.Encode(d.keyComps, components)
	if err != nil {
		return nil, err
	}
	key := &Key{Descriptor: d, Components: components, ID: id}
	if len(d.sortComps) > 0 {
		sk, err := keycodec.Encode(d.sortComps, components)
		if err != nil {
			return nil, err
		}
		key.SK = sk
	}
	return key, nil
}

// DecodeKey reverses the codec: it splits the encoded attributes back into
// component values and re-validates each against its schema.
func (d *Descriptor) DecodeKey(id, sk string) (map[string]any, error) {
	components, err := keycodec.Decode(d.keyComps, id)
	if err != nil {
		return nil, err
	}
	if len(d.sortComps) > 0 {
		sortComponents, err := keycodec.Decode(d.sortComps, sk)
		if err != nil {
			return nil, err
		}
		for name, value := range sortComponents {
			components[name] = value
		}
	}
	for name, value := range components {
		if err := d.specs[name].Schema.Validate(value); err != nil {
			var ve *errors.ValidationError
			if asValidationErr(err, &ve) {
				return nil, fmt.Errorf("%w: %v", errors.ErrBadKeyEncoding, ve.WithField(name))
			}
			return nil, err
		}
	}
	return components, nil
}

// KeyFromRow rebuilds a key from a stored row image.
func (d *Descriptor) KeyFromRow(row core.Item) (*Key, error) {
	id, ok := stringAttr(row, core.AttrPartitionKey)
	if !ok {
		return nil, fmt.Errorf("%w: row has no %s attribute", errors.ErrBadKeyEncoding, core.AttrPartitionKey)
	}
	sk := ""
	if len(d.sortComps) > 0 {
		sk, ok = stringAttr(row, core.AttrSortKey)
		if !ok {
			return nil, fmt.Errorf("%w: row has no %s attribute", errors.ErrBadKeyEncoding, core.AttrSortKey)
		}
	}
	components, err := d.DecodeKey(id, sk)
	if err != nil {
		return nil, err
	}
	return &Key{Descriptor: d, Components: components, ID: id, SK: sk}, nil
}

// StoreKey renders the key as the store's key attribute map.
func (k *Key) StoreKey() core.Item {
	item := core.Item{
		core.AttrPartitionKey: &types.AttributeValueMemberS{Value: k.ID},
	}
	if k.Descriptor.HasSortKey() {
		item[core.AttrSortKey] = &types.AttributeValueMemberS{Value: k.SK}
	}
	return item
}

// TrackKey returns the identity string the batcher and model cache key rows
// by: table plus encoded key attributes.
func (k *Key) TrackKey() string {
	return k.Descriptor.Table + "\x1f" + k.ID + "\x1f" + k.SK
}

func stringAttr(item core.Item, name string) (string, bool) {
	av, ok := item[name]
	if !ok {
		return "", false
	}
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return s.Value, true
}

func asValidationErr(err error, target **errors.ValidationError) bool {
	ve, ok := err.(*errors.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
