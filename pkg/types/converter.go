// Package types converts between Go values and store attribute values for txtheory
package types

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/txtheory/pkg/errors"
)

// Converter translates the JSON-shaped values held by field cells to and
// from the store's native attribute values. It is stateless and safe for
// concurrent use.
type Converter struct{}

// NewConverter creates a new converter
func NewConverter() *Converter {
	return &Converter{}
}

// ToAttributeValue converts a Go value to a store attribute value.
// Supported inputs are the JSON scalar and container types plus the common
// Go numeric widths; anything else fails with ErrUnsupportedValue.
func (c *Converter) ToAttributeValue(value any) (types.AttributeValue, error) {
	switch v := value.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case string:
		return &types.AttributeValueMemberS{Value: v}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: v}, nil
	case []byte:
		return &types.AttributeValueMemberB{Value: v}, nil
	case float64:
		return &types.AttributeValueMemberN{Value: formatFloat(v)}, nil
	case float32:
		return &types.AttributeValueMemberN{Value: formatFloat(float64(v))}, nil
	case int:
		return &types.AttributeValueMemberN{Value: strconv.Itoa(v)}, nil
	case int32:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(v), 10)}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}, nil
	case uint:
		return &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(v), 10)}, nil
	case uint64:
		return &types.AttributeValueMemberN{Value: strconv.FormatUint(v, 10)}, nil
	case []any:
		list := make([]types.AttributeValue, 0, len(v))
		for i, item := range v {
			av, err := c.ToAttributeValue(item)
			if err != nil {
				return nil, fmt.Errorf("list element %d: %w", i, err)
			}
			list = append(list, av)
		}
		return &types.AttributeValueMemberL{Value: list}, nil
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(v))
		for key, item := range v {
			av, err := c.ToAttributeValue(item)
			if err != nil {
				return nil, fmt.Errorf("map entry %s: %w", key, err)
			}
			m[key] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return nil, fmt.Errorf("%w: %T", errors.ErrUnsupportedValue, value)
	}
}

// FromAttributeValue converts a store attribute value back to a Go value.
// Numbers come back as float64, matching the JSON value model the field
// layer validates against.
func (c *Converter) FromAttributeValue(av types.AttributeValue) (any, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberS:
		return v.Value, nil
	case *types.AttributeValueMemberBOOL:
		return v.Value, nil
	case *types.AttributeValueMemberB:
		return v.Value, nil
	case *types.AttributeValueMemberN:
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed number %q", errors.ErrUnsupportedValue, v.Value)
		}
		return f, nil
	case *types.AttributeValueMemberL:
		list := make([]any, 0, len(v.Value))
		for _, item := range v.Value {
			decoded, err := c.FromAttributeValue(item)
			if err != nil {
				return nil, err
			}
			list = append(list, decoded)
		}
		return list, nil
	case *types.AttributeValueMemberM:
		m := make(map[string]any, len(v.Value))
		for key, item := range v.Value {
			decoded, err := c.FromAttributeValue(item)
			if err != nil {
				return nil, err
			}
			m[key] = decoded
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: attribute value %T", errors.ErrUnsupportedValue, av)
	}
}

// ToItem converts a value map to a store item.
func (c *Converter) ToItem(values map[string]any) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(values))
	for name, value := range values {
		av, err := c.ToAttributeValue(value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		item[name] = av
	}
	return item, nil
}

// FromItem converts a store item to a value map.
func (c *Converter) FromItem(item map[string]types.AttributeValue) (map[string]any, error) {
	values := make(map[string]any, len(item))
	for name, av := range item {
		value, err := c.FromAttributeValue(av)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		values[name] = value
	}
	return values, nil
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
