// Package keycodec encodes compound key components into the single string
// attributes the store is keyed by.
package keycodec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/theory-cloud/txtheory/pkg/errors"
)

// Separator is the reserved byte between compound key components. String
// component values must never contain it.
const Separator = "\x00"

// Component describes one key component for encoding purposes. IsString
// components are embedded verbatim; all others round-trip through canonical
// JSON.
type Component struct {
	Name     string
	IsString bool
}

// Encode concatenates the component values in declared order. String values
// are inserted verbatim and rejected if they contain the separator byte;
// other values are serialized as canonical JSON so that semantically equal
// values produce byte-identical encodings.
func Encode(components []Component, values map[string]any) (string, error) {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		value, ok := values[c.Name]
		if !ok {
			return "", fmt.Errorf("%w: missing key component %s", errors.ErrInvalidParameter, c.Name)
		}
		piece, err := EncodeValue(c, value)
		if err != nil {
			return "", err
		}
		parts = append(parts, piece)
	}
	return strings.Join(parts, Separator), nil
}

// EncodeValue encodes a single component value.
func EncodeValue(c Component, value any) (string, error) {
	if c.IsString {
		s, ok := value.(string)
		if !ok {
			return "", &errors.ValidationError{
				Field:   c.Name,
				Value:   value,
				Message: "expected a string key component",
			}
		}
		if strings.Contains(s, Separator) {
			return "", &errors.ValidationError{
				Field:   c.Name,
				Value:   value,
				Message: "key component contains the reserved separator byte",
			}
		}
		return s, nil
	}
	piece, err := CanonicalJSON(value)
	if err != nil {
		return "", err
	}
	return piece, nil
}

// Decode splits an encoded key back into its component pieces. The piece
// count must equal the component count; non-string pieces are parsed from
// their JSON form.
func Decode(components []Component, encoded string) (map[string]any, error) {
	pieces := strings.Split(encoded, Separator)
	if len(pieces) != len(components) {
		return nil, fmt.Errorf("%w: expected %d components, got %d",
			errors.ErrBadKeyEncoding, len(components), len(pieces))
	}
	values := make(map[string]any, len(components))
	for i, c := range components {
		if c.IsString {
			values[c.Name] = pieces[i]
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(pieces[i]), &v); err != nil {
			return nil, fmt.Errorf("%w: component %s: %v", errors.ErrBadKeyEncoding, c.Name, err)
		}
		values[c.Name] = v
	}
	return values, nil
}

// CanonicalJSON serializes a value with object keys in sorted order, so two
// semantically equal values always serialize to the same bytes.
func CanonicalJSON(value any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, value); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, value any) error {
	switch v := value.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(v))
	case string:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b.Write(data)
	case float64:
		b.WriteString(formatNumber(v))
	case float32:
		b.WriteString(formatNumber(float64(v)))
	case int:
		b.WriteString(strconv.Itoa(v))
	case int32:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		b.WriteString(strconv.FormatInt(v, 10))
	case json.Number:
		b.WriteString(v.String())
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyData, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyData)
			b.WriteByte(':')
			if err := writeCanonical(b, v[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T in key component", errors.ErrUnsupportedValue, value)
	}
	return nil
}

// formatNumber prints integral floats without a fraction so 1900.0 and 1900
// encode identically.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
