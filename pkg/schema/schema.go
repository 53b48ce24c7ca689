// Package schema adapts a JSON-schema validator to the value validation
// contract the field and key layers consume.
package schema

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/theory-cloud/txtheory/pkg/errors"
)

// Validator checks a value against a compiled schema. Implementations report
// the first violation as a *errors.ValidationError.
type Validator interface {
	Validate(value any) error

	// Type returns the declared JSON type ("string", "number", "integer",
	// "boolean", "object", "array"), or "" when the schema does not pin one.
	Type() string
}

type compiled struct {
	schema *gojsonschema.Schema
	typ    string
}

// Compile builds a Validator from a JSON-schema document expressed as a Go
// map. The document is compiled once; Validate is safe for concurrent use.
func Compile(doc map[string]any) (Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	typ, _ := doc["type"].(string)
	return &compiled{schema: s, typ: typ}, nil
}

// MustCompile is Compile for static schema literals; it panics on error.
func MustCompile(doc map[string]any) Validator {
	v, err := Compile(doc)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate implements Validator
func (c *compiled) Validate(value any) error {
	result, err := c.schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return fmt.Errorf("schema validation aborted: %w", err)
	}
	if result.Valid() {
		return nil
	}
	first := result.Errors()[0]
	return &errors.ValidationError{
		Value:   value,
		Message: first.Description(),
	}
}

// Type implements Validator
func (c *compiled) Type() string {
	return c.typ
}

// Str returns a plain string schema.
func Str() Validator {
	return MustCompile(map[string]any{"type": "string"})
}

// Num returns a plain number schema.
func Num() Validator {
	return MustCompile(map[string]any{"type": "number"})
}

// Int returns an integer schema.
func Int() Validator {
	return MustCompile(map[string]any{"type": "integer"})
}

// Bool returns a boolean schema.
func Bool() Validator {
	return MustCompile(map[string]any{"type": "boolean"})
}

// Obj returns an object schema with the given per-property schemas; every
// listed property is required and no others are allowed.
func Obj(props map[string]map[string]any) Validator {
	required := make([]any, 0, len(props))
	properties := make(map[string]any, len(props))
	for name, doc := range props {
		required = append(required, name)
		properties[name] = doc
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return MustCompile(doc)
}

// Arr returns an array schema whose elements match the given document.
func Arr(items map[string]any) Validator {
	return MustCompile(map[string]any{"type": "array", "items": items})
}

// IsNumeric reports whether the validator describes a numeric value.
func IsNumeric(v Validator) bool {
	t := v.Type()
	return t == "number" || t == "integer"
}

// IsString reports whether the validator describes a string value.
func IsString(v Validator) bool {
	return v.Type() == "string"
}
