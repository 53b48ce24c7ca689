// Package expr assembles update and condition expressions with placeholder
// substitution for attribute names and values.
package expr

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Builder accumulates expression fragments and hands out placeholders.
// Attribute names are always aliased (#n0, #n1, ...) so reserved words never
// need special casing; values bind as :v0, :v1, ...
type Builder struct {
	names      map[string]string
	nameOrder  []string
	values     map[string]types.AttributeValue
	sets       []string
	removes    []string
	conditions []string
	valueSeq   int
}

// NewBuilder creates an empty expression builder.
func NewBuilder() *Builder {
	return &Builder{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

// Name returns the placeholder for an attribute name, registering it on
// first use.
func (b *Builder) Name(attr string) string {
	if ph, ok := b.names[attr]; ok {
		return ph
	}
	ph := fmt.Sprintf("#n%d", len(b.nameOrder))
	b.names[attr] = ph
	b.nameOrder = append(b.nameOrder, attr)
	return ph
}

// Value registers a bound value and returns its placeholder.
func (b *Builder) Value(av types.AttributeValue) string {
	ph := fmt.Sprintf(":v%d", b.valueSeq)
	b.valueSeq++
	b.values[ph] = av
	return ph
}

// Set appends a SET fragment assigning the value placeholder to the attribute.
func (b *Builder) Set(attr string, av types.AttributeValue) {
	b.sets = append(b.sets, fmt.Sprintf("%s = %s", b.Name(attr), b.Value(av)))
}

// Add appends a SET fragment of the form "a = a + :v" for numeric deltas.
func (b *Builder) Add(attr string, av types.AttributeValue) {
	ph := b.Name(attr)
	b.sets = append(b.sets, fmt.Sprintf("%s = %s + %s", ph, ph, b.Value(av)))
}

// Remove appends a REMOVE fragment for the attribute.
func (b *Builder) Remove(attr string) {
	b.removes = append(b.removes, b.Name(attr))
}

// ConditionEquals appends an equality condition on the attribute.
func (b *Builder) ConditionEquals(attr string, av types.AttributeValue) {
	b.conditions = append(b.conditions, fmt.Sprintf("%s = %s", b.Name(attr), b.Value(av)))
}

// ConditionExists appends an attribute_exists condition.
func (b *Builder) ConditionExists(attr string) {
	b.conditions = append(b.conditions, fmt.Sprintf("attribute_exists(%s)", b.Name(attr)))
}

// ConditionNotExists appends an attribute_not_exists condition.
func (b *Builder) ConditionNotExists(attr string) {
	b.conditions = append(b.conditions, fmt.Sprintf("attribute_not_exists(%s)", b.Name(attr)))
}

// ConditionRaw appends a pre-assembled condition fragment. The fragment must
// only reference placeholders issued by this builder.
func (b *Builder) ConditionRaw(fragment string) {
	b.conditions = append(b.conditions, fragment)
}

// OrGroup combines pre-assembled fragments into a parenthesized disjunction.
func OrGroup(fragments ...string) string {
	return "(" + strings.Join(fragments, " OR ") + ")"
}

// AndGroup combines pre-assembled fragments into a parenthesized conjunction.
// A single fragment is returned as is, without parentheses.
func AndGroup(fragments ...string) string {
	if len(fragments) == 1 {
		return fragments[0]
	}
	return "(" + strings.Join(fragments, " AND ") + ")"
}

// EqualsFragment renders an equality predicate without recording it as a
// top-level condition, for use inside OrGroup/AndGroup.
func (b *Builder) EqualsFragment(attr string, av types.AttributeValue) string {
	return fmt.Sprintf("%s = %s", b.Name(attr), b.Value(av))
}

// NotExistsFragment renders an attribute_not_exists predicate without
// recording it.
func (b *Builder) NotExistsFragment(attr string) string {
	return fmt.Sprintf("attribute_not_exists(%s)", b.Name(attr))
}

// CompareFragment renders a comparison predicate (=, <, <=, >, >=) without
// recording it.
func (b *Builder) CompareFragment(attr, op string, av types.AttributeValue) string {
	return fmt.Sprintf("%s %s %s", b.Name(attr), op, b.Value(av))
}

// BeginsWithFragment renders a begins_with predicate without recording it.
func (b *Builder) BeginsWithFragment(attr string, av types.AttributeValue) string {
	return fmt.Sprintf("begins_with(%s, %s)", b.Name(attr), b.Value(av))
}

// BetweenFragment renders a BETWEEN predicate without recording it.
func (b *Builder) BetweenFragment(attr string, lo, hi types.AttributeValue) string {
	return fmt.Sprintf("%s BETWEEN %s AND %s", b.Name(attr), b.Value(lo), b.Value(hi))
}

// HasUpdates reports whether any SET or REMOVE fragment was recorded.
func (b *Builder) HasUpdates() bool {
	return len(b.sets) > 0 || len(b.removes) > 0
}

// HasConditions reports whether any condition fragment was recorded.
func (b *Builder) HasConditions() bool {
	return len(b.conditions) > 0
}

// UpdateExpression renders the accumulated SET and REMOVE clauses.
func (b *Builder) UpdateExpression() string {
	var parts []string
	if len(b.sets) > 0 {
		parts = append(parts, "SET "+strings.Join(b.sets, ", "))
	}
	if len(b.removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(b.removes, ", "))
	}
	return strings.Join(parts, " ")
}

// ConditionExpression renders the accumulated conditions joined with AND.
func (b *Builder) ConditionExpression() string {
	return strings.Join(b.conditions, " AND ")
}

// Names returns the placeholder-to-attribute-name mapping in SDK orientation
// (placeholder as the map key).
func (b *Builder) Names() map[string]string {
	if len(b.names) == 0 {
		return nil
	}
	out := make(map[string]string, len(b.names))
	for attr, ph := range b.names {
		out[ph] = attr
	}
	return out
}

// Values returns the bound values keyed by placeholder.
func (b *Builder) Values() map[string]types.AttributeValue {
	if len(b.values) == 0 {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(b.values))
	for ph, av := range b.values {
		out[ph] = av
	}
	return out
}
