package testing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/txtheory/pkg/core"
)

// evalCondition interprets the condition-expression subset the mapper
// generates: attribute_exists / attribute_not_exists / begins_with,
// comparisons, BETWEEN, and AND/OR groups. An empty expression holds.
func evalCondition(cond string, row core.Item, names map[string]string, values core.Item) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true
	}
	for _, part := range splitTopLevel(cond, " AND ") {
		if !evalFragment(part, row, names, values) {
			return false
		}
	}
	return true
}

func evalFragment(frag string, row core.Item, names map[string]string, values core.Item) bool {
	frag = strings.TrimSpace(frag)
	switch {
	case strings.HasPrefix(frag, "(") && strings.HasSuffix(frag, ")") && balanced(frag[1:len(frag)-1]):
		inner := frag[1 : len(frag)-1]
		ors := splitTopLevel(inner, " OR ")
		if len(ors) > 1 {
			for _, alt := range ors {
				if evalCondition(alt, row, names, values) {
					return true
				}
			}
			return false
		}
		return evalCondition(inner, row, names, values)

	case strings.HasPrefix(frag, "attribute_not_exists("):
		attr := resolveName(frag[len("attribute_not_exists("):len(frag)-1], names)
		_, exists := row[attr]
		return row == nil || !exists

	case strings.HasPrefix(frag, "attribute_exists("):
		attr := resolveName(frag[len("attribute_exists("):len(frag)-1], names)
		_, exists := row[attr]
		return exists

	case strings.HasPrefix(frag, "begins_with("):
		args := strings.SplitN(frag[len("begins_with("):len(frag)-1], ",", 2)
		attr := resolveName(strings.TrimSpace(args[0]), names)
		prefix := stringValue(values[strings.TrimSpace(args[1])])
		return strings.HasPrefix(stringValue(row[attr]), prefix)

	case strings.Contains(frag, " BETWEEN "):
		rest := strings.SplitN(frag, " BETWEEN ", 2)
		attr := resolveName(strings.TrimSpace(rest[0]), names)
		bounds := strings.SplitN(rest[1], " AND ", 2)
		value, ok := row[attr]
		if !ok {
			return false
		}
		lo := values[strings.TrimSpace(bounds[0])]
		hi := values[strings.TrimSpace(bounds[1])]
		return compareValues(value, lo) >= 0 && compareValues(value, hi) <= 0

	default:
		return evalComparison(frag, row, names, values)
	}
}

func evalComparison(frag string, row core.Item, names map[string]string, values core.Item) bool {
	for _, op := range []string{"<=", ">=", "=", "<", ">"} {
		left, right, ok := strings.Cut(frag, " "+op+" ")
		if !ok {
			continue
		}
		attr := resolveName(strings.TrimSpace(left), names)
		value, exists := row[attr]
		if !exists {
			return false
		}
		bound := values[strings.TrimSpace(right)]
		switch op {
		case "=":
			return equalValues(value, bound)
		case "<":
			return compareValues(value, bound) < 0
		case "<=":
			return compareValues(value, bound) <= 0
		case ">":
			return compareValues(value, bound) > 0
		case ">=":
			return compareValues(value, bound) >= 0
		}
	}
	return false
}

// splitTopLevel splits on a separator outside parentheses, keeping the AND
// of a BETWEEN clause attached to its fragment.
func splitTopLevel(s, sep string) []string {
	var parts []string
	depth := 0
	last := 0
	for i := 0; i+len(sep) <= len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && s[i:i+len(sep)] == sep {
			parts = append(parts, s[last:i])
			last = i + len(sep)
			i += len(sep) - 1
		}
	}
	parts = append(parts, s[last:])

	if sep == " AND " {
		merged := make([]string, 0, len(parts))
		for _, part := range parts {
			if len(merged) > 0 && strings.Contains(merged[len(merged)-1], " BETWEEN ") &&
				!strings.Contains(merged[len(merged)-1], " AND ") {
				merged[len(merged)-1] += " AND " + part
				continue
			}
			merged = append(merged, part)
		}
		return merged
	}
	return parts
}

func balanced(s string) bool {
	depth := 0
	for _, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func resolveName(token string, names map[string]string) string {
	token = strings.TrimSpace(token)
	if attr, ok := names[token]; ok {
		return attr
	}
	return token
}

// applyUpdateExpression interprets "SET a = :v, b = b + :v REMOVE c" update
// expressions against a row in place.
func applyUpdateExpression(row core.Item, update string, names map[string]string, values core.Item) error {
	update = strings.TrimSpace(update)
	if update == "" {
		return nil
	}

	setPart, removePart := "", ""
	if idx := strings.Index(update, "REMOVE "); idx >= 0 {
		removePart = strings.TrimSpace(update[idx+len("REMOVE "):])
		update = strings.TrimSpace(update[:idx])
	}
	if strings.HasPrefix(update, "SET ") {
		setPart = strings.TrimSpace(update[len("SET "):])
	}

	if setPart != "" {
		for _, clause := range strings.Split(setPart, ", ") {
			left, right, ok := strings.Cut(clause, " = ")
			if !ok {
				return fmt.Errorf("malformed SET clause %q", clause)
			}
			attr := resolveName(left, names)
			if addLeft, addRight, isAdd := strings.Cut(right, " + "); isAdd {
				baseAttr := resolveName(strings.TrimSpace(addLeft), names)
				base, ok := row[baseAttr].(*types.AttributeValueMemberN)
				if !ok {
					return fmt.Errorf("cannot add to non-numeric attribute %s", baseAttr)
				}
				delta, ok := values[strings.TrimSpace(addRight)].(*types.AttributeValueMemberN)
				if !ok {
					return fmt.Errorf("non-numeric delta in %q", clause)
				}
				bf, _ := strconv.ParseFloat(base.Value, 64)
				df, _ := strconv.ParseFloat(delta.Value, 64)
				row[attr] = &types.AttributeValueMemberN{Value: formatNumber(bf + df)}
				continue
			}
			row[attr] = cloneValue(values[strings.TrimSpace(right)])
		}
	}
	if removePart != "" {
		for _, name := range strings.Split(removePart, ", ") {
			delete(row, resolveName(name, names))
		}
	}
	return nil
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
