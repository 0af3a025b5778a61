package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
)

// FieldType is the type of an argument.
type FieldType string

// Argument types.
const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	// TypeDate is a calendar day, YYYY-MM-DD.
	TypeDate FieldType = "date"
	// TypeIntegerList is a non-empty array of integers. Min and Max bound
	// each element.
	TypeIntegerList FieldType = "integer_list"
)

// DateLayout is the wire layout of date arguments.
const DateLayout = "2006-01-02"

// Field is one named argument in a tool's input schema.
type Field struct {
	Name        string
	Type        FieldType
	Required    bool
	Description string
	// Enum restricts string values.
	Enum []string
	// Min and Max bound integer values when non-nil.
	Min *int
	Max *int
}

// Bound returns a pointer to n, for Field.Min and Field.Max.
func Bound(n int) *int { return &n }

func checkSchema(fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("field without a name")
		}
		if seen[f.Name] {
			return fmt.Errorf("field %q declared twice", f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case TypeString, TypeInteger, TypeBoolean, TypeDate, TypeIntegerList:
		default:
			return fmt.Errorf("field %q has unknown type %q", f.Name, f.Type)
		}
		if len(f.Enum) > 0 && f.Type != TypeString {
			return fmt.Errorf("field %q: enum is only valid on strings", f.Name)
		}
	}
	return nil
}

// Parameters renders the schema as a JSON Schema object, the form LLM
// function-calling APIs expect.
func (d Descriptor) Parameters() map[string]any {
	props := make(map[string]any, len(d.Schema))
	required := []string{}
	for _, f := range d.Schema {
		p := map[string]any{"type": string(f.Type)}
		bounded := p
		switch f.Type {
		case TypeDate:
			p["type"] = "string"
			p["format"] = "date"
		case TypeIntegerList:
			bounded = map[string]any{"type": "integer"}
			p["type"] = "array"
			p["items"] = bounded
			p["minItems"] = 1
		}
		if f.Description != "" {
			p["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			p["enum"] = f.Enum
		}
		if f.Min != nil {
			bounded["minimum"] = *f.Min
		}
		if f.Max != nil {
			bounded["maximum"] = *f.Max
		}
		props[f.Name] = p
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// validate checks raw against the schema and returns normalized
// arguments: integers as int, integer lists as []int, booleans as bool,
// dates as time.Time.
// Null values count as absent.
func validate(schema []Field, raw map[string]any) (Args, error) {
	var problems []string
	for name := range raw {
		if !slices.ContainsFunc(schema, func(f Field) bool { return f.Name == name }) {
			problems = append(problems, fmt.Sprintf("unknown field %q", name))
		}
	}

	args := make(Args, len(schema))
	for _, f := range schema {
		v, present := raw[f.Name]
		if !present || v == nil {
			if f.Required {
				problems = append(problems, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		norm, err := coerce(f, v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", f.Name, err))
			continue
		}
		args[f.Name] = norm
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return nil, apperr.New(apperr.KindInvalidArguments, "tools.validate", "%s", strings.Join(problems, "; "))
	}
	return args, nil
}

func coerce(f Field, v any) (any, error) {
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %s", describe(v))
		}
		s = strings.TrimSpace(s)
		if f.Required && s == "" {
			return nil, fmt.Errorf("must not be empty")
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(f.Enum, ", "))
		}
		return s, nil

	case TypeInteger:
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		return n, checkBounds(f, n)

	case TypeIntegerList:
		var items []any
		switch l := v.(type) {
		case []any:
			items = l
		case string:
			// Models sometimes send "1, 2, 3".
			for _, part := range strings.Split(l, ",") {
				if part = strings.TrimSpace(part); part != "" {
					items = append(items, part)
				}
			}
		default:
			items = []any{v}
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("must list at least one integer")
		}
		out := make([]int, 0, len(items))
		for i, item := range items {
			n, err := toInt(item)
			if err == nil {
				err = checkBounds(f, n)
			}
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, n)
		}
		return out, nil

	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("want boolean, got %q", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("want boolean, got %s", describe(v))

	case TypeDate:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want date string, got %s", describe(v))
		}
		s = strings.TrimSpace(s)
		if t, err := time.Parse(DateLayout, s); err == nil {
			return t, nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		return nil, fmt.Errorf("%q is not a YYYY-MM-DD date", s)
	}
	return nil, fmt.Errorf("unsupported type %q", f.Type)
}

func checkBounds(f Field, n int) error {
	if f.Min != nil && n < *f.Min {
		return fmt.Errorf("%d is below the minimum %d", n, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return fmt.Errorf("%d is above the maximum %d", n, *f.Max)
	}
	return nil
}

// toInt accepts the shapes an integer takes after a trip through
// JSON: float64 with no fraction, json.Number, or a numeric string.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("want integer, got %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("want integer, got %s", n)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("want integer, got %q", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("want integer, got %s", describe(v))
}

func describe(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// Args holds validated, normalized arguments.
type Args map[string]any

// Has reports whether name was supplied.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// String returns a string argument, or "" when absent.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns an integer argument, or 0 when absent.
func (a Args) Int(name string) int {
	n, _ := a[name].(int)
	return n
}

// Ints returns an integer list argument, or nil when absent.
func (a Args) Ints(name string) []int {
	l, _ := a[name].([]int)
	return l
}

// Bool returns a boolean argument, or def when absent.
func (a Args) Bool(name string, def bool) bool {
	b, ok := a[name].(bool)
	if !ok {
		return def
	}
	return b
}

// Date returns a date argument, or the zero time when absent.
func (a Args) Date(name string) time.Time {
	t, _ := a[name].(time.Time)
	return t
}
