package rpc

import (
	"fmt"
	"regexp"
	"strings"
)

// Schemas are carried as data so one generic validator covers every
// method: each method declares its field specs and the dispatcher
// rejects bad params with the full violation list before any handler
// logic runs.

// FieldType is the wire type a schema field accepts.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeBytes32    FieldType = "bytes32"    // 0x + 64 hex chars
	TypeAddress    FieldType = "address"    // 0x + 40 hex chars
	TypeIdentifier FieldType = "identifier" // vec1...
	TypeAmount     FieldType = "amount"     // decimal string
	TypeUint       FieldType = "uint"       // JSON number, non-negative
	TypeBool       FieldType = "bool"
	TypeObject     FieldType = "object"
	TypeArray      FieldType = "array"
)

var (
	reBytes32    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	reAddress    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	reAmount     = regexp.MustCompile(`^[0-9]+$`)
	reIdentifier = regexp.MustCompile(`^vec1[a-z0-9]+$`)
)

// Field is one schema entry.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema is a method's parameter specification.
type Schema struct {
	Fields []Field
}

// Validate checks a params object and returns the violation list.
func (s Schema) Validate(params map[string]any) []string {
	var violations []string
	known := make(map[string]struct{}, len(s.Fields))
	for _, field := range s.Fields {
		known[field.Name] = struct{}{}
		value, present := params[field.Name]
		if !present || value == nil {
			if field.Required {
				violations = append(violations, fmt.Sprintf("%s: required", field.Name))
			}
			continue
		}
		if msg := checkType(field, value); msg != "" {
			violations = append(violations, fmt.Sprintf("%s: %s", field.Name, msg))
		}
	}
	for key := range params {
		if _, ok := known[key]; !ok {
			violations = append(violations, fmt.Sprintf("%s: unknown field", key))
		}
	}
	return violations
}

func checkType(field Field, value any) string {
	switch field.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return "must be a string"
		}
	case TypeBytes32:
		s, ok := value.(string)
		if !ok || !reBytes32.MatchString(s) {
			return "must be a 0x-prefixed 32-byte hex string"
		}
	case TypeAddress:
		s, ok := value.(string)
		if !ok || !reAddress.MatchString(s) {
			return "must be a 0x-prefixed 20-byte hex string"
		}
	case TypeIdentifier:
		s, ok := value.(string)
		if !ok || !reIdentifier.MatchString(strings.ToLower(s)) {
			return "must be a vec1... public identifier"
		}
	case TypeAmount:
		s, ok := value.(string)
		if !ok || !reAmount.MatchString(s) {
			return "must be a decimal string"
		}
	case TypeUint:
		f, ok := value.(float64)
		if !ok || f < 0 || f != float64(uint64(f)) {
			return "must be a non-negative integer"
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case TypeObject:
		if _, ok := value.(map[string]any); !ok {
			return "must be an object"
		}
	case TypeArray:
		if _, ok := value.([]any); !ok {
			return "must be an array"
		}
	}
	return ""
}
