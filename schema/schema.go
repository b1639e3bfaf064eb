// Package schema normalizes JSON-Schema documents harvested from downstream
// MCP tools into TypedSchema, the orchestrator's internal structural IR, and
// scores structural compatibility between two TypedSchema values.
package schema

import (
	"sort"
)

// Kind tags the variant of a TypedSchema node.
type Kind int

const (
	Any Kind = iota
	Null
	String
	Integer
	Number
	Boolean
	Array
	Object
	Union
	Enum
)

// Format constrains a String TypedSchema to a known string family.
type Format string

const (
	FormatNone     Format = ""
	FormatEmail    Format = "email"
	FormatURI      Format = "uri"
	FormatDate     Format = "date"
	FormatDateTime Format = "date-time"
)

// TypedSchema is the structural IR described in spec §3. Only the fields
// relevant to Kind are populated; callers should not rely on zero values of
// unrelated fields.
type TypedSchema struct {
	Kind Kind

	// Array
	Elem *TypedSchema

	// Object
	Properties        map[string]*TypedSchema
	Required          map[string]struct{}
	AdditionalAllowed bool

	// Union
	Variants []*TypedSchema

	// Enum
	EnumValues []any

	// String
	Format Format
}

// Normalize walks a decoded JSON-Schema document (as produced by
// encoding/json.Unmarshal into map[string]any, the shape every discovered
// tool's inputSchema/outputSchema arrives in) and produces a TypedSchema per
// the rules in spec §4.C. Unrecognized shapes collapse to Any.
func Normalize(doc map[string]any) *TypedSchema {
	if doc == nil {
		return &TypedSchema{Kind: Any}
	}

	if enumVals, ok := doc["enum"].([]any); ok && len(enumVals) > 0 {
		return &TypedSchema{Kind: Enum, EnumValues: enumVals}
	}

	if variants, ok := anyOfOneOf(doc); ok {
		out := make([]*TypedSchema, 0, len(variants))
		for _, v := range variants {
			if m, ok := v.(map[string]any); ok {
				out = append(out, Normalize(m))
			} else {
				out = append(out, &TypedSchema{Kind: Any})
			}
		}
		return &TypedSchema{Kind: Union, Variants: out}
	}

	switch t := doc["type"].(type) {
	case []any:
		out := make([]*TypedSchema, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				sub := map[string]any{"type": s}
				copyNonTypeFields(doc, sub)
				out = append(out, Normalize(sub))
			}
		}
		return &TypedSchema{Kind: Union, Variants: out}
	case string:
		return normalizeScalarOrContainer(t, doc)
	}

	// No `type` but `properties` present implies an implicit object schema.
	if _, hasProps := doc["properties"]; hasProps {
		return normalizeObject(doc)
	}

	return &TypedSchema{Kind: Any}
}

func normalizeScalarOrContainer(t string, doc map[string]any) *TypedSchema {
	switch t {
	case "null":
		return &TypedSchema{Kind: Null}
	case "string":
		return &TypedSchema{Kind: String, Format: stringFormat(doc)}
	case "integer":
		return &TypedSchema{Kind: Integer}
	case "number":
		return &TypedSchema{Kind: Number}
	case "boolean":
		return &TypedSchema{Kind: Boolean}
	case "array":
		items, _ := doc["items"].(map[string]any)
		return &TypedSchema{Kind: Array, Elem: Normalize(items)}
	case "object":
		return normalizeObject(doc)
	default:
		return &TypedSchema{Kind: Any}
	}
}

func normalizeObject(doc map[string]any) *TypedSchema {
	props := map[string]*TypedSchema{}
	if rawProps, ok := doc["properties"].(map[string]any); ok {
		for name, rawSub := range rawProps {
			if sub, ok := rawSub.(map[string]any); ok {
				props[name] = Normalize(sub)
			} else {
				props[name] = &TypedSchema{Kind: Any}
			}
		}
	}
	required := map[string]struct{}{}
	if rawReq, ok := doc["required"].([]any); ok {
		for _, r := range rawReq {
			if s, ok := r.(string); ok {
				required[s] = struct{}{}
			}
		}
	}
	additionalAllowed := true
	if v, ok := doc["additionalProperties"]; ok {
		if b, ok := v.(bool); ok {
			additionalAllowed = b
		}
	}
	return &TypedSchema{
		Kind:              Object,
		Properties:        props,
		Required:          required,
		AdditionalAllowed: additionalAllowed,
	}
}

func stringFormat(doc map[string]any) Format {
	f, _ := doc["format"].(string)
	switch Format(f) {
	case FormatEmail, FormatURI, FormatDate, FormatDateTime:
		return Format(f)
	default:
		return FormatNone
	}
}

func anyOfOneOf(doc map[string]any) ([]any, bool) {
	if v, ok := doc["anyOf"].([]any); ok && len(v) > 0 {
		return v, true
	}
	if v, ok := doc["oneOf"].([]any); ok && len(v) > 0 {
		return v, true
	}
	return nil, false
}

// copyNonTypeFields carries sibling keywords (format, properties, items,
// etc.) onto a synthetic single-type schema produced when splitting a
// `type: [a, b, ...]` union into its member schemas.
func copyNonTypeFields(src, dst map[string]any) {
	for k, v := range src {
		if k == "type" {
			continue
		}
		dst[k] = v
	}
}

// Compatibility scores how well a value of shape `from` can feed into a slot
// of shape `to`, per the table in spec §4.C.
func Compatibility(from, to *TypedSchema) float64 {
	if from == nil || to == nil {
		return 0
	}
	if from.Kind == Any || to.Kind == Any {
		return 0.7
	}
	if from.Kind == to.Kind {
		switch from.Kind {
		case Array:
			return Compatibility(from.Elem, to.Elem)
		case Object:
			return objectCompatibility(from, to)
		case String:
			if from.Format != to.Format {
				return 0.8
			}
			return 1.0
		default:
			return 1.0
		}
	}
	if isNumericPair(from.Kind, to.Kind) {
		return 0.9
	}
	if isStringFamily(from) && isStringFamily(to) {
		return 0.8
	}
	return 0.0
}

func isNumericPair(a, b Kind) bool {
	return (a == Number && b == Integer) || (a == Integer && b == Number)
}

func isStringFamily(t *TypedSchema) bool {
	return t.Kind == String
}

// objectCompatibility averages Compatibility over fields present in both
// objects; returns 0 if there is no field overlap.
func objectCompatibility(from, to *TypedSchema) float64 {
	names := make([]string, 0, len(from.Properties))
	for name := range from.Properties {
		if _, ok := to.Properties[name]; ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return 0
	}
	sort.Strings(names) // deterministic summation order
	var sum float64
	for _, name := range names {
		sum += Compatibility(from.Properties[name], to.Properties[name])
	}
	return sum / float64(len(names))
}
