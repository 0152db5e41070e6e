// Package schema normalizes JSON-Schema tool-parameter fragments for upstream providers:
// stripping fields a provider's schema dialect doesn't understand, and translating the
// whitelisted subset into Gemini's uppercase-type dialect.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// cleanupWhitelist is the set of JSON-Schema keys preserved by CleanupParameters.
// Keys outside this set are dropped, except property names nested directly under a
// "properties" object, which are always preserved regardless of whitelist membership.
var cleanupWhitelist = map[string]bool{
	"type": true, "format": true, "title": true, "description": true, "nullable": true,
	"enum": true, "maxItems": true, "minItems": true, "properties": true, "required": true,
	"minProperties": true, "maxProperties": true, "minLength": true, "maxLength": true,
	"pattern": true, "example": true, "anyOf": true, "propertyOrdering": true, "default": true,
	"items": true, "minimum": true, "maximum": true,
}

// CleanupParameters recursively enforces cleanupWhitelist over a decoded JSON-Schema
// fragment. inProperties is true when this call is processing the direct children of a
// "properties" object, in which case every key is preserved verbatim (they are user-chosen
// property names, not schema keywords).
func CleanupParameters(node any) any {
	return cleanupParameters(node, false)
}

func cleanupParameters(node any, inProperties bool) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if !inProperties && !cleanupWhitelist[key] {
				continue
			}
			out[key] = cleanupParameters(val, key == "properties")
		}
		if !inProperties {
			if t, _ := out["type"].(string); t != "string" {
				delete(out, "enum")
			}
			if t, _ := out["type"].(string); t == "string" {
				if f, ok := out["format"].(string); ok && f != "enum" && f != "date-time" {
					delete(out, "format")
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cleanupParameters(item, false)
		}
		return out
	default:
		return v
	}
}

// geminiTypes is the set of type tokens valid in Gemini's dialect.
var geminiTypes = map[string]bool{
	"TYPE_UNSPECIFIED": true, "STRING": true, "NUMBER": true, "INTEGER": true,
	"BOOLEAN": true, "ARRAY": true, "OBJECT": true, "NULL": true,
}

func upperType(t string) string {
	switch t {
	case "string":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	case "null":
		return "NULL"
	}
	upper := toUpperToken(t)
	if geminiTypes[upper] {
		return upper
	}
	return "TYPE_UNSPECIFIED"
}

func toUpperToken(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// ProcessJSONSchema converts a decoded JSON-Schema fragment into Gemini's dialect:
// uppercase type tokens, anyOf/nullable collapsing, and additionalProperties removal.
// It returns an error if the fragment mixes "type" with "anyOf", or is a lone
// {"type":"null"} with nothing else to fall back on.
func ProcessJSONSchema(node any) (any, error) {
	m, ok := node.(map[string]any)
	if !ok {
		return node, nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	delete(out, "additionalProperties")

	_, hasType := out["type"]
	_, hasAnyOf := out["anyOf"]
	if hasType && hasAnyOf {
		return nil, fmt.Errorf("schema: type and anyOf are mutually exclusive")
	}

	if rawType, ok := out["type"]; ok {
		switch t := rawType.(type) {
		case string:
			if t == "null" {
				return nil, fmt.Errorf("schema: lone type:null has no non-null branch")
			}
			out["type"] = upperType(t)
		case []any:
			delete(out, "type")
			flattened, err := flattenTypeArrayToAnyOf(t, out)
			if err != nil {
				return nil, err
			}
			out = flattened
		}
	}

	if anyOfRaw, ok := out["anyOf"].([]any); ok {
		if collapsed, ok := collapseNullableAnyOf(anyOfRaw, out); ok {
			out = collapsed
		} else {
			processed := make([]any, len(anyOfRaw))
			for i, branch := range anyOfRaw {
				p, err := ProcessJSONSchema(branch)
				if err != nil {
					return nil, err
				}
				processed[i] = p
			}
			out["anyOf"] = processed
		}
	}

	if items, ok := out["items"]; ok {
		p, err := ProcessJSONSchema(items)
		if err != nil {
			return nil, err
		}
		out["items"] = p
	}

	if props, ok := out["properties"].(map[string]any); ok {
		newProps := make(map[string]any, len(props))
		for k, v := range props {
			p, err := ProcessJSONSchema(v)
			if err != nil {
				return nil, err
			}
			newProps[k] = p
		}
		out["properties"] = newProps
	}

	return out, nil
}

// flattenTypeArrayToAnyOf implements the array-of-types -> nullable/anyOf collapsing rule.
func flattenTypeArrayToAnyOf(types []any, base map[string]any) (map[string]any, error) {
	var nonNull []string
	nullable := false
	for _, t := range types {
		s, _ := t.(string)
		if s == "null" {
			nullable = true
			continue
		}
		nonNull = append(nonNull, s)
	}

	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	if nullable {
		out["nullable"] = true
	}

	switch len(nonNull) {
	case 0:
		return nil, fmt.Errorf("schema: type array has no non-null member")
	case 1:
		out["type"] = upperType(nonNull[0])
		return out, nil
	default:
		sort.Strings(nonNull)
		branches := make([]any, len(nonNull))
		for i, t := range nonNull {
			branches[i] = map[string]any{"type": upperType(t)}
		}
		out["anyOf"] = branches
		return out, nil
	}
}

// collapseNullableAnyOf implements "anyOf of exactly two where one branch is {type:null}"
// collapsing to nullable=true plus the other branch, recursively processed.
func collapseNullableAnyOf(branches []any, base map[string]any) (map[string]any, bool) {
	if len(branches) != 2 {
		return nil, false
	}

	var other any
	foundNull := false
	for _, b := range branches {
		bm, ok := b.(map[string]any)
		if !ok {
			return nil, false
		}
		if t, _ := bm["type"].(string); t == "null" && len(bm) == 1 {
			foundNull = true
			continue
		}
		other = b
	}
	if !foundNull || other == nil {
		return nil, false
	}

	processedOther, err := ProcessJSONSchema(other)
	if err != nil {
		return nil, false
	}
	processedMap, ok := processedOther.(map[string]any)
	if !ok {
		return nil, false
	}

	out := make(map[string]any, len(base)+len(processedMap))
	for k, v := range base {
		if k == "anyOf" {
			continue
		}
		out[k] = v
	}
	for k, v := range processedMap {
		out[k] = v
	}
	out["nullable"] = true
	return out, true
}

// TTool rewrites a JSON-encoded Gemini functionDeclarations entry and returns the new bytes: if "parameters" lacks
// a "$schema" key it is run through ProcessJSONSchema; otherwise it is moved to
// "parametersJsonSchema" verbatim and "parameters" is dropped. The same rule applies to
// "response"/"responseJsonSchema". raw is the JSON-encoded tool document.
func TTool(raw []byte) ([]byte, error) {
	out := raw
	var err error
	out, err = tToolField(out, "parameters", "parametersJsonSchema")
	if err != nil {
		return nil, err
	}
	out, err = tToolField(out, "response", "responseJsonSchema")
	if err != nil {
		return nil, err
	}
	return out, nil
}

func tToolField(raw []byte, field, jsonSchemaField string) ([]byte, error) {
	result := gjson.GetBytes(raw, field)
	if !result.Exists() {
		return raw, nil
	}

	if result.Get("$schema").Exists() {
		moved, err := sjson.SetRawBytes(raw, jsonSchemaField, []byte(result.Raw))
		if err != nil {
			return nil, err
		}
		return sjson.DeleteBytes(moved, field)
	}

	var decoded any
	if err := json.Unmarshal([]byte(result.Raw), &decoded); err != nil {
		return nil, err
	}
	processed, err := ProcessJSONSchema(decoded)
	if err != nil {
		return nil, err
	}
	processedRaw, err := json.Marshal(processed)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(raw, field, processedRaw)
}
