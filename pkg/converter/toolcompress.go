package converter

import (
	"encoding/json"
	"log"
)

// Oversized tool payloads trigger upstream 500s; compress toward this target.
const (
	toolCompressionTargetSize = 20 * 1024
	minToolDescriptionLength  = 50
)

func toolsSize(tools []Tool) int {
	data, err := json.Marshal(tools)
	if err != nil {
		return 0
	}
	return len(data)
}

// CompressTools shrinks the serialized tool list under the 20 KiB target:
// first by stripping non-essential schema keys, then by proportionally
// truncating descriptions. Lists already under the target pass through.
func CompressTools(tools []Tool) []Tool {
	if len(tools) == 0 {
		return tools
	}
	originalSize := toolsSize(tools)
	if originalSize <= toolCompressionTargetSize {
		return tools
	}
	log.Printf("[converter] tool payload %d bytes exceeds %d, compressing", originalSize, toolCompressionTargetSize)

	compressed := make([]Tool, len(tools))
	for i, t := range tools {
		compressed[i] = t
		compressed[i].ToolSpecification.InputSchema = InputSchema{JSON: simplifySchema(t.ToolSpecification.InputSchema.JSON)}
	}
	size := toolsSize(compressed)
	if size <= toolCompressionTargetSize {
		return compressed
	}

	toReduce := size - toolCompressionTargetSize
	totalDesc := 0
	for _, t := range compressed {
		totalDesc += len(t.ToolSpecification.Description)
	}
	if totalDesc > 0 {
		keepRatio := 1.0 - float64(toReduce)/float64(totalDesc)
		if keepRatio < 0 {
			keepRatio = 0
		}
		for i := range compressed {
			desc := compressed[i].ToolSpecification.Description
			target := int(float64(len(desc)) * keepRatio)
			compressed[i].ToolSpecification.Description = compressDescription(desc, target)
		}
	}
	log.Printf("[converter] tool compression: %d -> %d bytes", originalSize, toolsSize(compressed))
	return compressed
}

// simplifySchema keeps only the structural keys of a JSON schema, recursing
// through properties, items, additionalProperties and the combinators.
func simplifySchema(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	simplified := simplifySchemaValue(v)
	out, err := json.Marshal(simplified)
	if err != nil {
		return raw
	}
	return out
}

func simplifySchemaValue(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	simplified := make(map[string]any)
	for _, key := range []string{"type", "enum", "required"} {
		if val, ok := obj[key]; ok {
			simplified[key] = val
		}
	}
	if props, ok := obj["properties"].(map[string]any); ok {
		simplifiedProps := make(map[string]any, len(props))
		for key, val := range props {
			simplifiedProps[key] = simplifySchemaValue(val)
		}
		simplified["properties"] = simplifiedProps
	}
	if items, ok := obj["items"]; ok {
		simplified["items"] = simplifySchemaValue(items)
	}
	if ap, ok := obj["additionalProperties"]; ok {
		simplified["additionalProperties"] = simplifySchemaValue(ap)
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := obj[key].([]any); ok {
			simplifiedArr := make([]any, len(arr))
			for i, item := range arr {
				simplifiedArr[i] = simplifySchemaValue(item)
			}
			simplified[key] = simplifiedArr
		}
	}
	return simplified
}

// compressDescription truncates to target bytes (never below the minimum),
// appending "..." on a UTF-8 boundary.
func compressDescription(desc string, target int) string {
	if target < minToolDescriptionLength {
		target = minToolDescriptionLength
	}
	if len(desc) <= target {
		return desc
	}
	truncLen := target - 3
	safeLen := 0
	for i, r := range desc {
		if i >= truncLen {
			break
		}
		safeLen = i + len(string(r))
	}
	if safeLen == 0 {
		return truncateRunes(desc, minToolDescriptionLength)
	}
	return desc[:safeLen] + "..."
}
