package converter

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
)

// The upstream output limit can cut a tool call off mid-JSON. These checks
// classify what arrived so the client can be steered into retrying with
// smaller chunks instead of failing hard.

// TruncationType classifies how a tool input was cut off.
type TruncationType int

const (
	TruncationNone TruncationType = iota
	TruncationEmptyInput
	TruncationInvalidJSON
	TruncationMissingFields
	TruncationIncompleteString
)

// TruncationInfo is the detection result for one tool call.
type TruncationInfo struct {
	IsTruncated  bool
	Type         TruncationType
	ToolName     string
	ToolUseID    string
	RawInput     string
	ParsedFields map[string]string
	ErrorMessage string
}

var writeTools = map[string]bool{
	"Write": true, "write_to_file": true, "fsWrite": true, "create_file": true,
	"edit_file": true, "apply_diff": true, "str_replace_editor": true,
	"insert": true, "Create": true, "Edit": true, "MultiEdit": true,
}

func isWriteTool(name string) bool { return writeTools[name] }

func requiredFields(toolName string) []string {
	switch toolName {
	case "Write", "Create":
		return []string{"file_path", "content"}
	case "write_to_file", "fsWrite", "create_file":
		return []string{"path", "content"}
	case "edit_file", "Edit":
		return []string{"file_path", "old_str", "new_str"}
	case "apply_diff":
		return []string{"path", "diff"}
	case "str_replace_editor":
		return []string{"path", "old_str", "new_str"}
	case "Bash", "Execute", "execute", "run_command":
		return []string{"command"}
	case "Read":
		return []string{"file_path"}
	case "Grep":
		return []string{"pattern"}
	case "Glob":
		return []string{"patterns"}
	}
	return nil
}

// DetectTruncation inspects the accumulated raw input of a completed tool
// call. parsedInput is the unmarshaled object when parsing succeeded, nil
// otherwise.
func DetectTruncation(toolName, toolUseID, rawInput string, parsedInput map[string]any) TruncationInfo {
	info := TruncationInfo{
		Type:         TruncationNone,
		ToolName:     toolName,
		ToolUseID:    toolUseID,
		RawInput:     rawInput,
		ParsedFields: map[string]string{},
	}

	if strings.TrimSpace(rawInput) == "" {
		info.IsTruncated = true
		info.Type = TruncationEmptyInput
		info.ErrorMessage = "Tool input was completely empty - API response may have been truncated"
		log.Printf("[converter] truncation detected [empty_input] tool=%s id=%s", toolName, toolUseID)
		return info
	}

	if len(parsedInput) == 0 && looksLikeTruncatedJSON(rawInput) {
		info.IsTruncated = true
		info.Type = TruncationInvalidJSON
		info.ParsedFields = extractPartialFields(rawInput)
		info.ErrorMessage = fmt.Sprintf("Tool input JSON was truncated mid-transmission (%d bytes received)", len(rawInput))
		log.Printf("[converter] truncation detected [invalid_json] tool=%s id=%s raw_len=%d", toolName, toolUseID, len(rawInput))
		return info
	}

	if len(parsedInput) > 0 {
		if required := requiredFields(toolName); required != nil {
			var missing []string
			for _, f := range required {
				if _, ok := parsedInput[f]; !ok {
					missing = append(missing, f)
				}
			}
			if len(missing) > 0 {
				info.IsTruncated = true
				info.Type = TruncationMissingFields
				info.ParsedFields = parsedFieldNames(parsedInput)
				info.ErrorMessage = fmt.Sprintf("Tool '%s' missing required fields: %s", toolName, strings.Join(missing, ", "))
				log.Printf("[converter] truncation detected [missing_fields] tool=%s id=%s missing=%v", toolName, toolUseID, missing)
				return info
			}
		}
		if isWriteTool(toolName) {
			if msg := detectContentTruncation(parsedInput, rawInput); msg != "" {
				info.IsTruncated = true
				info.Type = TruncationIncompleteString
				info.ParsedFields = parsedFieldNames(parsedInput)
				info.ErrorMessage = msg
				log.Printf("[converter] truncation detected [incomplete_string] tool=%s id=%s: %s", toolName, toolUseID, msg)
				return info
			}
		}
	}
	return info
}

// looksLikeTruncatedJSON applies cheap syntax heuristics: unbalanced
// brackets, a trailing quote/colon/comma, or an unclosed string.
func looksLikeTruncatedJSON(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return false
	}
	if strings.Count(trimmed, "{") > strings.Count(trimmed, "}") ||
		strings.Count(trimmed, "[") > strings.Count(trimmed, "]") {
		return true
	}
	last := trimmed[len(trimmed)-1]
	if last != '}' && last != ']' && (last == '"' || last == ':' || last == ',') {
		return true
	}
	inString := false
	escaped := false
	for i := 0; i < len(trimmed); i++ {
		b := trimmed[i]
		if escaped {
			escaped = false
			continue
		}
		if b == '\\' {
			escaped = true
			continue
		}
		if b == '"' {
			inString = !inString
		}
	}
	return inString
}

// extractPartialFields scrapes key/value fragments out of malformed JSON for
// the soft-failure context line.
func extractPartialFields(raw string) map[string]string {
	fields := make(map[string]string)
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "{")
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		colon := strings.Index(part, ":")
		if colon < 0 {
			continue
		}
		key := strings.Trim(strings.TrimSpace(part[:colon]), `"`)
		value := strings.TrimSpace(part[colon+1:])
		if len(value) > 50 {
			value = truncateRunes(value, 50) + "..."
		}
		fields[key] = value
	}
	return fields
}

func parsedFieldNames(obj map[string]any) map[string]string {
	fields := make(map[string]string, len(obj))
	for key, val := range obj {
		switch v := val.(type) {
		case string:
			if len(v) > 50 {
				fields[key] = truncateRunes(v, 50) + "..."
			} else {
				fields[key] = v
			}
		case nil:
			fields[key] = "<null>"
		default:
			fields[key] = "<present>"
		}
	}
	return fields
}

func detectContentTruncation(obj map[string]any, rawInput string) string {
	content, ok := obj["content"].(string)
	if !ok {
		return ""
	}
	if len(rawInput) > 1000 && len(content) < 100 {
		return "content field appears suspiciously short compared to raw input size"
	}
	if strings.Count(content, "```")%2 != 0 {
		return "content contains unclosed code fence (```) suggesting truncation"
	}
	return ""
}

// BuildSoftFailureResult formats the tool_result text that nudges the client
// into chunked retries.
func BuildSoftFailureResult(info TruncationInfo) string {
	var maxLineHint int
	var reason string
	switch info.Type {
	case TruncationEmptyInput:
		maxLineHint = 200
		reason = "Your tool call was too large and the input was completely lost during transmission."
	case TruncationInvalidJSON:
		maxLineHint = 250
		reason = "Your tool call was truncated mid-transmission, resulting in incomplete JSON."
	case TruncationMissingFields:
		maxLineHint = 300
		reason = "Your tool call was partially received but critical fields were cut off."
	case TruncationIncompleteString:
		maxLineHint = 350
		reason = "Your tool call content was truncated - the full content did not arrive."
	default:
		maxLineHint = 300
		reason = "Your tool call was truncated by the API due to output size limits."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "TOOL_CALL_INCOMPLETE\nstatus: incomplete\nreason: %s\n", reason)

	if len(info.ParsedFields) > 0 {
		keys := make([]string, 0, len(info.ParsedFields))
		for k := range info.ParsedFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			v := info.ParsedFields[k]
			if len(v) > 30 {
				v = truncateRunes(v, 30) + "..."
			}
			parts = append(parts, k+"="+v)
		}
		fmt.Fprintf(&sb, "context: Received partial data: %s\n", strings.Join(parts, ", "))
	}

	fmt.Fprintf(&sb, "\nCONCLUSION: Split your output into smaller chunks and retry.\n"+
		"\n"+
		"REQUIRED APPROACH:\n"+
		"1. For file writes: Write in chunks of ~%d lines maximum\n"+
		"2. For new files: First create with initial chunk, then append remaining sections\n"+
		"3. For edits: Make surgical, targeted changes - avoid rewriting entire files\n"+
		"\n"+
		"DO NOT attempt to write the full content again in a single call.\n"+
		"The API has a hard output limit that cannot be bypassed.\n", maxLineHint)

	return sb.String()
}

// ParseToolInput tries to unmarshal accumulated tool input into an object.
func ParseToolInput(raw string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
