package converter

import (
	"encoding/json"
	"strings"
	"testing"
)

func makeTool(name, desc string, schema string) Tool {
	return Tool{ToolSpecification: ToolSpecification{
		Name:        name,
		Description: desc,
		InputSchema: InputSchema{JSON: json.RawMessage(schema)},
	}}
}

func TestCompressToolsPassThroughUnderTarget(t *testing.T) {
	tools := []Tool{makeTool("small", "a small tool", `{"type":"object"}`)}
	out := CompressTools(tools)
	if out[0].ToolSpecification.Description != "a small tool" {
		t.Errorf("small tool list was modified: %+v", out)
	}
}

func TestCompressToolsSimplifiesSchemas(t *testing.T) {
	schema := `{"type":"object","title":"big","description":"` + strings.Repeat("x", 25000) + `","properties":{"a":{"type":"string","description":"inner","enum":["1","2"]}},"required":["a"]}`
	tools := []Tool{makeTool("big", "short desc", schema)}
	out := CompressTools(tools)

	var obj map[string]any
	if err := json.Unmarshal(out[0].ToolSpecification.InputSchema.JSON, &obj); err != nil {
		t.Fatalf("unmarshal simplified schema: %v", err)
	}
	if _, ok := obj["title"]; ok {
		t.Errorf("title survived simplification")
	}
	if _, ok := obj["description"]; ok {
		t.Errorf("description survived simplification")
	}
	props, _ := obj["properties"].(map[string]any)
	inner, _ := props["a"].(map[string]any)
	if inner["type"] != "string" {
		t.Errorf("nested type lost: %v", inner)
	}
	if _, ok := inner["enum"]; !ok {
		t.Errorf("nested enum lost: %v", inner)
	}
	if _, ok := inner["description"]; ok {
		t.Errorf("nested description survived: %v", inner)
	}
	if toolsSize(out) > toolCompressionTargetSize {
		t.Errorf("still oversized after schema simplification: %d", toolsSize(out))
	}
}

func TestCompressToolsTruncatesDescriptions(t *testing.T) {
	// Schemas are already minimal, so the only fat is in descriptions.
	tools := []Tool{
		makeTool("a", strings.Repeat("a", 15000), `{"type":"object"}`),
		makeTool("b", strings.Repeat("b", 15000), `{"type":"object"}`),
	}
	out := CompressTools(tools)
	for _, tool := range out {
		desc := tool.ToolSpecification.Description
		if len(desc) >= 15000 {
			t.Errorf("description not truncated: %d bytes", len(desc))
		}
		if len(desc) < minToolDescriptionLength {
			t.Errorf("description below minimum: %d bytes", len(desc))
		}
		if !strings.HasSuffix(desc, "...") {
			t.Errorf("truncated description missing ellipsis")
		}
	}
}

func TestCompressDescriptionUTF8Boundary(t *testing.T) {
	desc := strings.Repeat("é", 200)
	got := compressDescription(desc, 101)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("missing ellipsis: %q", got)
	}
	trimmed := strings.TrimSuffix(got, "...")
	for _, r := range trimmed {
		if r != 'é' {
			t.Fatalf("split a multi-byte rune: %q", got)
		}
	}
}

func TestCompressDescriptionRespectsMinimum(t *testing.T) {
	desc := strings.Repeat("z", 500)
	got := compressDescription(desc, 10)
	if len(got) < minToolDescriptionLength {
		t.Errorf("result below minimum: %d", len(got))
	}
}
