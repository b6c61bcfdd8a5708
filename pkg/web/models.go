package web

import "net/http"

type modelInfo struct {
	ID                  string `json:"id"`
	Object              string `json:"object"`
	Created             int64  `json:"created"`
	OwnedBy             string `json:"owned_by"`
	DisplayName         string `json:"display_name"`
	Type                string `json:"type"`
	MaxTokens           int    `json:"max_tokens"`
	ContextLength       int64  `json:"context_length,omitempty"`
	MaxCompletionTokens int64  `json:"max_completion_tokens,omitempty"`
	Thinking            bool   `json:"thinking,omitempty"`
}

type modelsResponse struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

func modelEntry(id, displayName string, created, contextLength, maxCompletion int64) modelInfo {
	return modelInfo{
		ID:                  id,
		Object:              "model",
		Created:             created,
		OwnedBy:             "anthropic",
		DisplayName:         displayName,
		Type:                "chat",
		MaxTokens:           32000,
		ContextLength:       contextLength,
		MaxCompletionTokens: maxCompletion,
		Thinking:            true,
	}
}

// modelTable is the advertised model list: each base model plus its
// -thinking and -agentic aliases.
var modelTable = []modelInfo{
	modelEntry("claude-sonnet-4-5-20250929", "Claude Sonnet 4.5", 1727568000, 200_000, 64_000),
	modelEntry("claude-sonnet-4-5-20250929-thinking", "Claude Sonnet 4.5 (Thinking)", 1727568000, 200_000, 64_000),
	modelEntry("claude-opus-4-5-20251101", "Claude Opus 4.5", 1730419200, 200_000, 64_000),
	modelEntry("claude-opus-4-5-20251101-thinking", "Claude Opus 4.5 (Thinking)", 1730419200, 200_000, 64_000),
	modelEntry("claude-opus-4-6", "Claude Opus 4.6", 1770314400, 200_000, 128_000),
	modelEntry("claude-opus-4-6-thinking", "Claude Opus 4.6 (Thinking)", 1770314400, 200_000, 128_000),
	modelEntry("claude-opus-4-6-1m", "Claude Opus 4.6 (1M Context)", 1770314400, 1_000_000, 128_000),
	modelEntry("claude-opus-4-6-1m-thinking", "Claude Opus 4.6 (1M Context, Thinking)", 1770314400, 1_000_000, 128_000),
	modelEntry("claude-haiku-4-5-20251001", "Claude Haiku 4.5", 1727740800, 200_000, 64_000),
	modelEntry("claude-haiku-4-5-20251001-thinking", "Claude Haiku 4.5 (Thinking)", 1727740800, 200_000, 64_000),
	modelEntry("claude-sonnet-4-5-20250929-agentic", "Claude Sonnet 4.5 (Agentic)", 1727568000, 200_000, 64_000),
	modelEntry("claude-opus-4-5-20251101-agentic", "Claude Opus 4.5 (Agentic)", 1730419200, 200_000, 64_000),
	modelEntry("claude-opus-4-6-agentic", "Claude Opus 4.6 (Agentic)", 1770314400, 200_000, 128_000),
	modelEntry("claude-opus-4-6-1m-agentic", "Claude Opus 4.6 (1M, Agentic)", 1770314400, 1_000_000, 128_000),
	modelEntry("claude-haiku-4-5-20251001-agentic", "Claude Haiku 4.5 (Agentic)", 1727740800, 200_000, 64_000),
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelsResponse{Object: "list", Data: modelTable})
}
