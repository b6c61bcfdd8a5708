package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirogw/kirogw/pkg/anthropic"
	"github.com/kirogw/kirogw/pkg/converter"
	"github.com/kirogw/kirogw/pkg/credpool"
	"github.com/kirogw/kirogw/pkg/web/sse"
)

// Requests whose only tool is web_search bypass conversion entirely: the
// query goes to the upstream MCP endpoint and the response is synthesized
// locally as a fixed SSE sequence.

const searchQueryPrefix = "Perform a web search for the query: "

func isWebSearchRequest(req *anthropic.MessagesRequest) bool {
	return len(req.Tools) == 1 && req.Tools[0].Name == "web_search"
}

// extractSearchQuery reads the first content block of the first message and
// strips the well-known prefix. Empty queries are unanswerable.
func extractSearchQuery(req *anthropic.MessagesRequest) string {
	if len(req.Messages) == 0 {
		return ""
	}
	var text string
	content := req.Messages[0].Content
	if err := json.Unmarshal(content, &text); err != nil {
		var blocks []anthropic.ContentBlock
		if err := json.Unmarshal(content, &blocks); err != nil || len(blocks) == 0 || blocks[0].Type != "text" {
			return ""
		}
		text = blocks[0].Text
	}
	return strings.TrimPrefix(text, searchQueryPrefix)
}

type mcpRequest struct {
	ID      string    `json:"id"`
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  mcpParams `json:"params"`
}

type mcpParams struct {
	Name      string        `json:"name"`
	Arguments mcpSearchArgs `json:"arguments"`
}

type mcpSearchArgs struct {
	Query string `json:"query"`
}

type mcpResponse struct {
	Error  *mcpError  `json:"error,omitempty"`
	Result *mcpResult `json:"result,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type webSearchResults struct {
	Results []webSearchResult `json:"results"`
}

type webSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

const (
	requestIDCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	suffixIDCharset  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

func randomID(charset string, n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(charset[rand.Intn(len(charset))])
	}
	return b.String()
}

// newMCPRequest builds the tools/call envelope. The request id format
// mimics the IDE's own.
func newMCPRequest(query string) mcpRequest {
	return mcpRequest{
		ID: fmt.Sprintf("web_search_tooluse_%s_%d_%s",
			randomID(requestIDCharset, 22), time.Now().UnixMilli(), randomID(suffixIDCharset, 8)),
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  mcpParams{Name: "web_search", Arguments: mcpSearchArgs{Query: query}},
	}
}

// callWebSearch performs the MCP call. Any failure degrades to nil results;
// the client still gets a complete SSE response.
func (s *Server) callWebSearch(ctx context.Context, query string) *webSearchResults {
	mcpReq := newMCPRequest(query)
	buildBody := func(*credpool.KiroCredentials) ([]byte, error) {
		return json.Marshal(&mcpReq)
	}
	body, err := s.client.Send(ctx, buildBody, "", true)
	if err != nil {
		log.Printf("[web] MCP API call failed: %v", err)
		return nil
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxInboundBodyBytes))
	if err != nil {
		log.Printf("[web] failed to read MCP response: %v", err)
		return nil
	}
	var resp mcpResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Printf("[web] failed to parse MCP response: %v", err)
		return nil
	}
	if resp.Error != nil {
		log.Printf("[web] MCP error %d: %s", resp.Error.Code, resp.Error.Message)
		return nil
	}
	if resp.Result == nil || len(resp.Result.Content) == 0 || resp.Result.Content[0].Type != "text" {
		return nil
	}
	var results webSearchResults
	if err := json.Unmarshal([]byte(resp.Result.Content[0].Text), &results); err != nil {
		log.Printf("[web] failed to parse search results: %v", err)
		return nil
	}
	return &results
}

func (s *Server) serveWebSearch(w http.ResponseWriter, r *http.Request, req *anthropic.MessagesRequest, inputTokens int64) {
	query := extractSearchQuery(req)
	if query == "" {
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest,
			"Unable to extract search query from message")
		return
	}
	log.Printf("[web] processing web search: %q", query)

	toolUseID := "srvtoolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:32]
	results := s.callWebSearch(r.Context(), query)
	model := converter.ParseModelAlias(req.Model, s.cfg.EffectiveThinkingSuffix()).Model
	events := buildWebSearchEvents(model, query, toolUseID, results, inputTokens)

	sw := sse.NewWriter(w, r.Context())
	if err := sw.Setup(); err != nil {
		log.Printf("[web] sse setup failed: %v", err)
		return
	}
	defer sw.Close()
	if err := sw.SendAll(events); err != nil {
		log.Printf("[web] web search stream aborted: %v", err)
	}
}

// buildWebSearchEvents synthesizes the full SSE sequence: a server_tool_use
// block with the query, a web_search_tool_result block with the raw results,
// and a text block summarizing them.
func buildWebSearchEvents(model, query, toolUseID string, results *webSearchResults, inputTokens int64) []anthropic.SSEEvent {
	messageID := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	events := []anthropic.SSEEvent{
		anthropic.NewSSEEvent(anthropic.EventMessageStart, map[string]any{
			"type": anthropic.EventMessageStart,
			"message": map[string]any{
				"id":            messageID,
				"type":          "message",
				"role":          "assistant",
				"model":         model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":                inputTokens,
					"output_tokens":               0,
					"cache_creation_input_tokens": 0,
					"cache_read_input_tokens":     0,
				},
			},
		}),
	}

	events = append(events, anthropic.NewSSEEvent(anthropic.EventContentBlockStart, map[string]any{
		"type":  anthropic.EventContentBlockStart,
		"index": 0,
		"content_block": map[string]any{
			"id":    toolUseID,
			"type":  anthropic.BlockServerToolUse,
			"name":  "web_search",
			"input": map[string]any{},
		},
	}))

	inputJSON, _ := json.Marshal(mcpSearchArgs{Query: query})
	events = append(events,
		anthropic.BlockDeltaEvent(0, anthropic.InputJSONDelta(string(inputJSON))),
		anthropic.BlockStopEvent(0))

	searchContent := []map[string]any{}
	if results != nil {
		for _, res := range results.Results {
			searchContent = append(searchContent, map[string]any{
				"type":              "web_search_result",
				"title":             res.Title,
				"url":               res.URL,
				"encrypted_content": res.Snippet,
				"page_age":          nil,
			})
		}
	}
	events = append(events, anthropic.NewSSEEvent(anthropic.EventContentBlockStart, map[string]any{
		"type":  anthropic.EventContentBlockStart,
		"index": 1,
		"content_block": map[string]any{
			"type":        anthropic.BlockWebSearchToolResult,
			"tool_use_id": toolUseID,
			"content":     searchContent,
		},
	}))
	events = append(events, anthropic.BlockStopEvent(1))

	events = append(events, anthropic.NewSSEEvent(anthropic.EventContentBlockStart, map[string]any{
		"type":          anthropic.EventContentBlockStart,
		"index":         2,
		"content_block": map[string]any{"type": anthropic.BlockText, "text": ""},
	}))

	summary := buildSearchSummary(query, results)
	runes := []rune(summary)
	const chunkSize = 100
	for start := 0; start < len(runes); start += chunkSize {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		events = append(events, anthropic.BlockDeltaEvent(2, anthropic.TextDelta(string(runes[start:end]))))
	}
	events = append(events, anthropic.BlockStopEvent(2))

	outputTokens := (int64(len(summary)) + 3) / 4
	events = append(events, anthropic.NewSSEEvent(anthropic.EventMessageDelta, map[string]any{
		"type": anthropic.EventMessageDelta,
		"delta": map[string]any{
			"stop_reason":   anthropic.StopEndTurn,
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": outputTokens},
	}))
	events = append(events, anthropic.MessageStopEvent())
	return events
}

func buildSearchSummary(query string, results *webSearchResults) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here are the search results for \"%s\":\n\n", query)
	if results != nil {
		for i, res := range results.Results {
			fmt.Fprintf(&b, "%d. **%s**\n", i+1, res.Title)
			if res.Snippet != "" {
				fmt.Fprintf(&b, "   %s\n", truncateRunes(res.Snippet, 200))
			}
			fmt.Fprintf(&b, "   Source: %s\n\n", res.URL)
		}
	} else {
		b.WriteString("No results found.\n")
	}
	b.WriteString("\nPlease note that these are web search results and may not be fully accurate or up-to-date.")
	return b.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
