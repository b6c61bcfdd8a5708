// Package tokencount estimates token usage for requests and responses. The
// input-side estimate can be delegated to a remote counting API; everything
// else is a local character-class heuristic.
package tokencount

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/kirogw/kirogw/pkg/anthropic"
)

// Config controls the optional remote count_tokens delegation.
type Config struct {
	APIURL   string
	APIKey   string
	AuthType string // "x-api-key" (default) or "bearer"
	Client   *http.Client
}

// Counter answers token-count queries for requests.
type Counter struct {
	cfg    Config
	client *http.Client
}

// NewCounter builds a counter. A nil/zero Config disables remote delegation.
func NewCounter(cfg Config) *Counter {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 300 * time.Second}
	}
	return &Counter{cfg: cfg, client: client}
}

// isWesternRune mirrors the character classes that count as one unit: ASCII
// plus the Latin extended ranges. Everything else (CJK, Arabic, Cyrillic, …)
// counts as four.
func isWesternRune(r rune) bool {
	switch {
	case r <= 0x024F: // ASCII, Latin-1, Latin Extended-A/B
		return true
	case r >= 0x1E00 && r <= 0x1EFF: // Latin Extended Additional
		return true
	case r >= 0x2C60 && r <= 0x2C7F: // Latin Extended-C
		return true
	case r >= 0xA720 && r <= 0xA7FF: // Latin Extended-D
		return true
	case r >= 0xAB30 && r <= 0xAB6F: // Latin Extended-E
		return true
	}
	return false
}

// CountText estimates tokens for a text. Units: western runes 1, others 4;
// four units per token, then a tier multiplier that inflates short texts
// (tokenizers have high per-fragment overhead on short fragments).
func CountText(text string) int64 {
	var units float64
	for _, r := range text {
		if isWesternRune(r) {
			units += 1.0
		} else {
			units += 4.0
		}
	}
	tokens := units / 4.0
	switch {
	case tokens < 100:
		tokens *= 1.5
	case tokens < 200:
		tokens *= 1.3
	case tokens < 300:
		tokens *= 1.25
	case tokens < 800:
		tokens *= 1.2
	}
	return int64(tokens)
}

// CountRequest estimates the input tokens of a request. When a remote API is
// configured it is preferred; local estimation is the fallback. The result is
// never below 1.
func (c *Counter) CountRequest(ctx context.Context, req anthropic.CountTokensRequest) int64 {
	if c != nil && c.cfg.APIURL != "" {
		tokens, err := c.countRemote(ctx, req)
		if err == nil {
			return tokens
		}
		log.Printf("[tokencount] remote count_tokens failed, falling back to local estimate: %v", err)
	}
	return countLocal(req)
}

func (c *Counter) countRemote(ctx context.Context, req anthropic.CountTokensRequest) (int64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		if c.cfg.AuthType == "bearer" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		} else {
			httpReq.Header.Set("x-api-key", c.cfg.APIKey)
		}
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("count_tokens API returned status %d", resp.StatusCode)
	}
	var out anthropic.CountTokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.InputTokens, nil
}

// EstimateRequest is the offline estimate for a request, used when a
// remote count is unavailable or not worth a round trip.
func EstimateRequest(req anthropic.CountTokensRequest) int64 {
	return countLocal(req)
}

func countLocal(req anthropic.CountTokensRequest) int64 {
	var total int64

	for _, sys := range parseSystemTexts(req.System) {
		total += CountText(sys)
	}
	for _, msg := range req.Messages {
		var s string
		if err := json.Unmarshal(msg.Content, &s); err == nil {
			total += CountText(s)
			continue
		}
		var blocks []anthropic.ContentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err == nil {
			for _, b := range blocks {
				if b.Text != "" {
					total += CountText(b.Text)
				}
			}
		}
	}
	for _, tool := range req.Tools {
		total += CountText(tool.Name)
		total += CountText(tool.Description)
		if len(tool.InputSchema) > 0 {
			total += CountText(string(tool.InputSchema))
		}
	}
	if total < 1 {
		total = 1
	}
	return total
}

// parseSystemTexts accepts both the string form and the array form of the
// system field.
func parseSystemTexts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var msgs []anthropic.SystemMessage
	if err := json.Unmarshal(raw, &msgs); err == nil {
		texts := make([]string, 0, len(msgs))
		for _, m := range msgs {
			texts = append(texts, m.Text)
		}
		return texts
	}
	return nil
}

// SystemTexts exposes system-prompt extraction for the converter.
func SystemTexts(raw json.RawMessage) []string {
	return parseSystemTexts(raw)
}

// EstimateOutputDelta approximates tokens in one streamed chunk: CJK
// ideographs run about two thirds of a token each, everything else about a
// quarter. Never returns less than 1 for non-empty input.
func EstimateOutputDelta(text string) int64 {
	if text == "" {
		return 0
	}
	var cjk, other int64
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			other++
		}
	}
	tokens := (cjk*2+2)/3 + (other+3)/4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// EstimateOutputContent sums estimates over assembled response content: text
// blocks plus serialized tool inputs.
func EstimateOutputContent(content []map[string]any) int64 {
	var total int64
	for _, block := range content {
		if text, ok := block["text"].(string); ok {
			total += CountText(text)
		}
		if block["type"] == "tool_use" {
			if input, ok := block["input"]; ok {
				data, err := json.Marshal(input)
				if err == nil {
					total += CountText(string(data))
				}
			}
		}
	}
	if total < 1 {
		total = 1
	}
	return total
}
