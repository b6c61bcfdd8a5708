package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/kirogw/kirogw/pkg/anthropic"
	"github.com/kirogw/kirogw/pkg/converter"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[web] failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, anthropic.NewErrorResponse(errType, message))
}

// writeUpstreamError maps a conversion or upstream failure onto the wire
// error taxonomy. The substring checks matter to clients: a 400
// invalid_request_error on context overflow is what triggers their
// auto-compaction.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var convErr *converter.ConversionError
	if errors.As(err, &convErr) {
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, convErr.Error())
		return
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "all credentials") || strings.Contains(lower, "quota"):
		writeError(w, http.StatusTooManyRequests, anthropic.ErrTypeRateLimit,
			"All credentials quota exhausted. Please wait for quota reset or add new credentials.")
	case strings.Contains(lower, "improperly formed") ||
		strings.Contains(lower, "content length") ||
		strings.Contains(lower, "too long") ||
		strings.Contains(lower, "context"):
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, msg)
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "throttl"):
		writeError(w, http.StatusTooManyRequests, anthropic.ErrTypeRateLimit, msg)
	case strings.Contains(lower, "overload") || strings.Contains(lower, "capacity"):
		writeError(w, http.StatusServiceUnavailable, anthropic.ErrTypeOverloaded, msg)
	default:
		writeError(w, http.StatusBadGateway, anthropic.ErrTypeAPIError, "Upstream API call failed: "+msg)
	}
}
