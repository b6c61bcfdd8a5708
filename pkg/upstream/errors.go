// Package upstream is the HTTP client for the Kiro CodeWhisperer API:
// request signing headers, retry with backoff, credential failover, and
// error enhancement.
package upstream

import (
	"encoding/json"
	"fmt"
)

// APIError is a non-success response from the Kiro API with its reason
// code and a user-facing message.
type APIError struct {
	StatusCode      int
	Reason          string
	Message         string // enhanced, user-facing
	OriginalMessage string // verbatim from the API, for logs
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kiro api error (status %d, reason %s): %s", e.StatusCode, e.Reason, e.Message)
}

// newAPIError parses a Kiro error body ({"message": ..., "reason": ...})
// and enhances the cryptic reason codes into readable messages.
func newAPIError(statusCode int, body []byte) *APIError {
	var parsed struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	_ = json.Unmarshal(body, &parsed)
	if parsed.Message == "" {
		parsed.Message = "Unknown error"
	}
	if parsed.Reason == "" {
		parsed.Reason = "UNKNOWN"
	}
	return &APIError{
		StatusCode:      statusCode,
		Reason:          parsed.Reason,
		Message:         enhanceMessage(parsed.Reason, parsed.Message),
		OriginalMessage: parsed.Message,
	}
}

func enhanceMessage(reason, message string) string {
	switch reason {
	case "CONTENT_LENGTH_EXCEEDS_THRESHOLD":
		return "Model context limit reached. Conversation size exceeds model capacity."
	case "MONTHLY_REQUEST_LIMIT_REACHED", "MONTHLY_REQUEST_COUNT":
		return "Monthly request limit exceeded. Account has reached its monthly quota."
	case "RATE_LIMIT_EXCEEDED":
		return "Rate limit exceeded. Please wait a moment before retrying."
	case "SERVICE_UNAVAILABLE":
		return "Kiro service temporarily unavailable. Please try again later."
	case "THROTTLING_EXCEPTION":
		return "Too many requests. Please slow down and try again."
	case "VALIDATION_EXCEPTION":
		return fmt.Sprintf("Invalid request: %s", message)
	case "UNKNOWN":
		return message
	default:
		return fmt.Sprintf("%s (reason: %s)", message, reason)
	}
}
