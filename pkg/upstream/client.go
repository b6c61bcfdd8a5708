package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kirogw/kirogw/pkg/credpool"
	"github.com/kirogw/kirogw/pkg/gwconfig"
)

// generateTimeout covers one full streamed response.
const generateTimeout = 720 * time.Second

// maxAttemptsCap bounds the retry loop regardless of pool size.
const maxAttemptsCap = 9

// ErrRequestTooLarge is returned before contacting the API when the
// serialized request exceeds the configured body limit.
var ErrRequestTooLarge = errors.New("Input is too long for model context window.")

// Client sends converted requests to the Kiro API with credential
// failover.
type Client struct {
	cfg  *gwconfig.Config
	pool *credpool.Pool

	// BaseURL overrides the per-region endpoint when non-empty; tests point
	// it at a local server.
	BaseURL string
}

func New(cfg *gwconfig.Config, pool *credpool.Pool) *Client {
	return &Client{cfg: cfg, pool: pool}
}

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 2 * time.Second
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0
	return bo
}

func sleepBackoff(ctx context.Context, bo backoff.BackOff) bool {
	timer := time.NewTimer(bo.NextBackOff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// BodyFunc serializes the request body for one credential; the body embeds
// the account's profileArn, so it is rebuilt per attempt.
type BodyFunc func(cred *credpool.KiroCredentials) ([]byte, error)

// Send posts a request and returns the raw response body stream (AWS event
// stream frames for generateAssistantResponse, JSON-RPC for the MCP path).
// The caller must close it. Retries rotate through the credential pool:
// auth failures penalize the credential, transient failures back off
// without penalty, quota exhaustion disables the account.
func (c *Client) Send(ctx context.Context, buildBody BodyFunc, modelID string, websearch bool) (io.ReadCloser, error) {
	requiresOpus := strings.Contains(strings.ToLower(modelID), "opus")

	maxAttempts := c.pool.Snapshot().Total * 3
	if maxAttempts > maxAttemptsCap {
		maxAttempts = maxAttemptsCap
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	bo := newRetryBackoff()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lease, err := c.pool.Acquire(ctx, requiresOpus)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		body, err := buildBody(&lease.Credentials)
		if err != nil {
			return nil, fmt.Errorf("serialize request: %w", err)
		}
		if limit := c.cfg.MaxRequestBodyBytes; limit > 0 && len(body) > limit {
			log.Printf("[upstream] rejecting oversized request: %d bytes (limit %d)", len(body), limit)
			return nil, ErrRequestTooLarge
		}

		resp, err := c.doOnce(ctx, lease, body, websearch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[upstream] request failed (attempt %d/%d, credential #%d): %v", attempt+1, maxAttempts, lease.ID, err)
			lastErr = fmt.Errorf("request to Kiro failed: %w", err)
			if !sleepBackoff(ctx, bo) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.pool.ReportSuccess(lease.ID)
			return resp.Body, nil
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		apiErr := newAPIError(resp.StatusCode, errBody)
		log.Printf("[upstream] credential #%d got status %d: %s", lease.ID, resp.StatusCode, apiErr.OriginalMessage)

		switch {
		case resp.StatusCode == 401 || resp.StatusCode == 403:
			if !c.pool.ReportFailure(lease.ID) {
				return nil, apiErr
			}
			lastErr = apiErr
			continue

		case resp.StatusCode == 402 && bytes.Contains(errBody, []byte("MONTHLY_REQUEST_COUNT")):
			if !c.pool.ReportQuotaExhausted(lease.ID) {
				return nil, errors.New("all credentials have exhausted their monthly quota")
			}
			lastErr = apiErr
			continue

		case resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500:
			lastErr = apiErr
			if !sleepBackoff(ctx, bo) {
				return nil, ctx.Err()
			}
			continue

		default:
			// 400 and remaining 4xx are request problems retries cannot fix.
			return nil, apiErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("request to Kiro failed after retries")
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, lease *credpool.Lease, body []byte, websearch bool) (*http.Response, error) {
	region := lease.Credentials.EffectiveAPIRegion(c.cfg)
	base := c.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://q.%s.amazonaws.com", region)
	}
	path := "/generateAssistantResponse"
	if websearch {
		path = "/mcp"
	}

	machineID := credpool.MachineIDFor(&lease.Credentials, c.cfg)
	if machineID == "" {
		return nil, errors.New("unable to derive machine id for request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amzn-codewhisperer-optout", "true")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.27 KiroIDE-%s-%s", c.cfg.KiroVersion, machineID))
	req.Header.Set("User-Agent", fmt.Sprintf(
		"aws-sdk-js/1.0.27 ua/2.1 os/%s lang/js md/nodejs#%s api/codewhispererstreaming#1.0.27 m/E KiroIDE-%s-%s",
		c.cfg.SystemVersion, c.cfg.NodeVersion, c.cfg.KiroVersion, machineID))
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=3")
	req.Header.Set("Authorization", "Bearer "+lease.Token)
	req.Close = true

	client, err := c.cfg.HTTPClient(generateTimeout)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}
