package credpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirogw/kirogw/pkg/gwconfig"
)

const usageLimitsTimeout = 60 * time.Second

const usageLimitsAmzUserAgentPrefix = "aws-sdk-js/1.0.0"

// UsageLimitsResponse is the getUsageLimits API response.
type UsageLimitsResponse struct {
	NextDateReset      *float64          `json:"nextDateReset,omitempty"`
	UserInfo           *UsageUserInfo    `json:"userInfo,omitempty"`
	SubscriptionInfo   *SubscriptionInfo `json:"subscriptionInfo,omitempty"`
	UsageBreakdownList []UsageBreakdown  `json:"usageBreakdownList,omitempty"`
}

type UsageUserInfo struct {
	Email  string `json:"email,omitempty"`
	UserID string `json:"userId,omitempty"`
}

type SubscriptionInfo struct {
	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`
}

type UsageBreakdown struct {
	CurrentUsage              int64          `json:"currentUsage"`
	CurrentUsageWithPrecision float64        `json:"currentUsageWithPrecision"`
	Bonuses                   []UsageBonus   `json:"bonuses,omitempty"`
	FreeTrialInfo             *FreeTrialInfo `json:"freeTrialInfo,omitempty"`
	NextDateReset             *float64       `json:"nextDateReset,omitempty"`
	UsageLimit                int64          `json:"usageLimit"`
	UsageLimitWithPrecision   float64        `json:"usageLimitWithPrecision"`
}

type UsageBonus struct {
	CurrentUsage float64 `json:"currentUsage"`
	UsageLimit   float64 `json:"usageLimit"`
	Status       string  `json:"status,omitempty"`
}

type FreeTrialInfo struct {
	CurrentUsage              float64  `json:"currentUsage"`
	CurrentUsageWithPrecision float64  `json:"currentUsageWithPrecision"`
	FreeTrialExpiry           *float64 `json:"freeTrialExpiry,omitempty"`
	FreeTrialStatus           string   `json:"freeTrialStatus,omitempty"`
	UsageLimit                float64  `json:"usageLimit"`
	UsageLimitWithPrecision   float64  `json:"usageLimitWithPrecision"`
}

// fetchUsageLimits queries the account's agentic request quota.
func fetchUsageLimits(ctx context.Context, cred *KiroCredentials, cfg *gwconfig.Config, token string) (*UsageLimitsResponse, error) {
	region := cred.EffectiveAPIRegion(cfg)
	host := fmt.Sprintf("q.%s.amazonaws.com", region)

	query := url.Values{}
	query.Set("origin", "AI_EDITOR")
	query.Set("resourceType", "AGENTIC_REQUEST")
	if cred.ProfileArn != "" {
		query.Set("profileArn", cred.ProfileArn)
	}
	requestURL := fmt.Sprintf("https://%s/getUsageLimits?%s", host, query.Encode())

	machineID := MachineIDFor(cred, cfg)
	if machineID == "" {
		return nil, errors.New("unable to derive machine id for usage limits request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("%s KiroIDE-%s-%s", usageLimitsAmzUserAgentPrefix, cfg.KiroVersion, machineID))
	req.Header.Set("User-Agent", fmt.Sprintf(
		"aws-sdk-js/1.0.0 ua/2.1 os/%s lang/js md/nodejs#%s api/codewhispererruntime#1.0.0 m/N,E KiroIDE-%s-%s",
		cfg.SystemVersion, cfg.NodeVersion, cfg.KiroVersion, machineID))
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Close = true

	client, err := cfg.HTTPClient(usageLimitsTimeout)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage limits request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyText, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var msg string
		switch {
		case resp.StatusCode == 401:
			msg = "authentication failed, token may be expired"
		case resp.StatusCode == 403:
			msg = "insufficient permissions to query usage limits"
		case resp.StatusCode == 429:
			msg = "too many requests, rate limited"
		case resp.StatusCode >= 500:
			msg = "server error, usage limits service temporarily unavailable"
		default:
			msg = "usage limits request failed"
		}
		return nil, fmt.Errorf("%s: %s %s", msg, resp.Status, strings.TrimSpace(string(bodyText)))
	}

	var data UsageLimitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode usage limits response: %w", err)
	}
	return &data, nil
}
