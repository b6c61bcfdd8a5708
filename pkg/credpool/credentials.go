// Package credpool manages the pool of Kiro credentials: loading and
// persisting the credentials file, token refresh, failover between
// accounts, and per-credential usage statistics.
package credpool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kirogw/kirogw/pkg/gwconfig"
)

// KiroCredentials is one account's credential record as stored in the
// credentials file. All fields are optional on disk.
type KiroCredentials struct {
	ID                uint64 `json:"id,omitempty"`
	AccessToken       string `json:"accessToken,omitempty"`
	RefreshToken      string `json:"refreshToken,omitempty"`
	ProfileArn        string `json:"profileArn,omitempty"`
	ExpiresAt         string `json:"expiresAt,omitempty"` // RFC3339
	AuthMethod        string `json:"authMethod,omitempty"`
	ClientID          string `json:"clientId,omitempty"`
	ClientSecret      string `json:"clientSecret,omitempty"`
	Priority          uint32 `json:"priority,omitempty"`
	Region            string `json:"region,omitempty"`
	AuthRegion        string `json:"authRegion,omitempty"`
	APIRegion         string `json:"apiRegion,omitempty"`
	MachineID         string `json:"machineId,omitempty"`
	Email             string `json:"email,omitempty"`
	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`
}

// CanonicalAuthMethod maps the auth method aliases found in credential
// files onto the two methods the refresh flow distinguishes. "builder-id"
// and "iam" both refresh through the SSO OIDC endpoint, same as "idc".
func CanonicalAuthMethod(method string) string {
	switch strings.ToLower(method) {
	case "idc", "builder-id", "iam":
		return "idc"
	default:
		return strings.ToLower(method)
	}
}

// SupportsOpus reports whether this account's subscription tier can serve
// opus models. Free-tier subscriptions cannot; an unknown tier is assumed
// capable until a usage-limits query says otherwise.
func (c *KiroCredentials) SupportsOpus() bool {
	if c.SubscriptionTitle == "" {
		return true
	}
	return !strings.Contains(strings.ToUpper(c.SubscriptionTitle), "FREE")
}

// EffectiveAuthRegion resolves the region used for token refresh:
// credential authRegion > credential region > config.
func (c *KiroCredentials) EffectiveAuthRegion(cfg *gwconfig.Config) string {
	if c.AuthRegion != "" {
		return c.AuthRegion
	}
	if c.Region != "" {
		return c.Region
	}
	return cfg.EffectiveAuthRegion()
}

// EffectiveAPIRegion resolves the region used for API calls:
// credential apiRegion > config.
func (c *KiroCredentials) EffectiveAPIRegion(cfg *gwconfig.Config) string {
	if c.APIRegion != "" {
		return c.APIRegion
	}
	return cfg.EffectiveAPIRegion()
}

// LoadFile reads a credentials file, which holds either a single
// credential object or an array of them. The bool reports whether the file
// used the array form. A missing or empty file yields an empty slice.
func LoadFile(path string) ([]KiroCredentials, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read credentials file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false, nil
	}

	var list []KiroCredentials
	if err := json.Unmarshal(data, &list); err == nil {
		return list, true, nil
	}
	var single KiroCredentials
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, false, fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	return []KiroCredentials{single}, false, nil
}

// sortCredentials orders by ascending priority and canonicalizes the auth
// method on each entry.
func sortCredentials(creds []KiroCredentials) {
	for i := range creds {
		creds[i].AuthMethod = CanonicalAuthMethod(creds[i].AuthMethod)
	}
	sort.SliceStable(creds, func(i, j int) bool {
		return creds[i].Priority < creds[j].Priority
	})
}
