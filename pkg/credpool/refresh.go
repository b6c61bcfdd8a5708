package credpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kirogw/kirogw/pkg/gwconfig"
)

const refreshTimeout = 60 * time.Second

// socialAuthURLFormat is the per-region social auth endpoint.
var socialAuthURLFormat = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"

// x-amz-user-agent required by the SSO OIDC token endpoint.
const idcAmzUserAgent = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/sso-oidc#3.738.0 m/E KiroIDE"

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

type idcRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	GrantType    string `json:"grantType"`
}

type idcRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// tokenExpiringWithin checks the expiresAt timestamp against now+d. The
// second return is false when expiresAt is absent or unparseable.
func tokenExpiringWithin(cred *KiroCredentials, d time.Duration) (bool, bool) {
	if cred.ExpiresAt == "" {
		return false, false
	}
	expires, err := time.Parse(time.RFC3339, cred.ExpiresAt)
	if err != nil {
		return false, false
	}
	return !expires.After(time.Now().Add(d)), true
}

// tokenExpired treats a missing or unparseable expiry as expired and
// applies a 5 minute buffer.
func tokenExpired(cred *KiroCredentials) bool {
	expiring, known := tokenExpiringWithin(cred, 5*time.Minute)
	if !known {
		return true
	}
	return expiring
}

// tokenExpiringSoon reports expiry within 10 minutes; unknown expiry is
// not "soon" here since tokenExpired already covers it.
func tokenExpiringSoon(cred *KiroCredentials) bool {
	expiring, known := tokenExpiringWithin(cred, 10*time.Minute)
	return known && expiring
}

// validateRefreshToken rejects refresh tokens that were visibly truncated
// before being pasted into the credentials file.
func validateRefreshToken(cred *KiroCredentials) error {
	if cred.RefreshToken == "" {
		return errors.New("missing refreshToken")
	}
	if len(cred.RefreshToken) < 100 || strings.Contains(cred.RefreshToken, "...") {
		return fmt.Errorf("refreshToken looks truncated (length: %d characters)", len(cred.RefreshToken))
	}
	return nil
}

// refreshCredentials exchanges the refresh token for a new access token,
// routing by auth method. Without an explicit method, the presence of an
// OIDC client id and secret selects the IdC flow.
func refreshCredentials(ctx context.Context, cred *KiroCredentials, cfg *gwconfig.Config) (KiroCredentials, error) {
	if err := validateRefreshToken(cred); err != nil {
		return KiroCredentials{}, err
	}
	method := CanonicalAuthMethod(cred.AuthMethod)
	if method == "" {
		if cred.ClientID != "" && cred.ClientSecret != "" {
			method = "idc"
		} else {
			method = "social"
		}
	}
	if method == "idc" {
		return refreshIdcToken(ctx, cred, cfg)
	}
	return refreshSocialToken(ctx, cred, cfg)
}

func refreshSocialToken(ctx context.Context, cred *KiroCredentials, cfg *gwconfig.Config) (KiroCredentials, error) {
	region := cred.EffectiveAuthRegion(cfg)
	refreshURL := fmt.Sprintf(socialAuthURLFormat, region)
	machineID := MachineIDFor(cred, cfg)
	if machineID == "" {
		return KiroCredentials{}, errors.New("unable to derive machine id for token refresh")
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: cred.RefreshToken})
	if err != nil {
		return KiroCredentials{}, fmt.Errorf("encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return KiroCredentials{}, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", cfg.KiroVersion, machineID))
	req.Close = true

	client, err := cfg.HTTPClient(refreshTimeout)
	if err != nil {
		return KiroCredentials{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return KiroCredentials{}, fmt.Errorf("social token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return KiroCredentials{}, refreshStatusError(resp, "OAuth")
	}

	var data refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return KiroCredentials{}, fmt.Errorf("decode refresh response: %w", err)
	}

	updated := *cred
	updated.AccessToken = data.AccessToken
	applyJWTEmail(&updated, data.AccessToken)
	if data.RefreshToken != "" {
		updated.RefreshToken = data.RefreshToken
	}
	if data.ProfileArn != "" {
		updated.ProfileArn = data.ProfileArn
	}
	if data.ExpiresIn > 0 {
		updated.ExpiresAt = time.Now().Add(time.Duration(data.ExpiresIn) * time.Second).Format(time.RFC3339)
	}
	return updated, nil
}

func refreshIdcToken(ctx context.Context, cred *KiroCredentials, cfg *gwconfig.Config) (KiroCredentials, error) {
	if cred.ClientID == "" {
		return KiroCredentials{}, errors.New("IdC refresh requires clientId")
	}
	if cred.ClientSecret == "" {
		return KiroCredentials{}, errors.New("IdC refresh requires clientSecret")
	}

	region := cred.EffectiveAuthRegion(cfg)
	refreshURL := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)

	body, err := json.Marshal(idcRefreshRequest{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		RefreshToken: cred.RefreshToken,
		GrantType:    "refresh_token",
	})
	if err != nil {
		return KiroCredentials{}, fmt.Errorf("encode IdC refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return KiroCredentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amz-user-agent", idcAmzUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "*")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("User-Agent", "node")

	client, err := cfg.HTTPClient(refreshTimeout)
	if err != nil {
		return KiroCredentials{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return KiroCredentials{}, fmt.Errorf("IdC token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return KiroCredentials{}, refreshStatusError(resp, "OIDC")
	}

	var data idcRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return KiroCredentials{}, fmt.Errorf("decode IdC refresh response: %w", err)
	}

	updated := *cred
	updated.AccessToken = data.AccessToken
	applyJWTEmail(&updated, data.AccessToken)
	if data.RefreshToken != "" {
		updated.RefreshToken = data.RefreshToken
	}
	if data.ExpiresIn > 0 {
		updated.ExpiresAt = time.Now().Add(time.Duration(data.ExpiresIn) * time.Second).Format(time.RFC3339)
	}
	return updated, nil
}

func refreshStatusError(resp *http.Response, service string) error {
	bodyText, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var msg string
	switch {
	case resp.StatusCode == 401:
		msg = "credentials expired or invalid, re-authentication required"
	case resp.StatusCode == 403:
		msg = "insufficient permissions, unable to refresh token"
	case resp.StatusCode == 429:
		msg = "too many requests, rate limited"
	case resp.StatusCode >= 500:
		msg = fmt.Sprintf("server error, AWS %s service temporarily unavailable", service)
	default:
		msg = "token refresh failed"
	}
	return fmt.Errorf("%s: %s %s", msg, resp.Status, strings.TrimSpace(string(bodyText)))
}

func applyJWTEmail(cred *KiroCredentials, accessToken string) {
	if cred.Email != "" {
		return
	}
	if email := extractEmailFromJWT(accessToken); email != "" {
		log.Printf("[credpool] extracted email from access token: %s", email)
		cred.Email = email
	}
}

// extractEmailFromJWT pulls an email-ish identity out of the access token
// claims without verifying the signature. The token is only decoded for
// display purposes.
func extractEmailFromJWT(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	if email, ok := claims["email"].(string); ok && email != "" {
		return email
	}
	if username, ok := claims["preferred_username"].(string); ok && strings.Contains(username, "@") {
		return username
	}
	if sub, ok := claims["sub"].(string); ok && strings.Contains(sub, "@") {
		return sub
	}
	return ""
}
