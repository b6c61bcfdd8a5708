package credpool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("sig"))
}

func TestExtractEmailFromJWT(t *testing.T) {
	token := makeJWT(t, map[string]any{"email": "user@example.com"})
	if got := extractEmailFromJWT(token); got != "user@example.com" {
		t.Errorf("email claim = %q", got)
	}

	token = makeJWT(t, map[string]any{"preferred_username": "alias@example.com"})
	if got := extractEmailFromJWT(token); got != "alias@example.com" {
		t.Errorf("preferred_username claim = %q", got)
	}

	token = makeJWT(t, map[string]any{"preferred_username": "not-an-email", "sub": "sub@example.com"})
	if got := extractEmailFromJWT(token); got != "sub@example.com" {
		t.Errorf("sub claim = %q", got)
	}

	token = makeJWT(t, map[string]any{"sub": "opaque-id"})
	if got := extractEmailFromJWT(token); got != "" {
		t.Errorf("expected no email, got %q", got)
	}

	if got := extractEmailFromJWT("not.a.jwt"); got != "" {
		t.Errorf("garbage token yielded %q", got)
	}
}

func TestTokenExpiry(t *testing.T) {
	c := KiroCredentials{}
	if !tokenExpired(&c) {
		t.Errorf("missing expiresAt should count as expired")
	}
	if tokenExpiringSoon(&c) {
		t.Errorf("missing expiresAt should not count as expiring soon")
	}

	c.ExpiresAt = "garbage"
	if !tokenExpired(&c) {
		t.Errorf("unparseable expiresAt should count as expired")
	}

	c.ExpiresAt = time.Now().Add(time.Hour).Format(time.RFC3339)
	if tokenExpired(&c) || tokenExpiringSoon(&c) {
		t.Errorf("token an hour out should be fresh")
	}

	c.ExpiresAt = time.Now().Add(7 * time.Minute).Format(time.RFC3339)
	if tokenExpired(&c) {
		t.Errorf("7 minutes out should not be expired yet")
	}
	if !tokenExpiringSoon(&c) {
		t.Errorf("7 minutes out should be expiring soon")
	}

	c.ExpiresAt = time.Now().Add(-time.Minute).Format(time.RFC3339)
	if !tokenExpired(&c) {
		t.Errorf("past expiry should be expired")
	}
}

func TestEnsureTokenCollapsesConcurrentRefreshes(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(refreshResponse{AccessToken: "fresh-token", ExpiresIn: 3600})
	}))
	defer srv.Close()
	prev := socialAuthURLFormat
	socialAuthURLFormat = srv.URL + "/%s/refreshToken"
	t.Cleanup(func() { socialAuthURLFormat = prev })

	expired := freshCred(1, 0)
	expired.ExpiresAt = time.Now().Add(-time.Hour).Format(time.RFC3339)
	p := newTestPool(t, nil, []KiroCredentials{expired})

	const workers = 8
	tokens := make([]string, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = p.ensureToken(context.Background(), 1)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("ensureToken[%d]: %v", i, errs[i])
		}
		if tokens[i] != "fresh-token" {
			t.Errorf("token[%d] = %q", i, tokens[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("refresh endpoint hit %d times, want exactly 1", got)
	}
}

func TestValidateRefreshToken(t *testing.T) {
	c := KiroCredentials{}
	if err := validateRefreshToken(&c); err == nil {
		t.Errorf("missing token should fail")
	}
	c.RefreshToken = "short"
	if err := validateRefreshToken(&c); err == nil {
		t.Errorf("short token should fail")
	}
	c.RefreshToken = strings.Repeat("x", 80) + "..." + strings.Repeat("x", 40)
	if err := validateRefreshToken(&c); err == nil {
		t.Errorf("ellipsis token should fail")
	}
	c.RefreshToken = strings.Repeat("x", 120)
	if err := validateRefreshToken(&c); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
}
