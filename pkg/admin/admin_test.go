package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/kirogw/kirogw/pkg/credpool"
	"github.com/kirogw/kirogw/pkg/gwconfig"
)

const testAdminKey = "admin-secret"

func testServer(t *testing.T, creds []credpool.KiroCredentials) (*Server, *credpool.Pool, http.Handler) {
	t.Helper()
	dir := t.TempDir()

	cfg := gwconfig.Default()
	cfg.AdminAPIKey = testAdminKey
	cfg.SetPath(filepath.Join(dir, "config.json"))

	credsPath := filepath.Join(dir, "credentials.json")
	data, err := json.Marshal(creds)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(credsPath, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	pool, err := credpool.NewPool(cfg, credsPath)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	srv := NewServer(cfg, pool)
	r := mux.NewRouter()
	srv.Register(r)
	return srv, pool, r
}

func adminCred(n int, priority uint32) credpool.KiroCredentials {
	return credpool.KiroCredentials{
		AccessToken:  fmt.Sprintf("token-%d", n),
		RefreshToken: strings.Repeat(fmt.Sprintf("t%d", n), 60),
		ExpiresAt:    time.Now().Add(time.Hour).Format(time.RFC3339),
		Priority:     priority,
		Email:        fmt.Sprintf("user%d@example.com", n),
	}
}

func adminRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("x-api-key", testAdminKey)
	return req
}

func TestAdminAuth(t *testing.T) {
	_, _, h := testServer(t, []credpool.KiroCredentials{adminCred(1, 0)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid or missing admin API key") {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer key: status = %d", rec.Code)
	}
}

func TestAdminAuthDisabledWithoutKey(t *testing.T) {
	srv, _, _ := testServer(t, []credpool.KiroCredentials{adminCred(1, 0)})
	srv.cfg.AdminAPIKey = ""

	r := mux.NewRouter()
	srv.Register(r)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	req.Header.Set("x-api-key", "")
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("blank admin key must reject everything, status = %d", rec.Code)
	}
}

func TestListCredentials(t *testing.T) {
	_, _, h := testServer(t, []credpool.KiroCredentials{adminCred(1, 5), adminCred(2, 0)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/admin/credentials", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp CredentialsStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 2 || resp.Available != 2 {
		t.Errorf("total/available = %d/%d", resp.Total, resp.Available)
	}
	if len(resp.Credentials) != 2 {
		t.Fatalf("credentials = %d", len(resp.Credentials))
	}
	// Sorted by priority, lowest first.
	if resp.Credentials[0].Priority != 0 || resp.Credentials[1].Priority != 5 {
		t.Errorf("priority order = %d, %d", resp.Credentials[0].Priority, resp.Credentials[1].Priority)
	}
	for _, c := range resp.Credentials {
		if c.RefreshTokenHash == "" {
			t.Errorf("credential #%d missing refresh token hash", c.ID)
		}
		if c.IsCurrent != (c.ID == resp.CurrentID) {
			t.Errorf("credential #%d isCurrent mismatch", c.ID)
		}
	}
}

func TestSetDisabledAndDelete(t *testing.T) {
	_, pool, h := testServer(t, []credpool.KiroCredentials{adminCred(1, 0), adminCred(2, 1)})

	// Deleting an enabled credential is refused.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodDelete, "/api/admin/credentials/1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("delete enabled: status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "invalid_request") {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPut, "/api/admin/credentials/1/disabled", []byte(`{"disabled":true}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: status = %d: %s", rec.Code, rec.Body.String())
	}
	if !pool.Snapshot().Entries[0].Disabled {
		t.Error("credential #1 not disabled")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodDelete, "/api/admin/credentials/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete disabled: status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := pool.Snapshot().Total; got != 1 {
		t.Errorf("total after delete = %d", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodDelete, "/api/admin/credentials/1", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete again: status = %d", rec.Code)
	}
}

func TestSetPriority(t *testing.T) {
	_, pool, h := testServer(t, []credpool.KiroCredentials{adminCred(1, 0)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPut, "/api/admin/credentials/1/priority", []byte(`{"priority":7}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := pool.Snapshot().Entries[0].Priority; got != 7 {
		t.Errorf("priority = %d", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPut, "/api/admin/credentials/99/priority", []byte(`{"priority":1}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not_found") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestResetAndEnable(t *testing.T) {
	_, pool, h := testServer(t, []credpool.KiroCredentials{adminCred(1, 0)})

	if err := pool.SetDisabled(1, true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/admin/credentials/1/reset", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	snap := pool.Snapshot()
	if snap.Entries[0].Disabled || snap.Entries[0].FailureCount != 0 {
		t.Errorf("entry not reset: %+v", snap.Entries[0])
	}
}

func TestBalanceUnknownCredential(t *testing.T) {
	_, _, h := testServer(t, []credpool.KiroCredentials{adminCred(1, 0)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/admin/credentials/42/balance", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBalanceServedFromCache(t *testing.T) {
	srv, _, h := testServer(t, []credpool.KiroCredentials{adminCred(1, 0)})

	want := BalanceResponse{
		ID:              1,
		Email:           "user1@example.com",
		CurrentUsage:    12.5,
		UsageLimit:      1000,
		Remaining:       987.5,
		UsagePercentage: 1.25,
	}
	srv.cache.Put(1, want)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/admin/credentials/1/balance", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var got BalanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != want {
		t.Errorf("balance = %+v, want %+v", got, want)
	}
}

func TestAllBalancesReportsPerCredentialErrors(t *testing.T) {
	srv, _, h := testServer(t, []credpool.KiroCredentials{adminCred(1, 0), adminCred(2, 1)})

	// Keep the uncached lookup off the network: a dead local proxy makes
	// the upstream quota query fail immediately.
	srv.cfg.ProxyURL = "http://127.0.0.1:1"
	srv.cache.Put(1, BalanceResponse{ID: 1, CurrentUsage: 1, UsageLimit: 10, Remaining: 9, UsagePercentage: 10})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/admin/balances", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp BalancesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Balances) != 2 {
		t.Fatalf("balances = %d", len(resp.Balances))
	}
	if resp.Balances[0].Error != "" || resp.Balances[0].UsageLimit != 10 {
		t.Errorf("cached balance = %+v", resp.Balances[0])
	}
	// Credential #2 has no cache entry and no reachable upstream.
	if resp.Balances[1].Error == "" || resp.Balances[1].ID != 2 {
		t.Errorf("failed balance = %+v", resp.Balances[1])
	}
}

func TestLoadBalancingMode(t *testing.T) {
	_, pool, h := testServer(t, []credpool.KiroCredentials{adminCred(1, 0)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/admin/load-balancing", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp LoadBalancingModeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Mode != gwconfig.LoadBalancingPriority {
		t.Errorf("mode = %q", resp.Mode)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPut, "/api/admin/load-balancing", []byte(`{"mode":"balanced"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("set mode: status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := pool.LoadBalancingMode(); got != gwconfig.LoadBalancingBalanced {
		t.Errorf("mode = %q", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPut, "/api/admin/load-balancing", []byte(`{"mode":"random"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid mode: status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAddCredentialValidation(t *testing.T) {
	_, _, h := testServer(t, []credpool.KiroCredentials{adminCred(1, 0)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/admin/credentials", []byte(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "refreshToken is required") {
		t.Errorf("body = %s", rec.Body.String())
	}

	// Same refresh token as credential #1 is rejected before any upstream
	// validation.
	dup := fmt.Sprintf(`{"refreshToken":%q}`, strings.Repeat("t1", 60))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/admin/credentials", []byte(dup)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate: status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "already exists") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestUsageTotalsAggregation(t *testing.T) {
	usage := &credpool.UsageLimitsResponse{
		UsageBreakdownList: []credpool.UsageBreakdown{{
			CurrentUsageWithPrecision: 100,
			UsageLimitWithPrecision:   1000,
			FreeTrialInfo: &credpool.FreeTrialInfo{
				FreeTrialStatus:           "ACTIVE",
				CurrentUsageWithPrecision: 10,
				UsageLimitWithPrecision:   50,
			},
			Bonuses: []credpool.UsageBonus{
				{Status: "ACTIVE", CurrentUsage: 5, UsageLimit: 25},
				{Status: "EXPIRED", CurrentUsage: 99, UsageLimit: 99},
			},
		}},
	}
	current, limit := usageTotals(usage)
	if current != 115 || limit != 1075 {
		t.Errorf("totals = %v/%v, want 115/1075", current, limit)
	}

	// Inactive trial contributes nothing.
	usage.UsageBreakdownList[0].FreeTrialInfo.FreeTrialStatus = "EXPIRED"
	current, limit = usageTotals(usage)
	if current != 105 || limit != 1025 {
		t.Errorf("totals = %v/%v, want 105/1025", current, limit)
	}

	if current, limit := usageTotals(&credpool.UsageLimitsResponse{}); current != 0 || limit != 0 {
		t.Errorf("empty totals = %v/%v", current, limit)
	}
}
