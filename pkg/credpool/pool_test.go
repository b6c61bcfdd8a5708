package credpool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirogw/kirogw/pkg/gwconfig"
)

func freshCred(n int, priority uint32) KiroCredentials {
	return KiroCredentials{
		AccessToken:  fmt.Sprintf("token-%d", n),
		RefreshToken: strings.Repeat(fmt.Sprintf("r%d", n), 60),
		ExpiresAt:    time.Now().Add(time.Hour).Format(time.RFC3339),
		AuthMethod:   "social",
		Priority:     priority,
	}
}

func writeCredsFile(t *testing.T, creds []KiroCredentials) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func newTestPool(t *testing.T, cfg *gwconfig.Config, creds []KiroCredentials) *Pool {
	t.Helper()
	if cfg == nil {
		cfg = gwconfig.Default()
	}
	p, err := NewPool(cfg, writeCredsFile(t, creds))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

func TestPoolAssignsIDsAndPersists(t *testing.T) {
	path := writeCredsFile(t, []KiroCredentials{freshCred(1, 0), freshCred(2, 1)})
	p, err := NewPool(gwconfig.Default(), path)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	snap := p.Snapshot()
	if len(snap.Entries) != 2 || snap.Entries[0].ID != 1 || snap.Entries[1].ID != 2 {
		t.Fatalf("ids not assigned: %+v", snap.Entries)
	}
	if snap.CurrentID != 1 {
		t.Errorf("initial current should be highest priority, got #%d", snap.CurrentID)
	}

	saved, multiple, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !multiple || len(saved) != 2 {
		t.Fatalf("file not rewritten in array form: %v %d", multiple, len(saved))
	}
	if saved[0].ID != 1 || saved[1].ID != 2 {
		t.Errorf("assigned ids not persisted: %+v", saved)
	}
	if saved[0].MachineID == "" {
		t.Errorf("derived machineId not persisted")
	}
}

func TestPoolDuplicateIDsRejected(t *testing.T) {
	a := freshCred(1, 0)
	a.ID = 7
	b := freshCred(2, 1)
	b.ID = 7
	if _, err := NewPool(gwconfig.Default(), writeCredsFile(t, []KiroCredentials{a, b})); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestPoolSingleObjectFileNotRewritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	content := `{"refreshToken": "` + strings.Repeat("r", 120) + `", "accessToken": "tok", "expiresAt": "` +
		time.Now().Add(time.Hour).Format(time.RFC3339) + `"}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := NewPool(gwconfig.Default(), path)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if got := p.Snapshot().Total; got != 1 {
		t.Fatalf("total = %d", got)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		t.Errorf("single-object file was rewritten as array")
	}
}

func TestAcquirePriorityOrder(t *testing.T) {
	p := newTestPool(t, nil, []KiroCredentials{freshCred(1, 5), freshCred(2, 0)})
	lease, err := p.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Token != "token-2" {
		t.Errorf("expected lowest-priority-value credential, got token %q", lease.Token)
	}
}

func TestAcquireStickyCurrentInPriorityMode(t *testing.T) {
	p := newTestPool(t, nil, []KiroCredentials{freshCred(1, 0), freshCred(2, 0)})
	first, err := p.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.ReportSuccess(first.ID)
	second, err := p.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("priority mode should stick to current: %d then %d", first.ID, second.ID)
	}
}

func TestReportFailureDisablesAfterMax(t *testing.T) {
	p := newTestPool(t, nil, []KiroCredentials{freshCred(1, 0), freshCred(2, 1)})
	for i := 0; i < MaxFailures; i++ {
		if !p.ReportFailure(1) {
			t.Fatalf("second credential should still be available")
		}
	}
	snap := p.Snapshot()
	if !snap.Entries[0].Disabled || snap.Entries[0].DisabledReason != DisabledTooManyFailures {
		t.Fatalf("credential #1 not disabled: %+v", snap.Entries[0])
	}
	lease, err := p.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.ID != 2 {
		t.Errorf("expected failover to #2, got #%d", lease.ID)
	}
}

func TestAcquireSelfHealsFailureDisabled(t *testing.T) {
	p := newTestPool(t, nil, []KiroCredentials{freshCred(1, 0)})
	for i := 0; i < MaxFailures; i++ {
		p.ReportFailure(1)
	}
	if p.Snapshot().Available != 0 {
		t.Fatalf("credential should be disabled")
	}
	lease, err := p.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("Acquire should self-heal: %v", err)
	}
	if lease.ID != 1 {
		t.Errorf("lease id = %d", lease.ID)
	}
	if p.Snapshot().Entries[0].Disabled {
		t.Errorf("credential should be re-enabled after self-heal")
	}
}

func TestQuotaExhaustedNotSelfHealed(t *testing.T) {
	p := newTestPool(t, nil, []KiroCredentials{freshCred(1, 0)})
	if p.ReportQuotaExhausted(1) {
		t.Errorf("no other credential should be available")
	}
	_, err := p.Acquire(context.Background(), false)
	if err == nil {
		t.Fatalf("expected error with quota-exhausted credential")
	}
	if !strings.Contains(err.Error(), "all credentials are disabled (0/1)") {
		t.Errorf("unexpected error: %v", err)
	}
	if got := p.Snapshot().Entries[0].DisabledReason; got != DisabledQuotaExceeded {
		t.Errorf("reason = %q", got)
	}
}

func TestBalancedPrefersLowestSuccessCount(t *testing.T) {
	cfg := gwconfig.Default()
	cfg.LoadBalancingMode = gwconfig.LoadBalancingBalanced
	p := newTestPool(t, cfg, []KiroCredentials{freshCred(1, 0), freshCred(2, 1)})
	p.ReportSuccess(1)
	p.ReportSuccess(1)
	lease, err := p.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.ID != 2 {
		t.Errorf("balanced mode should pick least-used credential, got #%d", lease.ID)
	}
}

func TestBalancedOpusFilter(t *testing.T) {
	cfg := gwconfig.Default()
	cfg.LoadBalancingMode = gwconfig.LoadBalancingBalanced
	free := freshCred(1, 0)
	free.SubscriptionTitle = "KIRO FREE TIER"
	pro := freshCred(2, 1)
	pro.SubscriptionTitle = "KIRO PRO"
	p := newTestPool(t, cfg, []KiroCredentials{free, pro})
	p.ReportSuccess(2)
	p.ReportSuccess(2)

	lease, err := p.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.ID != 2 {
		t.Errorf("opus request should skip free-tier credential, got #%d", lease.ID)
	}

	lease, err = p.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.ID != 1 {
		t.Errorf("non-opus request should use least-used credential, got #%d", lease.ID)
	}
}

func TestBalancedConcurrentAcquiresConverge(t *testing.T) {
	cfg := gwconfig.Default()
	cfg.LoadBalancingMode = gwconfig.LoadBalancingBalanced
	p := newTestPool(t, cfg, []KiroCredentials{freshCred(1, 0), freshCred(2, 0)})

	const workers = 8
	const rounds = 25
	perWorker := make([]map[uint64]int, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		perWorker[i] = make(map[uint64]int)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			for j := 0; j < rounds; j++ {
				lease, err := p.Acquire(context.Background(), false)
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				perWorker[i][lease.ID]++
				p.ReportSuccess(lease.ID)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	totals := map[uint64]int{}
	for _, m := range perWorker {
		for id, n := range m {
			totals[id] += n
		}
	}
	if totals[1] == 0 || totals[2] == 0 {
		t.Fatalf("balanced acquires stuck on one credential: %v", totals)
	}
	// At most `workers` leases are unreported at any instant, so the two
	// success counts can never drift further apart than that window.
	if diff := totals[1] - totals[2]; diff > 2*workers || diff < -2*workers {
		t.Errorf("success counts diverged beyond the in-flight window: %v", totals)
	}
}

func TestAcquireRefreshFailureRotates(t *testing.T) {
	// Expired token plus an invalid refresh token makes refresh fail
	// before any network call.
	broken := KiroCredentials{
		AccessToken:  "stale",
		RefreshToken: "short",
		ExpiresAt:    time.Now().Add(-time.Hour).Format(time.RFC3339),
		Priority:     0,
	}
	p := newTestPool(t, nil, []KiroCredentials{broken, freshCred(2, 1)})
	lease, err := p.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.ID != 2 {
		t.Errorf("expected rotation past broken credential, got #%d", lease.ID)
	}
}

func TestAcquireAllRefreshesFail(t *testing.T) {
	broken := KiroCredentials{
		AccessToken:  "stale",
		RefreshToken: "short",
		ExpiresAt:    time.Now().Add(-time.Hour).Format(time.RFC3339),
	}
	p := newTestPool(t, nil, []KiroCredentials{broken})
	_, err := p.Acquire(context.Background(), false)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "unable to get valid token from any credential (available: 1/1)") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAddCredentialValidation(t *testing.T) {
	p := newTestPool(t, nil, []KiroCredentials{freshCred(1, 0)})

	if _, err := p.AddCredential(context.Background(), KiroCredentials{RefreshToken: "short"}); err == nil {
		t.Errorf("truncated refresh token accepted")
	}

	dup := KiroCredentials{RefreshToken: strings.Repeat("r1", 60)}
	if _, err := p.AddCredential(context.Background(), dup); err == nil ||
		!strings.Contains(err.Error(), "already exists") {
		t.Errorf("duplicate refresh token not rejected: %v", err)
	}
}

func TestDeleteCredentialRequiresDisabled(t *testing.T) {
	p := newTestPool(t, nil, []KiroCredentials{freshCred(1, 0), freshCred(2, 1)})
	if err := p.DeleteCredential(1); err == nil {
		t.Fatalf("deleting an enabled credential should fail")
	}
	if err := p.SetDisabled(1, true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if err := p.DeleteCredential(1); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	snap := p.Snapshot()
	if snap.Total != 1 || snap.Entries[0].ID != 2 {
		t.Errorf("unexpected entries after delete: %+v", snap.Entries)
	}
	if snap.CurrentID != 2 {
		t.Errorf("current not reselected after delete: #%d", snap.CurrentID)
	}
}

func TestSetDisabledManualReason(t *testing.T) {
	p := newTestPool(t, nil, []KiroCredentials{freshCred(1, 0)})
	if err := p.SetDisabled(1, true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if got := p.Snapshot().Entries[0].DisabledReason; got != DisabledManual {
		t.Errorf("reason = %q", got)
	}
	if err := p.SetDisabled(1, false); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	e := p.Snapshot().Entries[0]
	if e.Disabled || e.DisabledReason != "" || e.FailureCount != 0 {
		t.Errorf("enable did not reset state: %+v", e)
	}
}

func TestSetPriorityReselectsCurrent(t *testing.T) {
	p := newTestPool(t, nil, []KiroCredentials{freshCred(1, 0), freshCred(2, 5)})
	if p.Snapshot().CurrentID != 1 {
		t.Fatalf("precondition: current should be #1")
	}
	if err := p.SetPriority(1, 10); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if got := p.Snapshot().CurrentID; got != 2 {
		t.Errorf("current after priority change = #%d, want #2", got)
	}
}

func TestSetLoadBalancingMode(t *testing.T) {
	dir := t.TempDir()
	cfg, err := gwconfig.Load(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	p := newTestPool(t, cfg, []KiroCredentials{freshCred(1, 0)})

	if err := p.SetLoadBalancingMode("round-robin"); err == nil {
		t.Errorf("invalid mode accepted")
	}
	if err := p.SetLoadBalancingMode(gwconfig.LoadBalancingBalanced); err != nil {
		t.Fatalf("SetLoadBalancingMode: %v", err)
	}
	if got := p.LoadBalancingMode(); got != gwconfig.LoadBalancingBalanced {
		t.Errorf("mode = %q", got)
	}
	reloaded, err := gwconfig.Load(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if reloaded.LoadBalancingMode != gwconfig.LoadBalancingBalanced {
		t.Errorf("mode not persisted: %q", reloaded.LoadBalancingMode)
	}
}

func TestSetLoadBalancingModeRollbackOnPersistFailure(t *testing.T) {
	// Config with no file path cannot be saved.
	p := newTestPool(t, gwconfig.Default(), []KiroCredentials{freshCred(1, 0)})
	if err := p.SetLoadBalancingMode(gwconfig.LoadBalancingBalanced); err == nil {
		t.Fatalf("expected persist error")
	}
	if got := p.LoadBalancingMode(); got != gwconfig.LoadBalancingPriority {
		t.Errorf("mode not rolled back: %q", got)
	}
}

func TestStatsRoundTrip(t *testing.T) {
	path := writeCredsFile(t, []KiroCredentials{freshCred(1, 0)})
	cfg := gwconfig.Default()
	p, err := NewPool(cfg, path)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	p.ReportSuccess(1)
	p.Close()

	statsData, err := os.ReadFile(filepath.Join(filepath.Dir(path), statsFileName))
	if err != nil {
		t.Fatalf("stats file not written: %v", err)
	}
	var stats map[string]credStats
	if err := json.Unmarshal(statsData, &stats); err != nil {
		t.Fatalf("stats file invalid: %v", err)
	}
	if stats["1"].SuccessCount != 1 {
		t.Errorf("success count = %d", stats["1"].SuccessCount)
	}

	p2, err := NewPool(cfg, path)
	if err != nil {
		t.Fatalf("NewPool reload: %v", err)
	}
	if got := p2.Snapshot().Entries[0].SuccessCount; got != 1 {
		t.Errorf("stats not applied on load: %d", got)
	}
}

func TestConcurrentReportsFlushStats(t *testing.T) {
	path := writeCredsFile(t, []KiroCredentials{freshCred(1, 0)})
	p, err := NewPool(gwconfig.Default(), path)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	const workers = 4
	const rounds = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				p.ReportSuccess(1)
			}
		}()
	}
	wg.Wait()
	p.Close()

	statsData, err := os.ReadFile(filepath.Join(filepath.Dir(path), statsFileName))
	if err != nil {
		t.Fatalf("stats file not written: %v", err)
	}
	var stats map[string]credStats
	if err := json.Unmarshal(statsData, &stats); err != nil {
		t.Fatalf("stats file invalid: %v", err)
	}
	if got := stats["1"].SuccessCount; got != workers*rounds {
		t.Errorf("success count = %d, want %d", got, workers*rounds)
	}
}

func TestSnapshotHidesSecrets(t *testing.T) {
	p := newTestPool(t, nil, []KiroCredentials{freshCred(1, 0)})
	snap := p.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), strings.Repeat("r1", 60)) {
		t.Errorf("snapshot leaks refresh token")
	}
	if snap.Entries[0].RefreshTokenHash == "" {
		t.Errorf("refresh token hash missing")
	}
}
