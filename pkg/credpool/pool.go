package credpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/kirogw/kirogw/pkg/gwconfig"
	"golang.org/x/sync/singleflight"
)

// MaxFailures is the consecutive-failure count at which a credential gets
// disabled.
const MaxFailures = 3

// Disable reasons recorded on an entry.
const (
	DisabledManual          = "Manual"
	DisabledTooManyFailures = "TooManyFailures"
	DisabledQuotaExceeded   = "QuotaExceeded"
)

type entry struct {
	id             uint64
	creds          KiroCredentials
	failureCount   uint32
	disabled       bool
	disabledReason string
	successCount   uint64
	lastUsedAt     string // RFC3339
}

// Pool manages all configured credentials: selection, refresh, failover,
// and persistence of both the credentials file and usage statistics.
type Pool struct {
	mu                sync.Mutex
	cfg               *gwconfig.Config
	entries           []*entry
	currentID         uint64
	credsPath         string
	isMultipleFormat  bool
	loadBalancingMode string

	refreshGroup singleflight.Group

	statsDirty    bool
	statsLastSave time.Time
}

// Lease is a credential checked out for one upstream request.
type Lease struct {
	ID          uint64
	Token       string
	Credentials KiroCredentials
}

// NewPool loads the credentials file and prepares the pool. Credentials
// without ids get them assigned (and persisted when the file uses the
// array form); duplicate explicit ids are an error.
func NewPool(cfg *gwconfig.Config, credsPath string) (*Pool, error) {
	creds, isMultiple, err := LoadFile(credsPath)
	if err != nil {
		return nil, err
	}
	sortCredentials(creds)

	p := &Pool{
		cfg:               cfg,
		credsPath:         credsPath,
		isMultipleFormat:  isMultiple,
		loadBalancingMode: cfg.LoadBalancingMode,
	}
	if p.loadBalancingMode == "" {
		p.loadBalancingMode = gwconfig.LoadBalancingPriority
	}

	var maxID uint64
	seen := make(map[uint64]bool)
	for i := range creds {
		if id := creds[i].ID; id != 0 {
			if seen[id] {
				return nil, fmt.Errorf("duplicate credential id %d in %s", id, credsPath)
			}
			seen[id] = true
			if id > maxID {
				maxID = id
			}
		}
	}

	changed := false
	for i := range creds {
		if creds[i].ID == 0 {
			maxID++
			creds[i].ID = maxID
			changed = true
		}
		if creds[i].MachineID == "" {
			if mid := MachineIDFor(&creds[i], cfg); mid != "" {
				creds[i].MachineID = mid
				changed = true
			}
		}
		p.entries = append(p.entries, &entry{id: creds[i].ID, creds: creds[i]})
	}

	if e := p.selectHighestPriorityLocked(0); e != nil {
		p.currentID = e.id
	}
	if changed {
		if err := p.persistCredentials(); err != nil {
			log.Printf("[credpool] failed to persist assigned credential ids: %v", err)
		}
	}
	p.loadStats()
	return p, nil
}

// Close flushes pending statistics.
func (p *Pool) Close() {
	p.mu.Lock()
	var flush func()
	if p.statsDirty {
		flush = p.flushStatsLocked()
	}
	p.mu.Unlock()
	if flush != nil {
		flush()
	}
}

func (p *Pool) entryByIDLocked(id uint64) *entry {
	for _, e := range p.entries {
		if e.id == id {
			return e
		}
	}
	return nil
}

func (p *Pool) availableLocked() int {
	n := 0
	for _, e := range p.entries {
		if !e.disabled {
			n++
		}
	}
	return n
}

// selectHighestPriorityLocked returns the enabled entry with the lowest
// priority value, optionally skipping excludeID (0 = no exclusion).
func (p *Pool) selectHighestPriorityLocked(excludeID uint64) *entry {
	var best *entry
	for _, e := range p.entries {
		if e.disabled || e.id == excludeID {
			continue
		}
		if best == nil || e.creds.Priority < best.creds.Priority {
			best = e
		}
	}
	return best
}

// selectEntryLocked picks the next candidate for a request, honoring the
// load balancing mode. In priority mode the current credential is sticky
// while it stays enabled; balanced mode spreads load by success count and
// filters out free-tier accounts for opus requests.
func (p *Pool) selectEntryLocked(requiresOpus bool, tried map[uint64]bool) *entry {
	if p.loadBalancingMode == gwconfig.LoadBalancingBalanced {
		var best *entry
		for _, e := range p.entries {
			if e.disabled || tried[e.id] {
				continue
			}
			if requiresOpus && !e.creds.SupportsOpus() {
				continue
			}
			if best == nil ||
				e.successCount < best.successCount ||
				(e.successCount == best.successCount && e.creds.Priority < best.creds.Priority) {
				best = e
			}
		}
		return best
	}

	if cur := p.entryByIDLocked(p.currentID); cur != nil && !cur.disabled && !tried[cur.id] {
		return cur
	}
	var best *entry
	for _, e := range p.entries {
		if e.disabled || tried[e.id] {
			continue
		}
		if best == nil || e.creds.Priority < best.creds.Priority {
			best = e
		}
	}
	return best
}

// selfHealLocked re-enables credentials that were disabled for repeated
// failures, giving them another chance once everything else is exhausted.
// Quota-exhausted and manually disabled entries stay disabled.
func (p *Pool) selfHealLocked() bool {
	healed := false
	for _, e := range p.entries {
		if e.disabled && e.disabledReason == DisabledTooManyFailures {
			e.disabled = false
			e.disabledReason = ""
			e.failureCount = 0
			healed = true
			log.Printf("[credpool] re-enabling credential #%d after failure cooldown", e.id)
		}
	}
	return healed
}

// switchToNextLocked moves currentID to the best enabled entry other than
// excludeID. When nothing else is enabled it reports whether the current
// entry itself still is.
func (p *Pool) switchToNextLocked(excludeID uint64) bool {
	if next := p.selectHighestPriorityLocked(excludeID); next != nil {
		p.currentID = next.id
		log.Printf("[credpool] switching to credential #%d", next.id)
		return true
	}
	cur := p.entryByIDLocked(p.currentID)
	return cur != nil && !cur.disabled
}

// Acquire selects a credential and returns it with a valid access token,
// refreshing when needed. Refresh failures rotate to the next credential
// without counting as request failures.
func (p *Pool) Acquire(ctx context.Context, requiresOpus bool) (*Lease, error) {
	tried := make(map[uint64]bool)
	for {
		p.mu.Lock()
		total := len(p.entries)
		e := p.selectEntryLocked(requiresOpus, tried)
		if e == nil && p.selfHealLocked() {
			e = p.selectEntryLocked(requiresOpus, tried)
		}
		if e == nil {
			available := p.availableLocked()
			p.mu.Unlock()
			if len(tried) > 0 {
				return nil, fmt.Errorf("unable to get valid token from any credential (available: %d/%d)", available, total)
			}
			return nil, fmt.Errorf("all credentials are disabled (%d/%d)", available, total)
		}
		id := e.id
		p.currentID = id
		p.mu.Unlock()

		token, err := p.ensureToken(ctx, id)
		if err != nil {
			log.Printf("[credpool] token refresh failed for credential #%d: %v", id, err)
			tried[id] = true
			p.mu.Lock()
			p.switchToNextLocked(id)
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		var cred KiroCredentials
		if cur := p.entryByIDLocked(id); cur != nil {
			cred = cur.creds
		}
		p.mu.Unlock()
		return &Lease{ID: id, Token: token, Credentials: cred}, nil
	}
}

// ensureToken returns a non-expired access token for the credential,
// refreshing it when expired or expiring soon. Concurrent refreshes of the
// same credential are collapsed into one.
func (p *Pool) ensureToken(ctx context.Context, id uint64) (string, error) {
	p.mu.Lock()
	e := p.entryByIDLocked(id)
	if e == nil {
		p.mu.Unlock()
		return "", fmt.Errorf("credential #%d not found", id)
	}
	cred := e.creds
	p.mu.Unlock()

	if !tokenExpired(&cred) && !tokenExpiringSoon(&cred) {
		if cred.AccessToken == "" {
			return "", errors.New("no accessToken available")
		}
		return cred.AccessToken, nil
	}

	v, err, _ := p.refreshGroup.Do(fmt.Sprintf("refresh-%d", id), func() (any, error) {
		p.mu.Lock()
		e := p.entryByIDLocked(id)
		if e == nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("credential #%d not found", id)
		}
		cred := e.creds
		p.mu.Unlock()

		// Another caller may have refreshed while we waited.
		if !tokenExpired(&cred) && !tokenExpiringSoon(&cred) && cred.AccessToken != "" {
			return cred.AccessToken, nil
		}

		refreshed, err := refreshCredentials(ctx, &cred, p.cfg)
		if err != nil {
			return nil, err
		}
		if tokenExpired(&refreshed) {
			return nil, errors.New("refreshed token is still invalid or expired")
		}
		if refreshed.AccessToken == "" {
			return nil, errors.New("no accessToken available after refresh")
		}

		p.mu.Lock()
		if cur := p.entryByIDLocked(id); cur != nil {
			cur.creds = refreshed
		}
		p.mu.Unlock()
		if err := p.persistCredentials(); err != nil {
			log.Printf("[credpool] failed to persist refreshed credentials: %v", err)
		}
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ReportSuccess resets the failure counter and records usage stats.
func (p *Pool) ReportSuccess(id uint64) {
	p.mu.Lock()
	e := p.entryByIDLocked(id)
	if e == nil {
		p.mu.Unlock()
		return
	}
	e.failureCount = 0
	e.successCount++
	e.lastUsedAt = time.Now().Format(time.RFC3339)
	flush := p.markStatsDirtyLocked()
	p.mu.Unlock()
	if flush != nil {
		flush()
	}
}

// ReportFailure counts a failed upstream call; at MaxFailures the
// credential gets disabled and the pool rotates to the next one. Returns
// whether any enabled credential remains.
func (p *Pool) ReportFailure(id uint64) bool {
	p.mu.Lock()
	e := p.entryByIDLocked(id)
	if e == nil {
		ok := p.availableLocked() > 0
		p.mu.Unlock()
		return ok
	}
	e.failureCount++
	e.lastUsedAt = time.Now().Format(time.RFC3339)
	if e.failureCount >= MaxFailures && !e.disabled {
		e.disabled = true
		e.disabledReason = DisabledTooManyFailures
		log.Printf("[credpool] credential #%d disabled after %d consecutive failures", id, e.failureCount)
		p.switchToNextLocked(id)
	}
	flush := p.markStatsDirtyLocked()
	ok := p.availableLocked() > 0
	p.mu.Unlock()
	if flush != nil {
		flush()
	}
	return ok
}

// ReportQuotaExhausted disables a credential whose monthly quota ran out
// and rotates away from it. Returns whether another enabled credential
// could take over.
func (p *Pool) ReportQuotaExhausted(id uint64) bool {
	p.mu.Lock()
	e := p.entryByIDLocked(id)
	if e == nil || e.disabled {
		ok := p.availableLocked() > 0
		p.mu.Unlock()
		return ok
	}
	e.disabled = true
	e.disabledReason = DisabledQuotaExceeded
	e.failureCount = MaxFailures
	e.lastUsedAt = time.Now().Format(time.RFC3339)
	log.Printf("[credpool] credential #%d disabled: monthly quota exhausted", id)
	ok := p.switchToNextLocked(id)
	flush := p.markStatsDirtyLocked()
	p.mu.Unlock()
	if flush != nil {
		flush()
	}
	return ok
}

// persistCredentials rewrites the credentials file. Single-object files
// are never rewritten so hand-maintained files stay untouched.
func (p *Pool) persistCredentials() error {
	p.mu.Lock()
	if !p.isMultipleFormat || p.credsPath == "" {
		p.mu.Unlock()
		return nil
	}
	out := make([]KiroCredentials, 0, len(p.entries))
	for _, e := range p.entries {
		c := e.creds
		c.AuthMethod = CanonicalAuthMethod(c.AuthMethod)
		out = append(out, c)
	}
	path := p.credsPath
	p.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write credentials file %s: %w", path, err)
	}
	return nil
}
