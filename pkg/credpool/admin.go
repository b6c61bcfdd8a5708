package credpool

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/kirogw/kirogw/pkg/gwconfig"
)

// CacheDir is the directory holding the credentials file. Sidecar caches
// (stats, balances) live there. Empty when the pool has no backing file.
func (p *Pool) CacheDir() string {
	if p.credsPath == "" {
		return ""
	}
	return filepath.Dir(p.credsPath)
}

// EntrySnapshot is the admin-facing view of one credential. Secrets are
// reduced to a hash of the refresh token for identification.
type EntrySnapshot struct {
	ID                uint64 `json:"id"`
	Priority          uint32 `json:"priority"`
	Disabled          bool   `json:"disabled"`
	DisabledReason    string `json:"disabledReason,omitempty"`
	FailureCount      uint32 `json:"failureCount"`
	AuthMethod        string `json:"authMethod"`
	HasProfileArn     bool   `json:"hasProfileArn"`
	ExpiresAt         string `json:"expiresAt,omitempty"`
	RefreshTokenHash  string `json:"refreshTokenHash,omitempty"`
	Email             string `json:"email,omitempty"`
	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`
	SupportsOpus      bool   `json:"supportsOpus"`
	SuccessCount      uint64 `json:"successCount"`
	LastUsedAt        string `json:"lastUsedAt,omitempty"`
}

// PoolSnapshot is the full pool state for the admin API.
type PoolSnapshot struct {
	Entries           []EntrySnapshot `json:"entries"`
	CurrentID         uint64          `json:"currentId"`
	Total             int             `json:"total"`
	Available         int             `json:"available"`
	LoadBalancingMode string          `json:"loadBalancingMode"`
}

// Snapshot returns the current pool state without secrets.
func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := PoolSnapshot{
		Entries:           make([]EntrySnapshot, 0, len(p.entries)),
		CurrentID:         p.currentID,
		Total:             len(p.entries),
		Available:         p.availableLocked(),
		LoadBalancingMode: p.loadBalancingMode,
	}
	for _, e := range p.entries {
		es := EntrySnapshot{
			ID:                e.id,
			Priority:          e.creds.Priority,
			Disabled:          e.disabled,
			DisabledReason:    e.disabledReason,
			FailureCount:      e.failureCount,
			AuthMethod:        CanonicalAuthMethod(e.creds.AuthMethod),
			HasProfileArn:     e.creds.ProfileArn != "",
			ExpiresAt:         e.creds.ExpiresAt,
			Email:             e.creds.Email,
			SubscriptionTitle: e.creds.SubscriptionTitle,
			SupportsOpus:      e.creds.SupportsOpus(),
			SuccessCount:      e.successCount,
			LastUsedAt:        e.lastUsedAt,
		}
		if e.creds.RefreshToken != "" {
			es.RefreshTokenHash = sha256Hex(e.creds.RefreshToken)
		}
		snap.Entries = append(snap.Entries, es)
	}
	return snap
}

// SetDisabled manually disables or re-enables a credential. Enabling also
// clears the failure counter.
func (p *Pool) SetDisabled(id uint64, disabled bool) error {
	p.mu.Lock()
	e := p.entryByIDLocked(id)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("credential #%d not found", id)
	}
	if disabled {
		e.disabled = true
		e.disabledReason = DisabledManual
	} else {
		e.disabled = false
		e.disabledReason = ""
		e.failureCount = 0
	}
	p.mu.Unlock()
	return p.persistCredentials()
}

// SetPriority updates a credential's priority and re-selects the current
// credential accordingly.
func (p *Pool) SetPriority(id uint64, priority uint32) error {
	p.mu.Lock()
	e := p.entryByIDLocked(id)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("credential #%d not found", id)
	}
	e.creds.Priority = priority
	if best := p.selectHighestPriorityLocked(0); best != nil {
		p.currentID = best.id
	}
	p.mu.Unlock()
	return p.persistCredentials()
}

// ResetAndEnable clears a credential's failure state and re-enables it.
func (p *Pool) ResetAndEnable(id uint64) error {
	p.mu.Lock()
	e := p.entryByIDLocked(id)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("credential #%d not found", id)
	}
	e.disabled = false
	e.disabledReason = ""
	e.failureCount = 0
	p.mu.Unlock()
	return p.persistCredentials()
}

// UsageLimits queries the live quota for one credential, refreshing its
// token first when needed. A changed subscription title is written back so
// the opus capability check stays current.
func (p *Pool) UsageLimits(ctx context.Context, id uint64) (*UsageLimitsResponse, error) {
	token, err := p.ensureToken(ctx, id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	e := p.entryByIDLocked(id)
	if e == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("credential #%d not found", id)
	}
	cred := e.creds
	p.mu.Unlock()

	limits, err := fetchUsageLimits(ctx, &cred, p.cfg, token)
	if err != nil {
		return nil, err
	}

	if limits.SubscriptionInfo != nil && limits.SubscriptionInfo.SubscriptionTitle != "" &&
		limits.SubscriptionInfo.SubscriptionTitle != cred.SubscriptionTitle {
		p.mu.Lock()
		if cur := p.entryByIDLocked(id); cur != nil {
			cur.creds.SubscriptionTitle = limits.SubscriptionInfo.SubscriptionTitle
		}
		p.mu.Unlock()
		if err := p.persistCredentials(); err != nil {
			log.Printf("[credpool] failed to persist subscription title for credential #%d: %v", id, err)
		}
	}
	return limits, nil
}

// AddCredential validates a new credential by refreshing its token, then
// appends it to the pool and persists. The returned id identifies the new
// entry. Duplicates (same refresh token) are rejected.
func (p *Pool) AddCredential(ctx context.Context, cred KiroCredentials) (uint64, error) {
	if err := validateRefreshToken(&cred); err != nil {
		return 0, err
	}

	newHash := sha256Hex(cred.RefreshToken)
	p.mu.Lock()
	for _, e := range p.entries {
		if e.creds.RefreshToken != "" && sha256Hex(e.creds.RefreshToken) == newHash {
			p.mu.Unlock()
			return 0, fmt.Errorf("credential already exists (same refreshToken as #%d)", e.id)
		}
	}
	p.mu.Unlock()

	validated, err := refreshCredentials(ctx, &cred, p.cfg)
	if err != nil {
		return 0, fmt.Errorf("credential validation failed: %w", err)
	}
	validated.AuthMethod = CanonicalAuthMethod(validated.AuthMethod)
	if validated.MachineID == "" {
		validated.MachineID = MachineIDFor(&validated, p.cfg)
	}

	p.mu.Lock()
	var maxID uint64
	for _, e := range p.entries {
		if e.id > maxID {
			maxID = e.id
		}
	}
	validated.ID = maxID + 1
	p.entries = append(p.entries, &entry{id: validated.ID, creds: validated})
	p.isMultipleFormat = true
	if len(p.entries) == 1 {
		p.currentID = validated.ID
	}
	id := validated.ID
	p.mu.Unlock()

	if err := p.persistCredentials(); err != nil {
		return id, err
	}
	return id, nil
}

// DeleteCredential removes a credential from the pool. Only disabled
// credentials can be deleted, as a guard against removing a live account.
func (p *Pool) DeleteCredential(id uint64) error {
	p.mu.Lock()
	idx := -1
	for i, e := range p.entries {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("credential #%d not found", id)
	}
	if !p.entries[idx].disabled {
		p.mu.Unlock()
		return fmt.Errorf("can only delete disabled credentials (disable #%d first)", id)
	}
	p.entries = append(p.entries[:idx], p.entries[idx+1:]...)
	if p.currentID == id {
		if best := p.selectHighestPriorityLocked(0); best != nil {
			p.currentID = best.id
		} else {
			p.currentID = 0
		}
	}
	p.mu.Unlock()
	return p.persistCredentials()
}

// LoadBalancingMode returns the active selection mode.
func (p *Pool) LoadBalancingMode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadBalancingMode
}

// SetLoadBalancingMode switches between priority and balanced selection
// and persists the choice to the config file. The in-memory mode rolls
// back when persisting fails.
func (p *Pool) SetLoadBalancingMode(mode string) error {
	if mode != gwconfig.LoadBalancingPriority && mode != gwconfig.LoadBalancingBalanced {
		return fmt.Errorf("invalid load balancing mode %q (expected %q or %q)",
			mode, gwconfig.LoadBalancingPriority, gwconfig.LoadBalancingBalanced)
	}

	p.mu.Lock()
	prev := p.loadBalancingMode
	if prev == mode {
		p.mu.Unlock()
		return nil
	}
	p.loadBalancingMode = mode
	p.mu.Unlock()

	fresh, err := gwconfig.Load(p.cfg.Path())
	if err == nil {
		fresh.LoadBalancingMode = mode
		err = fresh.Save()
	}
	if err != nil {
		p.mu.Lock()
		p.loadBalancingMode = prev
		p.mu.Unlock()
		return fmt.Errorf("persist load balancing mode: %w", err)
	}
	p.cfg.LoadBalancingMode = mode
	return nil
}
