package admin

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const balanceCacheFileName = "kiro_balance_cache.json"

// balanceCacheTTL bounds how long a fetched balance is served without a
// new upstream round trip.
const balanceCacheTTL = 300 * time.Second

type cachedBalance struct {
	// CachedAt is Unix seconds.
	CachedAt float64         `json:"cached_at"`
	Data     BalanceResponse `json:"data"`
}

// balanceCache is a TTL cache for credential balances, persisted as a
// sidecar JSON file next to the credentials file. The file uses string
// keys so it stays a plain JSON object.
type balanceCache struct {
	mu      sync.Mutex
	path    string // empty disables persistence
	entries map[uint64]cachedBalance
}

func newBalanceCache(dir string) *balanceCache {
	c := &balanceCache{entries: make(map[uint64]cachedBalance)}
	if dir == "" {
		return c
	}
	c.path = filepath.Join(dir, balanceCacheFileName)
	c.load()
	return c
}

// load runs during construction, before the cache is shared.
func (c *balanceCache) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var raw map[string]cachedBalance
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("[admin] ignoring unreadable balance cache: %v", err)
		return
	}
	now := float64(time.Now().Unix())
	for key, entry := range raw {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		if now-entry.CachedAt < balanceCacheTTL.Seconds() {
			c.entries[id] = entry
		}
	}
}

// Get returns the cached balance when present and fresh.
func (c *balanceCache) Get(id uint64) (BalanceResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return BalanceResponse{}, false
	}
	if float64(time.Now().Unix())-entry.CachedAt >= balanceCacheTTL.Seconds() {
		return BalanceResponse{}, false
	}
	return entry.Data, true
}

func (c *balanceCache) Put(id uint64, balance BalanceResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = cachedBalance{CachedAt: float64(time.Now().Unix()), Data: balance}
	c.saveLocked()
}

func (c *balanceCache) Delete(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	c.saveLocked()
}

// saveLocked writes the cache file while holding the mutex so concurrent
// updates cannot interleave partial writes.
func (c *balanceCache) saveLocked() {
	if c.path == "" {
		return
	}
	raw := make(map[string]cachedBalance, len(c.entries))
	for id, entry := range c.entries {
		raw[strconv.FormatUint(id, 10)] = entry
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		log.Printf("[admin] failed to serialize balance cache: %v", err)
		return
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		log.Printf("[admin] failed to save balance cache: %v", err)
	}
}
