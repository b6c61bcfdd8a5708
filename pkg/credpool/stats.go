package credpool

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const statsFileName = "kiro_stats.json"

// statsSaveDebounce bounds how often stats hit disk; pending writes are
// flushed on Close.
const statsSaveDebounce = 30 * time.Second

type credStats struct {
	SuccessCount uint64 `json:"success_count"`
	LastUsedAt   string `json:"last_used_at,omitempty"`
}

func (p *Pool) statsPath() string {
	if p.credsPath == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(p.credsPath), statsFileName)
}

// loadStats applies the saved per-credential counters to matching entries.
func (p *Pool) loadStats() {
	path := p.statsPath()
	if path == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statsLastSave = time.Now()
	p.statsDirty = false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[credpool] failed to read stats file %s: %v", path, err)
		}
		return
	}
	var stats map[string]credStats
	if err := json.Unmarshal(data, &stats); err != nil {
		log.Printf("[credpool] failed to parse stats file %s: %v", path, err)
		return
	}
	for _, e := range p.entries {
		if s, ok := stats[strconv.FormatUint(e.id, 10)]; ok {
			e.successCount = s.SuccessCount
			e.lastUsedAt = s.LastUsedAt
		}
	}
}

// markStatsDirtyLocked records that stats changed. When the debounce window
// has passed it snapshots the counters and returns the write step; the
// caller runs that after releasing p.mu. Returns nil when no write is due.
func (p *Pool) markStatsDirtyLocked() func() {
	p.statsDirty = true
	if !p.statsLastSave.IsZero() && time.Since(p.statsLastSave) < statsSaveDebounce {
		return nil
	}
	return p.flushStatsLocked()
}

// flushStatsLocked snapshots the counters under p.mu and returns the file
// write as a deferred step, so serializing and disk I/O never happen while
// the pool mutex is held.
func (p *Pool) flushStatsLocked() func() {
	path := p.statsPath()
	if path == "" {
		return nil
	}
	stats := make(map[string]credStats, len(p.entries))
	for _, e := range p.entries {
		stats[strconv.FormatUint(e.id, 10)] = credStats{
			SuccessCount: e.successCount,
			LastUsedAt:   e.lastUsedAt,
		}
	}
	p.statsDirty = false
	p.statsLastSave = time.Now()
	return func() { writeStatsFile(path, stats) }
}

func writeStatsFile(path string, stats map[string]credStats) {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		log.Printf("[credpool] failed to serialize stats: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Printf("[credpool] failed to write stats file %s: %v", path, err)
	}
}
