package models

import "time"

// CacheEntry stores a cached generation under its content-addressed key.
type CacheEntry struct {
	Key       string        `json:"key"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Response  []byte        `json:"response"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// HitRate returns hits as a fraction of all lookups, or 0 when there have
// been none.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
