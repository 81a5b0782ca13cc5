package models

// CacheStats describes the replay cache of finished transcripts.
// Hits and Misses count lookups made by this process only.
type CacheStats struct {
	Entries int64             `json:"entries"`
	Expired int64             `json:"expired"`
	Hits    int64             `json:"hits"`
	Misses  int64             `json:"misses"`
	Models  []ModelCacheStats `json:"models,omitempty"`
}

// ModelCacheStats is the share of the cache keyed to one model.
type ModelCacheStats struct {
	Model   string `json:"model"`
	Entries int64  `json:"entries"`
	Expired int64  `json:"expired"`
	Chars   int64  `json:"chars"`
}
