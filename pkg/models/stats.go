package models

// QueueStats is a point-in-time snapshot of a generation queue.
type QueueStats struct {
	Depth     int    `json:"depth"`
	InFlight  string `json:"in_flight,omitempty"`
	Enqueued  int64  `json:"enqueued"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Cancelled int64  `json:"cancelled"`
}

// SpeculativeStats reports speculative cache activity.
type SpeculativeStats struct {
	Epoch     uint64 `json:"epoch"`
	Pending   int    `json:"pending"`
	Completed int    `json:"completed"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Discarded int64  `json:"discarded"`
}
