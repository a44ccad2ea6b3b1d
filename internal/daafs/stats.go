// Copyright (C) 2023 olix3001

package daafs

// Stats is a point-in-time snapshot of the engine, served by the status
// HTTP endpoint.
type Stats struct {
	Size     int64 `json:"size"`
	PageSize int   `json:"page_size"`

	CachedPages int  `json:"cached_pages"`
	QueuedPages int  `json:"queued_pages"`
	InFlight    bool `json:"in_flight"`
	Failed      bool `json:"failed"`

	CacheHits     uint64 `json:"cache_hits"`
	Rescues       uint64 `json:"rescues"`
	InflightReads uint64 `json:"inflight_reads"`
	ZeroReads     uint64 `json:"zero_reads"`
	Fetches       uint64 `json:"fetches"`
	Evictions     uint64 `json:"evictions"`
	CleanDrops    uint64 `json:"clean_drops"`
	Persists      uint64 `json:"persists"`
	ZeroPersists  uint64 `json:"zero_persists"`
	Flushes       uint64 `json:"flushes"`
}

// Stats returns a consistent snapshot of the engine state.
func (s *BlockStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Size:     s.opts.Size,
		PageSize: s.opts.PageSize,

		CachedPages: s.cache.Len(),
		QueuedPages: s.queue.Len(),
		InFlight:    s.inflight != nil,
		Failed:      s.failed != nil,

		CacheHits:     s.stats.cacheHits,
		Rescues:       s.stats.rescues,
		InflightReads: s.stats.inflightReads,
		ZeroReads:     s.stats.zeroReads,
		Fetches:       s.stats.fetches,
		Evictions:     s.stats.evictions,
		CleanDrops:    s.stats.cleanDrops,
		Persists:      s.stats.persists,
		ZeroPersists:  s.stats.zeroPersists,
		Flushes:       s.stats.flushes,
	}
}
