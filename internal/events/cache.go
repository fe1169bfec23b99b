package events

// CacheHit is emitted when a single-query response is served from the
// result cache.
type CacheHit struct {
	Key string
}

// CacheMiss is emitted when the result cache had no fresh entry.
type CacheMiss struct {
	Key string
}

// CacheInvalidate is emitted when entries are purged by tag.
type CacheInvalidate struct {
	Tag     string
	Entries int
}
