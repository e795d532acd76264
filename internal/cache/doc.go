// Package cache provides a small generic TTL cache.
//
// The cache is safe for concurrent use. Entries expire a fixed duration after
// they were last written, and when the cache is at capacity the least recently
// written entry is evicted. A background goroutine removes expired entries
// periodically; call Close to stop it.
package cache
