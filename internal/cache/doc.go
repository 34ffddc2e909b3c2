// Package cache implements the two-tier key/value store.
//
// L1 is a bounded, process-local LRU. L2 is shared Redis and is treated as
// authoritative. Reads check L1 then L2 and promote L2 hits into L1 with the
// remaining Redis TTL. Writes go to both tiers with the same expiry.
//
// The store is best-effort: backing-store failures are logged, counted
// through the Recorder and degrade to a miss or a no-op. Only caller errors
// such as an invalid key are returned.
package cache
