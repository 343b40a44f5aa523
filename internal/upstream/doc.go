// Package upstream fetches cache misses from the configured mirrors. Fetcher
// performs one GET against one source into a temp file; Coordinator walks the
// ordered source list for a key, de-duplicates concurrent misses for the same
// key with singleflight and promotes the first complete download into the
// cache with an atomic rename.
package upstream
