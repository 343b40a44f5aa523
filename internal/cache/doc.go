// Package cache owns the on-disk package cache. It maps request paths to jailed
// cache keys (Resolve), answers "is this entry materialized" and delegates
// misses to a Filler that writes the file through a temp file + rename, so a
// reader never observes a partially written entry. Entries live at
// <StoragePath>/<key>, mirroring the request path, and are never evicted by the
// process; the Janitor only removes temp files orphaned by dead processes.
package cache
