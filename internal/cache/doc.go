// Package cache implements the disk-backed resource cache shared by every
// resolver in a process and by every process pointed at the same directory.
//
// Layout under the cache directory:
//
//	<prefix>_<name>          content file, one per resource URL
//	<prefix>_<name>.hdrs     response header sidecar (see package sidecar)
//	<prefix>.cache_info      aggregate size of all entries, in bytes
//
// Coordination happens through advisory record locks on the content files
// themselves. A writer holds an exclusive lock from the instant the name
// appears until it downgrades to shared, which is the publication point.
// Readers hold shared locks for as long as they use the file, and purge only
// removes entries it can lock exclusively without waiting.
//
// Linux uses open file description locks; the BSDs and darwin fall back to
// flock(2). On any other platform every lock attempt reports ErrUnavailable.
package cache
