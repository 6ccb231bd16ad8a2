// Package resource resolves a data URL to a readable local file.
//
// Local file references resolve directly under the catalog root. Remote
// HTTP/HTTPS URLs go through the shared cache: a resolver either finds a
// committed entry and takes a shared lock on it, or becomes the single writer,
// fetches the body, persists the header sidecar and publishes the entry by
// downgrading its lock. Either way the caller ends up holding a shared lock
// until it closes the Resource.
package resource
