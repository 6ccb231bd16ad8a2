// Package transport fetches remote resources over HTTP into a caller-provided
// sink. It owns the shared upstream client, retry policy and the conversion of
// response headers into the raw header lines persisted next to cached content.
package transport
