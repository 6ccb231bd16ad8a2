// Package server hosts the Fiber HTTP service in front of the resolver and
// the handler list. GET /data resolves the url query parameter, dispatches
// the requested action and releases the cache lock once the body has been
// written. Routes under /-/ expose cache statistics, registered handlers and
// Prometheus metrics for operators.
package server
