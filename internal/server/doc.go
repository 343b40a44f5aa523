// Package server hosts the Fiber HTTP service and its middleware chain. It
// assigns every request an ID, recovers handler panics into 500 responses and
// dispatches all non-diagnostic paths to a single ProxyHandler. Diagnostics
// live under /-/ and are registered by the routes subpackage so this package
// stays free of cache and upstream dependencies.
package server
