// Package middleware holds the gin middleware of the HTTP host: CORS for the
// dashboard origins and a per-client token bucket limiter.
package middleware
