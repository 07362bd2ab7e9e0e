// Package http serves the operator endpoints of the kernel host: health,
// version, module records, reloads, the override table and notable errors.
package http
