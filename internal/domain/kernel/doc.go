// Package kernel is the root context of the system.
//
// A Kernel serves caller channels (pages, relays, tools) and the channels of
// the modules it loads with one router. Callers reach modules through
// moduleCall; the kernel validates the call, applies the module override
// table and forwards the query and its progress updates in both directions.
// Modules talk back to the kernel with ready and log. The override table is
// restricted to the configured dashboard origins.
package kernel
