// Package sdk holds the two client libraries of the kernel protocol.
//
// Client is used by pages and tools that call modules through a kernel
// channel. Module is used by module authors: it registers handlers, announces
// readiness, receives the one-time seed and can call other modules. Runtime
// turns a set of native Go modules into a module.Loader.
package sdk
