/*
Package module manages module execution units and the sources their code
comes from.

A module record moves through

	unloaded -> loading -> ready
	               |
	               v
	            failed -> loading (next call retries)

Concurrent callers of a loading module share one attempt. A load starts the
unit, serves its channel through the kernel router, waits for the unit's
ready signal and, when the signal asks for it, delivers the module's seed
with exactly one presentSeed query before the record becomes ready. A unit
that exits takes its pending queries with it and leaves the record failed.
*/
package module
