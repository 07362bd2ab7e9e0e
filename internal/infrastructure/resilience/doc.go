/*
Package resilience provides a circuit breaker for module loading.

# Overview

A module whose code is missing, corrupt or crashes on start would otherwise
be reloaded on every call that names it. The module manager runs each load
through a per-module breaker from a Group; once a module trips, calls fail
fast with ErrCircuitOpen until the timeout elapses and a trial load is let
through.

# Usage

	group := resilience.NewGroup(resilience.Settings{
		Timeout:     30 * time.Second,
		ReadyToTrip: resilience.TripAfter(5),
	})

	unit, err := resilience.Do(group.Get(string(id)), func() (module.Unit, error) {
		return loader.Load(ctx, id)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
