/*
Package sandbox runs JavaScript modules on the goja engine.

Each module load gets its own VM and one event-loop goroutine. Every touch of
the VM happens on that goroutine: the init script, handler invocations and
the callbacks of asynchronous host calls are all posted to the loop as tasks.
A task that runs longer than Config.Timeout is interrupted.

# Globals

	addHandler(method, fn)                 register a query handler; fn(aq)
	log(...args), logErr(...args)          write to the kernel log
	getSeed(cb)                            cb(seed) once the kernel presents it
	callModule(id, method, data, cb)       cb(result, err) with err a string or null
	wantSeed                               set to true during init to ask for a seed

The aq object passed to handlers carries callerInput and domain and has
respond, reject, sendUpdate and setReceiveUpdate.

require, process, module and exports are removed. setTimeout and setInterval
are no-ops.
*/
package sandbox
