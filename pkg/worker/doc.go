// Package worker implements the render-farm worker agent.
//
// A Worker registers with a dispatcher, accepts command assignments
// over a local control RPC server, spawns and supervises a
// command-watcher child process per command, and reports progress and
// machine health back on a fixed schedule. Its responsibilities split
// across a handful of files, each grounded on a distinct concern:
//
//   - types.go: the Command/CommandWatcher/WorkerStatus data model
//   - registry.go: the single in-memory store of active commands
//   - supervisor.go: spawning and killing command-watcher children
//   - sysinfo.go: best-effort machine description (cores, RAM, GL version)
//   - sentinel.go: the KILLFILE/RESTARTFILE operator control surface
//   - rpc.go: the local HTTP control server and its operation queue
//   - register.go: the dispatcher registration and heartbeat handshake
//   - tick.go: the single-threaded reconciliation steps run each tick
//   - worker.go: wiring all of the above into a runnable Worker
//
// The Registry is the only piece of state every other file touches,
// and it is written almost exclusively from the single goroutine that
// runs Tick; inbound HTTP requests enqueue their mutation instead of
// applying it directly, and the queue is drained at the start of the
// next tick.
package worker
