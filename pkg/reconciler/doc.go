/*
Package reconciler drives a render-worker's main loop on a fixed
period.

The actual reconciliation steps — draining the control RPC queue,
sweeping the kill/restart sentinel files, reaping exited
command-watcher children, flushing status changes to the dispatcher,
removing finished commands, enforcing per-command timeouts, and
heartbeating — all live on the worker itself. This package only owns
the ticking: it calls Tick(ctx, now) once per period with a single
timestamp, so every step in that tick agrees on what "now" means, and
records how long each tick took and whether it failed.

A Reconciler is driven by anything satisfying the Ticker interface,
which keeps this package free of a dependency on the worker package
and makes the ticking loop independently testable with a fake Ticker.
*/
package reconciler
