/*
Package health provides small, composable checkers used by the worker
agent to probe reachability and tool availability before it commits to
an action — rather than monitoring a fleet of containers.

Three checkers share one Checker interface (Check(ctx) Result,
Type() CheckType):

  - HTTPChecker: used at boot to confirm the worker's own local control
    RPC server is accepting connections before the worker registers
    with the dispatcher.
  - TCPChecker: used to confirm the dispatcher address is reachable
    before the registration retry loop begins spamming connection
    errors into the log.
  - ExecChecker: runs an external tool and captures its output; the
    system introspector uses it to invoke the GL version probe and
    parse its stdout.

A Result carries Healthy, a human Message, and timing. Status is not
tracked across calls here — callers that need failure-streak tracking
(none currently do; the worker's own timeout/retry logic lives in the
reconciler) can layer Status on top as the teacher's container health
monitor once did.
*/
package health
