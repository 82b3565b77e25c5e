package dispatcherclient

// This package wraps the dispatcher's REST surface with typed errors
// so callers can branch on errors.Is(err, dispatcherclient.ErrConflict)
// instead of string-matching HTTP bodies.
//
// Retry policy is left to the caller: registration retries on
// ErrTransient and treats ErrConflict as success, while a heartbeat
// that sees ErrNotFound should re-register rather than retry the same
// call.
