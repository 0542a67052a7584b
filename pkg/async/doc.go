// Package async provides supervised detached tasks.
//
// A detached task is a unit of work whose failure is observable only
// through logs and metrics, never through the caller's control flow.
// Use Supervisor.Go instead of a bare goroutine so panics are recovered
// and errors are logged rather than lost.
package async
