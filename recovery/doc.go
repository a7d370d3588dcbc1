// Package recovery relaunches components the reaper declared down.
//
// The reaper submits a RecoveryJob for each failed identity. Jobs queue
// without bound and run on a fixed number of workers, so a mass failure
// costs queue entries rather than goroutines.
//
// A job runs in this order:
//
//  1. Hide the failed record from discovery (phase-one deregistration).
//  2. Take the cross-process lock recovery/<host>/<type>/<name>, retrying
//     every LockRetry. Only one registry in a federation relaunches a
//     given component at a time.
//  3. With no restarts left, mark NONEXISTENT and stop.
//  4. Otherwise mark IN_RECOVERY and loop while the budget lasts: take one
//     restart from the budget, check the host is reachable and offers the
//     required devices, ask it to launch, and wait for the component to
//     register again. Attempts are separated by a fixed Backoff.
//  5. Registration of the relaunched component ends the job. Running out
//     of budget marks UNRECOVERABLE.
//
// The budget is the record's RemainingRestarts. A budget of N allows at
// most N launch attempts over the component's lifetime; each attempt
// spends one restart before it runs, whatever its outcome.
//
// Cancelling a job, or stopping the controller, releases its lock and
// leaves the recovery state where it was.
package recovery
