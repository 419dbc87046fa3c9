// Package batch orchestrates fleet-wide command execution: one parent task
// fanned out to one child task per target host, with per-child status
// tracking and a parent status rolled up from the children.
package batch

import "github.com/nodenexus/nodenexus/pkg/store"

// Rollup derives the parent status from a child status histogram. done is
// false while any child is still live; the returned status is then the
// in-flight parent status. Once every child is terminal the parent lands on
// exactly one terminal status:
//
//	every child succeeded                    -> CompletedSuccessfully
//	no child ever reached its agent          -> FailedToDispatch
//	any child failed, errored, timed out or
//	went unreachable                         -> CompletedWithErrors
//	only terminations, parent was
//	terminating                              -> Terminated
//	anything else                            -> CompletedWithErrors
//
// An agent-side failure (AgentError) counts as an error, not a dispatch
// failure: the command did reach the agent. A failure outranks a
// termination, so a batch that had already failed somewhere before the
// operator killed it still lands on CompletedWithErrors.
func Rollup(counts map[string]int, terminating bool) (status string, done bool) {
	total := 0
	terminal := 0
	for st, n := range counts {
		total += n
		if store.ChildStatusTerminal(st) {
			terminal += n
		}
	}
	if total == 0 {
		return store.BatchStatusCompletedOK, true
	}
	if terminal < total {
		return store.BatchStatusExecuting, false
	}

	failures := counts[store.ChildStatusCompletedFailed] +
		counts[store.ChildStatusAgentError] +
		counts[store.ChildStatusAgentUnreachable] +
		counts[store.ChildStatusTimedOut]
	switch {
	case counts[store.ChildStatusCompletedOK] == total:
		return store.BatchStatusCompletedOK, true
	case counts[store.ChildStatusAgentUnreachable] == total:
		return store.BatchStatusFailedToDispatch, true
	case failures > 0:
		return store.BatchStatusCompletedWithErrors, true
	case counts[store.ChildStatusTerminated] > 0 && terminating:
		return store.BatchStatusTerminated, true
	default:
		return store.BatchStatusCompletedWithErrors, true
	}
}
