// Package service implements the pipeline runs and their supervision.
//
// Overview
// The Supervisor owns an event loop. Events come from Dispatch (CLI, HTTP
// API) or from the cron timer. The trigger.Scheduler decides admission
// and the trigger.Queue keeps at most one running and one pending run per
// key, a newer pending run supersedes the older one.
//
// A Pipeline executes one RunRecord:
//   - resolves the PinSet (pinned requirements file or the manifest)
//   - provisions an isolated environment from it
//   - runs every scanner sequentially with ScanRunner
//   - collects one bundle per scanner, even when the run was cancelled
//
// ScanRunner is a thin wrapper around execx.Runner. It never fails: the
// termination of a scanner is mapped to a ScanResult status.
//
// Data flow:
//
//	Dispatch/cron       Supervisor              Pipeline              ScanRunner
//	    |                   |                      |                      |
//	event ------------> Admit + Queue              |                      |
//	    |                   | Execute(rec) ------->| resolve, provision   |
//	    |                   |                      | Run(scanner) ------->| execx.Runner
//	    |                   |                      |<---- ScanResult -----|
//	    |                   |                      | Collect bundles      |
//	    |                   |<------ rec ----------|                      |
//	    |                   | history, notify, next pending run           |
//
// Invariants:
//   - Runs of the same key never overlap, a running run is never replaced.
//   - Every closed RunRecord has one ScanResult and one bundle attempt
//     per configured scanner.
//   - stdout and stderr of every scanner are part of its bundle.
package service
