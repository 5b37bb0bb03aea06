// Package dispatch drives the staging work queue.
//
// A Dispatcher owns a bounded pool of detached helper processes. Each Tick:
//
//  1. applies configuration changes queued by Reconfigure;
//  2. reconciles every running entry against its process (looked up by
//     instance id): finished processes are read for their result line and the
//     entry is marked success or failed, processes past the timeout are
//     stopped and failed with was_staged=false;
//  3. fills free slots with queued entries in rank order, expanding the
//     command template for each;
//  4. returns the queue summary.
//
// The loop never waits on a child. Liveness is a signal-0 check, so a helper
// that runs for hours costs nothing between ticks.
//
// Error handling:
//   - launch failure → entry stays queued, failure count unchanged
//   - missing or malformed output → FAIL with no fields
//   - FAIL with Reason not_staged → failed(url, false), otherwise failed(url, true)
//   - timeout → stop, failed(url, false)
//   - running entry with no live process (orphan) → failed(url, false)
//   - store disagrees with the active set → ErrStoreCorrupt, fatal
//
// Helpers outlive the daemon on shutdown unless Shutdown is called.
package dispatch
