// Package scheduler drives jobs: it walks each job's graph in dependency
// order, hands eligible nodes to a NodeExecutor and finalizes the job once
// nothing can make further progress.
//
// # How It Works
//
// Every started job gets one dispatch loop goroutine that owns the job's
// graph. The loop:
//  1. Orders the graph producers first and marks nodes on dependency cycles
//     deadlocked. Independent branches are unaffected.
//  2. Evaluates pending nodes in that order. A node whose upstreams are all
//     terminal is resolved: disabled nodes are skipped, nodes downstream of a
//     failure are skipped, nodes downstream of a deadlock are deadlocked, and
//     the rest are dispatched.
//  3. Dispatches every eligible node of a pass concurrently. Node executions
//     run on their own goroutines and report back to the loop.
//  4. On each completion, reconsiders only the successors of the node that
//     finished.
//  5. Finalizes the job when no node is running and none can be dispatched.
//
// Because only the loop reads or writes run states, the check-then-set that
// moves a node out of unset is race-free, and each node is dispatched at most
// once no matter how often Advance is called.
//
// # Cancellation
//
// Stop is cooperative. The loop stops launching nodes, lets running ones
// drain, then finalizes the job as stopped.
//
// # Concurrency
//
// Options.Concurrency bounds how many node executions run at once across all
// jobs of a Scheduler. Zero means unbounded.
package scheduler
