// Package pool executes batches of line tasks across a fixed set of
// workers with per-line timeout enforcement, crash isolation, and
// memory-aware sizing.
//
// A pool is built for one batch: New sizes it, Start creates the workers,
// Run feeds the tasks and collects one terminal result per line in index
// order, Close tears the workers down. Per-line failures and timeouts are
// recorded as failed results and never abort the batch; only classified
// system failures do.
//
// Workers run either as goroutines in the calling process (the default) or
// as spawned child processes speaking a pipe protocol, selected by
// Config.StartMethod. Spawn mode survives worker crashes at the cost of
// process startup and requires the executor to be registered by name so
// worker processes can rebuild it.
package pool
