// Package daemon hosts the long-running loom process: single-instance
// locking, the HTTP API surface, and the background trash scavenger. The
// daemon owns no generation logic itself; it wires the dispatcher, the
// artifact store, the reference registry, and the project store together
// and translates HTTP requests into dispatch calls.
package daemon
