// Package project persists node-graph snapshots.
//
// Snapshots live in a single JSON file under the storage cache dir, rewritten
// atomically on every save. The daemon syncs the reference registry from a
// snapshot's graph whenever one is stored or removed.
package project
