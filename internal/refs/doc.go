// Package refs tracks which projects reference which artifacts.
//
// The registry is a small SQLite table keyed by (hash, project id). The
// artifact store consults it before deleting or scavenging bytes; project
// saves sync it from the node graph so references follow the graph without
// manual bookkeeping.
package refs
