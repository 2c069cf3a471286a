// Package provider translates normalized generation requests into each
// upstream provider's wire contract and maps results back into a uniform
// shape. Adapters come in three wire modes: sync (outputs inline in one
// response), submit-poll (a task URL probed on a schedule), and SSE stream
// (ordered content deltas).
package provider
