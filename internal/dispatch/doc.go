// Package dispatch owns the job and batch state machines.
//
// A job moves Created, Queued, Submitted, Running, then one of Completed,
// Failed, or Cancelled. Admission is gated by a global semaphore and one per
// provider; slots are held from Submitted until the terminal transition.
// Batches fan out child jobs up to their own concurrency window and keep
// results in submission order.
package dispatch
