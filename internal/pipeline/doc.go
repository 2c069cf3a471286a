// Package pipeline runs the fixed storyboard dependency graph: character
// reference images, then location references, then shot videos, then export.
// A phase starts only when the previous one has no jobs in flight; partial
// success flows downstream as long as every consumer keeps at least one
// usable input.
package pipeline
