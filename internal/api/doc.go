// Package api defines wire-format types and converters for the HTTP API
// layer. It translates internal dispatch and artifact models into
// transport-friendly DTOs so graph editors and the CLI can render results
// without coupling to internal types.
//
// # Key Types
//
// GenerateImageRequest / GenerateVideoRequest / GenerateSpeechRequest: the
// synchronous generation endpoints' request bodies.
//
// JobStatus / BatchStatus: transport representations of dispatch snapshots
// with artifact hashes rewritten as public storage paths.
//
// DaemonStatus: aggregated runtime information including enabled models.
//
// # Converters
//
// FromJobSnapshot / FromBatchSnapshot: dispatch snapshot -> DTO, mapping
// output hashes through the caller-supplied path resolver.
package api
