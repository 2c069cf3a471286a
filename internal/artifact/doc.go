// Package artifact implements the content-addressed media store.
//
// Bytes live under <root>/{images,videos,audio} named by their BLAKE3 hash;
// caller-supplied uploads keep a slug-based name and carry their hash in the
// sidecar. Every artifact has a <file>.meta.json sidecar with generation
// provenance. Deletion stages files into <root>/.trash and is gated by the
// reference registry; scavenging reclaims unreferenced artifacts after a
// grace window.
package artifact
