// Package snapshot defines the durable form of the engine state.
//
// A snapshot is a self-describing blob: a four byte magic, a schema
// version, then a protobuf wire encoded state message. Encoding is
// deterministic; two engines that applied the same transactions produce
// byte-identical snapshots. Blobs are kept in a Store (local files or
// pebble) and may be fetched over HTTP on cold start.
package snapshot
