// Package memory provides small reuse primitives shared by the hot
// paths: a typed object pool for scratch buffers used while verifying
// signatures, and a bounded ring that keeps the newest entries when the
// consumer falls behind.
package memory
