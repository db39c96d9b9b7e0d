// Package archive is the codec shared by project snapshots and build-result
// bundles: a tar stream of regular files compressed with zstd, addressed by a
// blake3 digest of the compressed bytes.
package archive
