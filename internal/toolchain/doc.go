// Package toolchain runs the external Rust toolchain for a build directory.
//
// Runner is the seam the dispatcher depends on. Cargo is the production
// implementation: it installs cross targets through rustup, invokes cargo,
// and resolves the produced executables from the project manifest.
package toolchain
