// Package buildinfo exposes the running binary's own version string, read
// from Go's embedded module build info, for the version handshake in
// spec.md §6.
package buildinfo

import "runtime/debug"

// Version returns the main module's version as recorded by the Go toolchain
// at build time (a pseudo-version or tag for a released build), or "dev" for
// a local "(devel)" build or when build info is unavailable.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
