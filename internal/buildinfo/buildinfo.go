// Package buildinfo holds version metadata stamped at link time.
package buildinfo

// Version is overridden at build time via -ldflags "-X quorumd/internal/buildinfo.Version=...".
var Version = "dev"
