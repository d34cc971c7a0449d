// Package version holds the coordinator's build identity, reported over
// /healthz, the Initial event, and the server_info metric.
package version

// Version is overridden at build time via -ldflags "-X ...Version=...".
var Version = "dev"
