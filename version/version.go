// Package version carries build information injected with -ldflags "-X".
package version //nolint:revive // package name intentionally matches build-info convention

//nolint:gochecknoglobals //version information is set at build time
var (
	Repository = "github.com/pitabwire/qbatch"
	Version    = "dev"
	Commit     string
	Date       string
)
