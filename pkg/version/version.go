// Package version exposes build metadata for handshakes and logs.
package version

// AppName identifies the gateway in version strings and MCP handshakes.
const AppName = "aegis"

// GitCommit is stamped via -ldflags at build time; "dev" otherwise.
var GitCommit = "dev"

// Full returns "aegis/<commit>" for handshakes and user agents.
func Full() string {
	return AppName + "/" + GitCommit
}
