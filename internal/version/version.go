// Package version holds build metadata set via -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Full returns version, commit and build date on one line.
func Full() string {
	return fmt.Sprintf("%s (%s) %s", Version, Commit, Date)
}

// UserAgent identifies embedq in outgoing HTTP requests.
func UserAgent() string {
	return "embedq/" + Version
}
