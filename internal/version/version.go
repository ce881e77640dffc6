package version

import "fmt"

var (
	CLIName    = "contraparty"
	CLIVersion = "2026.02.22.2"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", CLIVersion, Commit, BuildDate)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return CLIName + "/" + CLIVersion
}
