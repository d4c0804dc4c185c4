// Package version carries build-time version information shared by
// rmm-hald and rmm-halctl. The variables are populated via ldflags;
// development builds fall back to the defaults.
package version

// Set at build time:
//
//	go build -ldflags "-X github.com/doughall/linuxrmm/hald/internal/version.Version=1.0.0 \
//	                   -X github.com/doughall/linuxrmm/hald/internal/version.Commit=abc123 \
//	                   -X github.com/doughall/linuxrmm/hald/internal/version.BuildTime=2026-08-25T12:00:00Z"
var (
	// Version is the semantic version (e.g. "1.0.0", "dev").
	Version = "dev"

	// Commit is the git commit hash the binary was built from.
	Commit = "unknown"

	// BuildTime is the build timestamp in RFC3339 format.
	BuildTime = "unknown"
)

// Info returns a one-line description for -version output.
func Info(binary string) string {
	return binary + " " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
