package version

// Build and Commit are injected via -ldflags "-X nodelab/pkg/version.Build=...". Default "dev".
var (
	Build  = "dev"
	Commit = ""
)

// String is the human readable build identifier.
func String() string {
	if Commit == "" {
		return Build
	}
	return Build + " (" + Commit + ")"
}
