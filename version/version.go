package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// Hardcoded build marker - change this to verify correct firmware is flashed
const BuildMarker = "ota-001"

// String returns the firmware identifier reported in status objects,
// e.g. "v1.2.0 (3f9c2ab)" or the build marker for local builds.
func String() string {
	v := Version
	if v == "" {
		v = BuildMarker
	}
	if GitSHA != "" {
		sha := GitSHA
		if len(sha) > 7 {
			sha = sha[:7]
		}
		v += " (" + sha + ")"
	}
	return v
}
