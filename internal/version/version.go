package version

// Version is set at build time via:
//
//	-ldflags "-X github.com/latticelabs/cubefit/internal/version.Version=v1.0.0"
//
// Defaults to "dev" for local/untagged builds.
var Version = "dev"
