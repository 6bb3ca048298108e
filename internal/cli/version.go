package cli

// Build information, overridden at link time via -ldflags.
var (
	Version = "0.3.0"
	GitSHA  = "dev"
)
