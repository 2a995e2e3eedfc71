//go:build debug

package transcode

// Built with -tags debug, invariant violations panic instead of recovering.
const strictInvariants = true
