//go:build !debug

package transcode

const strictInvariants = false
