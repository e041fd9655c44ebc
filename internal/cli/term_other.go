//go:build !windows

package cli

// enableANSI is a no-op; Unix terminals interpret escape codes natively.
func enableANSI() {}
