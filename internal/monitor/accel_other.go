//go:build !linux && !darwin

package monitor

// accelArgs always emulates; no accelerator is probed on this platform.
func accelArgs(enabled bool) []string {
	if enabled {
		debugLog("No hardware acceleration support on this platform, using emulation")
	}
	return []string{"-accel", "tcg"}
}
