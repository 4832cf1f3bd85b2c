//go:build darwin

package monitor

// accelArgs lists hvf first; QEMU moves on to tcg when hvf is unavailable.
func accelArgs(enabled bool) []string {
	if enabled {
		return []string{"-accel", "hvf", "-accel", "tcg"}
	}
	return []string{"-accel", "tcg"}
}
