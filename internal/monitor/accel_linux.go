//go:build linux

package monitor

import "golang.org/x/sys/unix"

// accelArgs selects KVM when /dev/kvm is usable and silently falls back to
// TCG emulation otherwise.
func accelArgs(enabled bool) []string {
	if enabled && kvmUsable() {
		return []string{"-accel", "kvm", "-cpu", "host"}
	}
	if enabled {
		debugLog("/dev/kvm not usable, falling back to emulation")
	}
	return []string{"-accel", "tcg"}
}

func kvmUsable() bool {
	return unix.Access("/dev/kvm", unix.R_OK|unix.W_OK) == nil
}
