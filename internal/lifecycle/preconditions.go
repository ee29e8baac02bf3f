package lifecycle

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"proxyvpn/internal/runner"
)

// capNetAdmin is CAP_NET_ADMIN's bit position in the capability sets
// reported by /proc/self/status.
const capNetAdmin = 12

// checkPreconditions implements spec.md §4.9 step 1: Linux host,
// privileged process (root or CAP_NET_ADMIN), and at least one
// packet-filter backend binary present.
func checkPreconditions(run *runner.Runner) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("lifecycle: unsupported OS %q, proxyvpn requires linux", runtime.GOOS)
	}
	if os.Geteuid() != 0 {
		ok, err := hasNetAdminCapability("/proc/self/status")
		if err != nil {
			return fmt.Errorf("lifecycle: check capabilities: %w", err)
		}
		if !ok {
			return fmt.Errorf("lifecycle: process needs root or CAP_NET_ADMIN")
		}
	}
	if !runner.BinaryPresent("nft") && !runner.BinaryPresent("iptables") {
		return fmt.Errorf("lifecycle: neither nft nor iptables is present on PATH")
	}
	return nil
}

// hasNetAdminCapability parses the CapEff line of a /proc/<pid>/status
// file and reports whether the CAP_NET_ADMIN bit is set.
func hasNetAdminCapability(statusPath string) (bool, error) {
	data, err := os.ReadFile(statusPath)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		field, hex, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(field) != "CapEff" {
			continue
		}
		mask, err := strconv.ParseUint(strings.TrimSpace(hex), 16, 64)
		if err != nil {
			return false, fmt.Errorf("parse CapEff %q: %w", hex, err)
		}
		return mask&(1<<capNetAdmin) != 0, nil
	}
	return false, nil
}
