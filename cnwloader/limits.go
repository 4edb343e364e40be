package cnwloader

import (
	"fmt"
	"runtime"
)

// ExtractLimits reads device and CPU limits from a license features map.
// JSON numbers decode as float64, so this handles the conversion.
// A value of 0 means unlimited.
func ExtractLimits(features map[string]any) Limits {
	var limits Limits
	if features == nil {
		return limits
	}
	if v, ok := features["max_devices"]; ok {
		limits.MaxDevices = toInt(v)
	}
	if v, ok := features["max_cpu_per_node"]; ok {
		limits.MaxCPUPerNode = toInt(v)
	}
	return limits
}

// limitsFor merges the license's top-level device limit with its features.
func limitsFor(l LicenseInfo) Limits {
	limits := ExtractLimits(l.Features)
	if limits.MaxDevices == 0 {
		limits.MaxDevices = l.MaxDevices
	}
	return limits
}

// CheckCPU verifies that this machine's CPU count does not exceed the limit.
func CheckCPU(limits Limits) error {
	return checkCPUCount(limits, runtime.NumCPU())
}

func checkCPUCount(limits Limits, cpuCount int) error {
	if limits.MaxCPUPerNode <= 0 {
		return nil
	}
	if cpuCount > limits.MaxCPUPerNode {
		return fmt.Errorf("%w: machine has %d CPUs, limit is %d", ErrCPULimitExceeded, cpuCount, limits.MaxCPUPerNode)
	}
	return nil
}

// CheckSeats verifies that the number of claimed seats does not exceed the limit.
func CheckSeats(limits Limits, seats int) error {
	if limits.MaxDevices <= 0 {
		return nil
	}
	if seats > limits.MaxDevices {
		return fmt.Errorf("%w: %d seats claimed, limit is %d", ErrSeatLimitExceeded, seats, limits.MaxDevices)
	}
	return nil
}

// toInt converts a JSON number (float64) or integer to int.
func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}
