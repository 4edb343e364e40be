package cnwloader

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
)

// FingerprintEnv overrides the computed fingerprint when set.
const FingerprintEnv = "CNW_LOADER_FINGERPRINT"

// fingerprintDomain keeps loader fingerprints distinct from any other hash of
// the same host facts.
const fingerprintDomain = "cnw-loader/fingerprint/v1"

// FingerprintSource contributes one labelled component to a device
// fingerprint. A failing or empty optional source is skipped; a required one
// fails the whole fingerprint.
type FingerprintSource struct {
	Name     string
	Required bool
	Read     func() (string, error)
}

// DefaultFingerprintSources returns the host facts GenerateFingerprint uses:
// hostname, MAC addresses, platform, logical CPU count and machine-id.
func DefaultFingerprintSources() []FingerprintSource {
	return []FingerprintSource{
		{Name: "host", Required: true, Read: os.Hostname},
		{Name: "mac", Read: macAddresses},
		{Name: "platform", Required: true, Read: func() (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
		{Name: "cpus", Read: func() (string, error) { return strconv.Itoa(runtime.NumCPU()), nil }},
		{Name: "machine", Read: machineID},
	}
}

// GenerateFingerprint produces a deterministic, reboot-safe device identifier
// from DefaultFingerprintSources.
//
// In containers where MAC addresses are unstable, set a stable HOSTNAME or
// override the value entirely with CNW_LOADER_FINGERPRINT.
func GenerateFingerprint() (string, error) {
	if fp := os.Getenv(FingerprintEnv); fp != "" {
		return fp, nil
	}
	return FingerprintFrom(DefaultFingerprintSources()...)
}

// FingerprintFrom hashes the labelled values of sources, in order, into a
// SHA-256 hex string.
func FingerprintFrom(sources ...FingerprintSource) (string, error) {
	h := sha256.New()
	io.WriteString(h, fingerprintDomain)

	used := 0
	for _, src := range sources {
		v, err := src.Read()
		v = strings.TrimSpace(v)
		if err == nil && v == "" {
			err = errors.New("empty value")
		}
		if err != nil {
			if src.Required {
				return "", fmt.Errorf("fingerprint source %s: %w", src.Name, err)
			}
			continue
		}
		fmt.Fprintf(h, "|%s=%s", src.Name, v)
		used++
	}
	if used == 0 {
		return "", errors.New("fingerprint: no usable sources")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// macAddresses returns the sorted, non-loopback hardware addresses joined by
// commas.
func macAddresses() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" {
			macs = append(macs, mac)
		}
	}
	slices.Sort(macs)
	return strings.Join(macs, ","), nil
}

// machineID reads the systemd machine id. Absent outside Linux.
func machineID() (string, error) {
	raw, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// shortFingerprint is the loggable prefix of a fingerprint.
func shortFingerprint(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
