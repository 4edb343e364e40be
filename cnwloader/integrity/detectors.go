package integrity

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// debuggerEnvMarkers are environment variables set by common Go and native debuggers.
var debuggerEnvMarkers = []string{
	"DELVE_PORT",
	"DLV_LISTEN",
	"GODEBUG_ATTACH",
	"_NT_SYMBOL_PATH",
	"LD_PRELOAD",
}

// hypervisorVendors are substrings of DMI vendor/product names reported by
// virtual machines and sandboxes.
var hypervisorVendors = []string{
	"virtualbox",
	"vmware",
	"kvm",
	"qemu",
	"xen",
	"hyper-v",
	"parallels",
	"bochs",
	"bhyve",
	"amazon ec2",
	"google compute engine",
}

// BatteryOption configures DefaultBattery.
type BatteryOption func(*batteryConfig)

type batteryConfig struct {
	root       fs.FS
	getenv     func(string) string
	goos       string
	executable func() (string, error)
	binaryHash string
	guard      *MemoryGuard
}

// WithRootFS sets the file system the Linux probes read /proc and /sys from.
// Paths are looked up without the leading slash, as fs.FS requires.
func WithRootFS(root fs.FS) BatteryOption {
	return func(c *batteryConfig) {
		c.root = root
	}
}

// WithGetenv replaces os.Getenv for the debugger marker probe.
func WithGetenv(getenv func(string) string) BatteryOption {
	return func(c *batteryConfig) {
		c.getenv = getenv
	}
}

// WithGOOS overrides runtime.GOOS.
func WithGOOS(goos string) BatteryOption {
	return func(c *batteryConfig) {
		c.goos = goos
	}
}

// WithExpectedBinaryHash enables the binary integrity probe, comparing the
// SHA-256 of the running executable to hexHash.
func WithExpectedBinaryHash(hexHash string) BatteryOption {
	return func(c *batteryConfig) {
		c.binaryHash = strings.ToLower(strings.TrimSpace(hexHash))
	}
}

// WithExecutable replaces os.Executable for the binary integrity probe.
func WithExecutable(fn func() (string, error)) BatteryOption {
	return func(c *batteryConfig) {
		c.executable = fn
	}
}

// WithMemoryGuard enables the memory tamper probe backed by g.
func WithMemoryGuard(g *MemoryGuard) BatteryOption {
	return func(c *batteryConfig) {
		c.guard = g
	}
}

// DefaultBattery builds the stock detectors. Binary integrity and memory tamper
// probes are only registered when configured.
func DefaultBattery(opts ...BatteryOption) Battery {
	cfg := &batteryConfig{
		root:       os.DirFS("/"),
		getenv:     os.Getenv,
		goos:       runtime.GOOS,
		executable: os.Executable,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	b := Battery{
		KindDebugger:       func() bool { return !debuggerAttached(cfg) },
		KindVirtualMachine: func() bool { return !virtualized(cfg) },
	}
	if cfg.binaryHash != "" {
		b[KindBinaryIntegrity] = func() bool { return binaryMatches(cfg) }
	}
	if cfg.guard != nil {
		b[KindMemoryTamper] = cfg.guard.Intact
	}
	return b
}

func debuggerAttached(cfg *batteryConfig) bool {
	for _, name := range debuggerEnvMarkers {
		if cfg.getenv(name) != "" {
			return true
		}
	}
	if cfg.goos != "linux" {
		return false
	}

	f, err := cfg.root.Open("proc/self/status")
	if err != nil {
		// procfs is always present on Linux; its absence is suspicious.
		return true
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:")))
		if err != nil {
			return true
		}
		return pid != 0
	}
	return true
}

func virtualized(cfg *batteryConfig) bool {
	if cfg.goos != "linux" {
		return false
	}
	for _, name := range []string{
		"sys/class/dmi/id/sys_vendor",
		"sys/class/dmi/id/product_name",
		"sys/class/dmi/id/board_vendor",
	} {
		raw, err := fs.ReadFile(cfg.root, name)
		if err != nil {
			continue
		}
		value := strings.ToLower(string(raw))
		for _, vendor := range hypervisorVendors {
			if strings.Contains(value, vendor) {
				return true
			}
		}
	}

	cpuinfo, err := fs.ReadFile(cfg.root, "proc/cpuinfo")
	if err != nil {
		return false
	}
	sc := bufio.NewScanner(bytes.NewReader(cpuinfo))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "flags") && containsField(line, "hypervisor") {
			return true
		}
	}
	return false
}

func containsField(line, field string) bool {
	for _, f := range strings.Fields(line) {
		if f == field {
			return true
		}
	}
	return false
}

func binaryMatches(cfg *batteryConfig) bool {
	path, err := cfg.executable()
	if err != nil {
		return false
	}
	sum, err := HashFile(path)
	if err != nil {
		return false
	}
	return sum == cfg.binaryHash
}

// HashFile returns the lowercase hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MemoryGuard keeps baseline digests of byte regions that must not change
// while the process runs, such as embedded key tables or license constants.
type MemoryGuard struct {
	mu      sync.Mutex
	regions []guardedRegion
}

type guardedRegion struct {
	name     string
	data     []byte
	baseline [sha256.Size]byte
}

// NewMemoryGuard returns an empty guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{}
}

// Protect records the current digest of data under name. The slice is kept by
// reference so later writes to it are detected.
func (g *MemoryGuard) Protect(name string, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regions = append(g.regions, guardedRegion{
		name:     name,
		data:     data,
		baseline: sha256.Sum256(data),
	})
}

// Intact reports whether every protected region still matches its baseline.
func (g *MemoryGuard) Intact() bool {
	return len(g.Tampered()) == 0
}

// Tampered returns the names of regions whose contents changed.
func (g *MemoryGuard) Tampered() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var names []string
	for _, r := range g.regions {
		if sha256.Sum256(r.data) != r.baseline {
			names = append(names, r.name)
		}
	}
	return names
}
