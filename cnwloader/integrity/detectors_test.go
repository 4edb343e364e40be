package integrity_test

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/integrity"
)

func noEnv(string) string { return "" }

func TestDefaultBattery_Debugger(t *testing.T) {
	tests := []struct {
		name   string
		status string
		pass   bool
	}{
		{"not traced", "Name:\tloader\nTracerPid:\t0\n", true},
		{"traced", "Name:\tloader\nTracerPid:\t4242\n", false},
		{"garbled", "Name:\tloader\nTracerPid:\tabc\n", false},
		{"missing field", "Name:\tloader\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := fstest.MapFS{"proc/self/status": {Data: []byte(tt.status)}}
			b := integrity.DefaultBattery(
				integrity.WithRootFS(root),
				integrity.WithGetenv(noEnv),
				integrity.WithGOOS("linux"),
			)
			assert.Equal(t, tt.pass, b[integrity.KindDebugger]())
		})
	}
}

func TestDefaultBattery_DebuggerEnvMarker(t *testing.T) {
	b := integrity.DefaultBattery(
		integrity.WithRootFS(fstest.MapFS{}),
		integrity.WithGetenv(func(k string) string {
			if k == "DELVE_PORT" {
				return "2345"
			}
			return ""
		}),
		integrity.WithGOOS("darwin"),
	)
	assert.False(t, b[integrity.KindDebugger]())
}

func TestDefaultBattery_VirtualMachine(t *testing.T) {
	tests := []struct {
		name string
		fs   fstest.MapFS
		pass bool
	}{
		{
			name: "bare metal",
			fs: fstest.MapFS{
				"sys/class/dmi/id/sys_vendor": {Data: []byte("Dell Inc.\n")},
				"proc/cpuinfo":                {Data: []byte("flags\t\t: fpu vme de pse\n")},
			},
			pass: true,
		},
		{
			name: "dmi vendor",
			fs: fstest.MapFS{
				"sys/class/dmi/id/product_name": {Data: []byte("VirtualBox\n")},
			},
			pass: false,
		},
		{
			name: "hypervisor flag",
			fs: fstest.MapFS{
				"proc/cpuinfo": {Data: []byte("processor\t: 0\nflags\t\t: fpu vme hypervisor\n")},
			},
			pass: false,
		},
		{
			name: "hypervisor substring only",
			fs: fstest.MapFS{
				"proc/cpuinfo": {Data: []byte("flags\t\t: fpu nohypervisorish\n")},
			},
			pass: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := integrity.DefaultBattery(integrity.WithRootFS(tt.fs), integrity.WithGetenv(noEnv), integrity.WithGOOS("linux"))
			assert.Equal(t, tt.pass, b[integrity.KindVirtualMachine]())
		})
	}
}

func TestDefaultBattery_BinaryIntegrity(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "loader")
	require.NoError(t, os.WriteFile(bin, []byte("binary contents"), 0o755))
	sum, err := integrity.HashFile(bin)
	require.NoError(t, err)

	exe := func() (string, error) { return bin, nil }

	assert.NotContains(t, integrity.DefaultBattery(), integrity.KindBinaryIntegrity)

	ok := integrity.DefaultBattery(integrity.WithExpectedBinaryHash(sum), integrity.WithExecutable(exe))
	assert.True(t, ok[integrity.KindBinaryIntegrity]())

	require.NoError(t, os.WriteFile(bin, []byte("patched contents"), 0o755))
	assert.False(t, ok[integrity.KindBinaryIntegrity]())
}

func TestMemoryGuard(t *testing.T) {
	table := []byte{1, 2, 3, 4}
	g := integrity.NewMemoryGuard()
	g.Protect("key-table", table)

	b := integrity.DefaultBattery(integrity.WithMemoryGuard(g))
	assert.True(t, b[integrity.KindMemoryTamper]())

	table[2] = 9
	assert.False(t, b[integrity.KindMemoryTamper]())
	assert.Equal(t, []string{"key-table"}, g.Tampered())
}
