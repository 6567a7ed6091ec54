package firecracker

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath    = "CODERUN_FC_KERNEL_PATH"
	envRootfsDir     = "CODERUN_FC_ROOTFS_DIR"
	envBin           = "CODERUN_FC_BIN"
	envVsockPort     = "CODERUN_FC_VSOCK_PORT"
	envMaxConcurrent = "CODERUN_FC_MAX_CONCURRENT_VMS"
	envVCPUs         = "CODERUN_FC_VCPUS"
	envMemMB         = "CODERUN_FC_MEM_MB"
)

// Config holds configuration for the Firecracker microVM provider.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsDir is the directory containing per-language rootfs images.
	RootfsDir string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// VsockPort is the guest agent vsock port.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock.
	CIDBase uint32

	// VCPUs is the vCPU count per microVM.
	VCPUs int

	// MemMB is the memory per microVM. Zero derives it from the sandbox
	// memory limit.
	MemMB int

	// MaxConcurrentVMs is the maximum number of concurrent microVMs.
	MaxConcurrentVMs int
}

// LoadConfig reads Firecracker configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() (Config, error) {
	cfg := Config{
		FirecrackerBin:   "firecracker",
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		VCPUs:            DefaultVCPUs,
		MaxConcurrentVMs: MaxConcurrentVMs,
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsDir); v != "" {
		cfg.RootfsDir = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		port, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVsockPort, v, err)
		}
		cfg.VsockPort = uint32(port)
	}
	for _, f := range []struct {
		key string
		dst *int
	}{
		{envMaxConcurrent, &cfg.MaxConcurrentVMs},
		{envVCPUs, &cfg.VCPUs},
		{envMemMB, &cfg.MemMB},
	} {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q: must be a positive integer", f.key, v)
		}
		*f.dst = n
	}

	if cfg.KernelPath == "" || cfg.RootfsDir == "" {
		return Config{}, fmt.Errorf("%s and %s are required", envKernelPath, envRootfsDir)
	}
	return cfg, nil
}
