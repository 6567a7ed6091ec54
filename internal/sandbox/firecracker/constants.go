package firecracker

import (
	"fmt"
	"path/filepath"

	"github.com/seantiz/coderun/internal/model"
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits.
const (
	DefaultVCPUs = 1

	// MinMemMB is the smallest guest memory that still boots the rootfs
	// images with a language runtime loaded.
	MinMemMB = 128
)

// RootfsFilename is the format string for rootfs image filenames (e.g. "python.ext4").
const RootfsFilename = "%s.ext4"

// GuestAgentPath is the path to the guest agent binary inside the rootfs.
const GuestAgentPath = "/usr/local/bin/coderun-guest"

// MaxConcurrentVMs is the default maximum number of concurrent microVMs.
const MaxConcurrentVMs = 10

// RootfsPath returns the full path to the rootfs image for a given language.
func RootfsPath(rootfsDir, language string) (string, error) {
	if _, ok := model.LookupLanguage(language); !ok {
		return "", fmt.Errorf("unsupported language %q: must be one of %v", language, model.LanguageNames())
	}
	return filepath.Join(rootfsDir, fmt.Sprintf(RootfsFilename, language)), nil
}

// memMB converts a memory limit in bytes to whole MiB for the VM, never going
// below MinMemMB.
func memMB(bytes int64) int64 {
	return max(bytes>>20, MinMemMB)
}
