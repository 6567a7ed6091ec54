package guest

import (
	"log"
	"os"
	"syscall"

	"github.com/seantiz/coderun/internal/model"
)

// mountEntry describes a filesystem mount for init mode.
type mountEntry struct {
	source string
	target string
	fstype string
	flags  uintptr
	data   string
}

// initMounts are mounted in order. The root device is read-only, so the
// program workspace and /tmp live on size-capped tmpfs mounts.
var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs", flags: syscall.MS_NOSUID | syscall.MS_NODEV, data: "size=64m"},
	{source: "tmpfs", target: model.SandboxWorkDir, fstype: "tmpfs", flags: syscall.MS_NOSUID | syscall.MS_NODEV, data: "size=16m"},
}

// SetupInit mounts essential filesystems and sets up the minimal environment
// required when running as PID 1 inside a microVM.
func SetupInit() {
	if os.Getpid() != 1 {
		return
	}

	log.Println("running as PID 1, mounting essential filesystems")

	for _, m := range initMounts {
		// Mount points must already exist on the read-only root.
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil {
			log.Printf("mount %s: %v", m.target, err)
		}
	}

	os.Setenv("HOME", "/tmp")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}
