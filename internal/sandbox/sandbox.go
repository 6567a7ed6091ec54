package sandbox

import (
	"context"
	"io"

	"github.com/seantiz/coderun/internal/model"
)

// Default resource limits applied to every sandbox.
const (
	DefaultMemoryBytes    = 100 << 20
	DefaultCPUPeriod      = 100000
	DefaultCPUQuota       = 100000
	DefaultPidsLimit      = 50
	DefaultMaxOutputBytes = 64 << 10
)

// Provider is the interface that all isolation providers must implement.
type Provider interface {
	// Create builds a fresh sandbox for exactly one attempt. The sandbox has no
	// network access, a read-only root filesystem apart from its work area, and
	// the resource ceilings in spec.Limits. The process is not started.
	Create(ctx context.Context, spec Spec) (Sandbox, error)

	// Capabilities reports what this provider supports.
	Capabilities() Capabilities

	// Ping checks that the provider's backing service is reachable.
	Ping(ctx context.Context) error
}

// Sandbox is an ephemeral isolated environment hosting one program run.
type Sandbox interface {
	// ID identifies the sandbox for logging.
	ID() string

	// Start launches the sandboxed process.
	Start(ctx context.Context) error

	// AttachStdin streams r to the process and then signals end of input.
	AttachStdin(ctx context.Context, r io.Reader) error

	// CaptureOutput blocks until the process exits, either naturally or after
	// Terminate, and returns the output captured so far.
	CaptureOutput(ctx context.Context) (Output, error)

	// Terminate forcibly kills the process. A sandboxed program is never asked
	// to stop politely.
	Terminate(ctx context.Context) error

	// Destroy releases every resource held by the sandbox. It is safe to call
	// more than once and after a failed Start.
	Destroy(ctx context.Context) error
}

// Limits are the per-attempt resource ceilings enforced by the provider.
type Limits struct {
	MemoryBytes    int64 `json:"memory_bytes"`
	CPUQuota       int64 `json:"cpu_quota"`
	CPUPeriod      int64 `json:"cpu_period"`
	PidsLimit      int64 `json:"pids_limit"`
	MaxOutputBytes int   `json:"max_output_bytes"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes:    DefaultMemoryBytes,
		CPUQuota:       DefaultCPUQuota,
		CPUPeriod:      DefaultCPUPeriod,
		PidsLimit:      DefaultPidsLimit,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// Spec describes the sandbox to create for one attempt.
type Spec struct {
	ID       string
	Language model.LanguageSpec
	Code     string
	Files    []model.File

	// Stdin reports whether AttachStdin will be called. Providers that need
	// to open the input stream at creation time rely on it.
	Stdin bool

	Limits Limits
}

// Output is what a sandboxed process produced. ExitCode is nil when the
// process never started.
type Output struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  *int
	Truncated bool
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Name           string   `json:"name"`
	Languages      []string `json:"languages"`
	MaxConcurrency int      `json:"max_concurrency"`
}
