// Package docker provides a sandbox provider backed by the Docker Engine API.
// Each attempt runs in a fresh container with no network, a read-only root
// filesystem, dropped capabilities and cgroup limits.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/sandbox"
)

// ProviderName is the name used when registering with the provider registry.
const ProviderName = "docker"

// Provider defaults.
const (
	DefaultImagePrefix    = "code-engine-"
	DefaultMaxConcurrency = 50

	// sandboxUser runs programs as nobody so that the bind-mounted workspace
	// stays read-only to them.
	sandboxUser = "65534:65534"

	// tmpfsOptions keeps /tmp executable because compiled languages write
	// their binary there.
	tmpfsOptions = "rw,exec,nosuid,nodev,size=64m"

	labelSandbox = "coderun.sandbox"

	// logDriverNone stops the daemon from persisting output. Output is read
	// from the attach stream into bounded buffers instead, so a program that
	// prints forever cannot fill the host disk.
	logDriverNone = "none"
)

// dockerAPI is the subset of the Docker client the provider uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Config holds provider settings.
type Config struct {
	// ImagePrefix is prepended to the language name to form the image name.
	ImagePrefix string

	// WorkDir is the host directory under which per-attempt workspaces are
	// created. Empty means the OS temp directory.
	WorkDir string

	// MaxConcurrency is reported through Capabilities.
	MaxConcurrency int
}

// Provider implements sandbox.Provider on Docker containers.
type Provider struct {
	api    dockerAPI
	cfg    Config
	logger *slog.Logger
}

var _ sandbox.Provider = (*Provider)(nil)

// New connects to the Docker daemon configured in the environment.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newProvider(cli, cfg, logger), nil
}

func newProvider(api dockerAPI, cfg Config, logger *slog.Logger) *Provider {
	if cfg.ImagePrefix == "" {
		cfg.ImagePrefix = DefaultImagePrefix
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Provider{api: api, cfg: cfg, logger: logger}
}

// Capabilities reports what this provider supports.
func (p *Provider) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{
		Name:           ProviderName,
		Languages:      model.LanguageNames(),
		MaxConcurrency: p.cfg.MaxConcurrency,
	}
}

// Ping checks that the Docker daemon answers.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close releases the Docker client.
func (p *Provider) Close() error {
	return p.api.Close()
}

// Image returns the image used for a language.
func (p *Provider) Image(language string) string {
	return p.cfg.ImagePrefix + language
}

// Create writes the program into a fresh host workspace and creates a
// container that mounts it read-only at the sandbox work directory.
func (p *Provider) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	dir, err := os.MkdirTemp(p.cfg.WorkDir, "coderun-"+spec.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if err := writeWorkspace(dir, spec); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	resp, err := p.api.ContainerCreate(ctx,
		p.containerConfig(spec),
		hostConfig(dir, spec.Limits),
		nil, nil, "coderun-"+spec.ID)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create container: %w", err)
	}
	for _, w := range resp.Warnings {
		p.logger.Warn("docker create warning", "sandbox_id", spec.ID, "warning", w)
	}

	p.logger.Debug("container created",
		"sandbox_id", spec.ID,
		"container_id", resp.ID,
		"image", p.Image(spec.Language.Name),
		"memory", units.BytesSize(float64(spec.Limits.MemoryBytes)),
	)

	return &containerSandbox{
		provider:    p,
		spec:        spec,
		containerID: resp.ID,
		dir:         dir,
		stdout:      sandbox.NewLimitedBuffer(spec.Limits.MaxOutputBytes),
		stderr:      sandbox.NewLimitedBuffer(spec.Limits.MaxOutputBytes),
		copied:      make(chan struct{}),
	}, nil
}

func (p *Provider) containerConfig(spec sandbox.Spec) *container.Config {
	return &container.Config{
		Image:           p.Image(spec.Language.Name),
		Cmd:             spec.Language.Command,
		WorkingDir:      model.SandboxWorkDir,
		User:            sandboxUser,
		NetworkDisabled: true,
		AttachStdin:     spec.Stdin,
		OpenStdin:       spec.Stdin,
		StdinOnce:       spec.Stdin,
		Labels:          map[string]string{labelSandbox: spec.ID},
	}
}

func hostConfig(dir string, limits sandbox.Limits) *container.HostConfig {
	pids := limits.PidsLimit
	return &container.HostConfig{
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Tmpfs:          map[string]string{"/tmp": tmpfsOptions},
		Binds:          []string{dir + ":" + model.SandboxWorkDir + ":ro"},
		LogConfig:      container.LogConfig{Type: logDriverNone},
		Resources: container.Resources{
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes,
			CPUQuota:   limits.CPUQuota,
			CPUPeriod:  limits.CPUPeriod,
			PidsLimit:  &pids,
		},
	}
}

// writeWorkspace writes the source file and supporting files into dir.
func writeWorkspace(dir string, spec sandbox.Spec) error {
	if err := os.Chmod(dir, 0o755); err != nil {
		return fmt.Errorf("chmod workspace: %w", err)
	}
	files := append([]model.File{{Name: spec.Language.SourceFile, Content: spec.Code}}, spec.Files...)
	for _, f := range files {
		if f.Name != filepath.Base(f.Name) {
			return fmt.Errorf("file name %q is not a plain name", f.Name)
		}
		if err := os.WriteFile(filepath.Join(dir, f.Name), []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

// containerSandbox is one container hosting a single program run.
type containerSandbox struct {
	provider    *Provider
	spec        sandbox.Spec
	containerID string
	dir         string

	// hj carries stdin and the multiplexed output stream. It is set by
	// Start, before the container runs, so no output is missed.
	hj      *types.HijackedResponse
	stdout  *sandbox.LimitedBuffer
	stderr  *sandbox.LimitedBuffer
	copied  chan struct{}
	copyErr error

	destroyOnce sync.Once
	destroyErr  error
}

var _ sandbox.Sandbox = (*containerSandbox)(nil)

func (s *containerSandbox) ID() string { return s.spec.ID }

// Start attaches to the container's streams and then starts it.
func (s *containerSandbox) Start(ctx context.Context) error {
	api := s.provider.api
	hj, err := api.ContainerAttach(ctx, s.containerID, container.AttachOptions{
		Stream: true,
		Stdin:  s.spec.Stdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("attach container: %w", err)
	}
	s.hj = &hj

	go func() {
		defer close(s.copied)
		_, s.copyErr = stdcopy.StdCopy(s.stdout, s.stderr, hj.Reader)
	}()

	if err := api.ContainerStart(ctx, s.containerID, container.StartOptions{}); err != nil {
		hj.Close()
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// AttachStdin streams r into the container and closes the write side so the
// program sees end of input.
func (s *containerSandbox) AttachStdin(_ context.Context, r io.Reader) error {
	if s.hj == nil || !s.spec.Stdin {
		return errors.New("attach stdin: container was not started with stdin")
	}
	if _, err := io.Copy(s.hj.Conn, r); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	if err := s.hj.CloseWrite(); err != nil {
		return fmt.Errorf("close stdin: %w", err)
	}
	return nil
}

// CaptureOutput waits for the container to stop and for its output stream to
// drain. Each stream keeps at most MaxOutputBytes.
func (s *containerSandbox) CaptureOutput(ctx context.Context) (sandbox.Output, error) {
	if s.hj == nil {
		return sandbox.Output{}, errors.New("capture output: container not started")
	}

	statusCh, errCh := s.provider.api.ContainerWait(ctx, s.containerID, container.WaitConditionNotRunning)
	var code int
	select {
	case err := <-errCh:
		return sandbox.Output{}, fmt.Errorf("wait container: %w", err)
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return sandbox.Output{}, fmt.Errorf("wait container: %s", st.Error.Message)
		}
		code = int(st.StatusCode)
	case <-ctx.Done():
		return sandbox.Output{}, ctx.Err()
	}

	select {
	case <-s.copied:
	case <-ctx.Done():
		return sandbox.Output{}, ctx.Err()
	}
	if s.copyErr != nil {
		return sandbox.Output{}, fmt.Errorf("demux output: %w", s.copyErr)
	}

	return sandbox.Output{
		Stdout:    s.stdout.Bytes(),
		Stderr:    s.stderr.Bytes(),
		ExitCode:  &code,
		Truncated: s.stdout.Truncated() || s.stderr.Truncated(),
	}, nil
}

// Terminate sends SIGKILL. A container that already stopped is not an error.
func (s *containerSandbox) Terminate(ctx context.Context) error {
	err := s.provider.api.ContainerKill(ctx, s.containerID, "SIGKILL")
	if err != nil && !cerrdefs.IsConflict(err) && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

// Destroy force-removes the container and its workspace. It runs once;
// later calls return the first result.
func (s *containerSandbox) Destroy(ctx context.Context) error {
	s.destroyOnce.Do(func() {
		if s.hj != nil {
			s.hj.Close()
		}
		var errs []error
		err := s.provider.api.ContainerRemove(ctx, s.containerID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
		if err != nil && !cerrdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove container: %w", err))
		}
		if err := os.RemoveAll(s.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove workspace: %w", err))
		}
		s.destroyErr = errors.Join(errs...)
	})
	return s.destroyErr
}
