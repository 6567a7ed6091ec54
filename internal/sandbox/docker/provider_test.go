package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/sandbox"
)

// fakeAPI records calls and plays back a canned container run.
type fakeAPI struct {
	mu sync.Mutex

	createErr error
	config    *container.Config
	host      *container.HostConfig
	name      string

	started   bool
	attach    container.AttachOptions
	stdin     bytes.Buffer
	killErr   error
	killed    int
	removed   int
	removeErr error

	exitCode int64
	waitErr  error
	stdout   string
	stderr   string

	pingErr error
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.config, f.host, f.name = cfg, host, name
	return container.CreateResponse{ID: "c-" + name}, nil
}

func (f *fakeAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

// ContainerAttach plays the daemon side of an attach: it consumes stdin when
// requested, then writes the canned output as a multiplexed stream and hangs
// up, as the daemon does when the container exits.
func (f *fakeAPI) ContainerAttach(_ context.Context, _ string, opts container.AttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	f.attach = opts
	f.mu.Unlock()

	daemon, client := net.Pipe()
	stdinR, stdinW := io.Pipe()
	go func() {
		defer daemon.Close()
		if opts.Stdin {
			data, _ := io.ReadAll(stdinR)
			f.mu.Lock()
			f.stdin.Write(data)
			f.mu.Unlock()
		}
		if f.stdout != "" {
			stdcopy.NewStdWriter(daemon, stdcopy.Stdout).Write([]byte(f.stdout))
		}
		if f.stderr != "" {
			stdcopy.NewStdWriter(daemon, stdcopy.Stderr).Write([]byte(f.stderr))
		}
	}()
	return types.NewHijackedResponse(&duplexConn{Conn: client, stdin: stdinW}, ""), nil
}

// duplexConn reads output from a pipe and sends writes to a separate stdin
// pipe, so CloseWrite can signal end of input like a half-closed socket.
type duplexConn struct {
	net.Conn
	stdin *io.PipeWriter
}

func (c *duplexConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *duplexConn) CloseWrite() error { return c.stdin.Close() }

func (c *duplexConn) Close() error {
	c.stdin.Close()
	return c.Conn.Close()
}

func (f *fakeAPI) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.waitErr != nil {
		errCh <- f.waitErr
	} else {
		statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return statusCh, errCh
}

func (f *fakeAPI) ContainerKill(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	return f.killErr
}

func (f *fakeAPI) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return f.removeErr
}

func (f *fakeAPI) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeAPI) Close() error { return nil }

func testProvider(t *testing.T, api *fakeAPI) *Provider {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newProvider(api, Config{WorkDir: t.TempDir()}, logger)
}

func pythonSpec(stdin bool) sandbox.Spec {
	lang, _ := model.LookupLanguage(model.LanguagePython)
	return sandbox.Spec{
		ID:       "01TEST",
		Language: lang,
		Code:     `print("hi")`,
		Files:    []model.File{{Name: "data.txt", Content: "42"}},
		Stdin:    stdin,
		Limits:   sandbox.DefaultLimits(),
	}
}

func TestCreateConfiguresIsolation(t *testing.T) {
	api := &fakeAPI{}
	p := testProvider(t, api)

	sb, err := p.Create(context.Background(), pythonSpec(false))
	require.NoError(t, err)
	defer sb.Destroy(context.Background())

	assert.Equal(t, "code-engine-python", api.config.Image)
	assert.Equal(t, []string{"python3", "/sandbox/main.py"}, []string(api.config.Cmd))
	assert.True(t, api.config.NetworkDisabled)
	assert.False(t, api.config.OpenStdin)
	assert.Equal(t, "01TEST", api.config.Labels[labelSandbox])

	host := api.host
	assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
	assert.True(t, host.ReadonlyRootfs)
	assert.Equal(t, []string{"ALL"}, []string(host.CapDrop))
	assert.Contains(t, host.SecurityOpt, "no-new-privileges")
	assert.Contains(t, host.Tmpfs, "/tmp")
	assert.Equal(t, int64(sandbox.DefaultMemoryBytes), host.Memory)
	assert.Equal(t, host.Memory, host.MemorySwap)
	assert.Equal(t, int64(sandbox.DefaultCPUQuota), host.CPUQuota)
	require.NotNil(t, host.PidsLimit)
	assert.Equal(t, int64(sandbox.DefaultPidsLimit), *host.PidsLimit)
	require.Len(t, host.Binds, 1)
	assert.Contains(t, host.Binds[0], ":/sandbox:ro")
	assert.Equal(t, "none", host.LogConfig.Type, "the daemon must not persist program output")
}

func TestCreateWritesWorkspace(t *testing.T) {
	api := &fakeAPI{}
	p := testProvider(t, api)

	sb, err := p.Create(context.Background(), pythonSpec(false))
	require.NoError(t, err)
	defer sb.Destroy(context.Background())

	dir := sb.(*containerSandbox).dir
	src, err := os.ReadFile(filepath.Join(dir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, `print("hi")`, string(src))

	data, err := os.ReadFile(filepath.Join(dir, "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))
}

func TestCreateOpensStdinOnlyWhenNeeded(t *testing.T) {
	api := &fakeAPI{}
	p := testProvider(t, api)

	sb, err := p.Create(context.Background(), pythonSpec(true))
	require.NoError(t, err)
	defer sb.Destroy(context.Background())

	assert.True(t, api.config.OpenStdin)
	assert.True(t, api.config.StdinOnce)
}

func TestCreateFailureRemovesWorkspace(t *testing.T) {
	api := &fakeAPI{createErr: errors.New("no such image")}
	p := testProvider(t, api)

	_, err := p.Create(context.Background(), pythonSpec(false))
	require.Error(t, err)

	entries, err := os.ReadDir(p.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateRejectsNestedFileNames(t *testing.T) {
	p := testProvider(t, &fakeAPI{})
	spec := pythonSpec(false)
	spec.Files = []model.File{{Name: "../escape", Content: "x"}}

	_, err := p.Create(context.Background(), spec)
	require.Error(t, err)
}

func TestRunCapturesDemuxedOutput(t *testing.T) {
	api := &fakeAPI{exitCode: 3, stdout: "out\n", stderr: "err\n"}
	p := testProvider(t, api)
	ctx := context.Background()

	sb, err := p.Create(ctx, pythonSpec(true))
	require.NoError(t, err)
	defer sb.Destroy(ctx)

	require.NoError(t, sb.Start(ctx))
	assert.True(t, api.attach.Stdin)
	assert.True(t, api.attach.Stdout)
	assert.True(t, api.attach.Stderr)
	require.NoError(t, sb.AttachStdin(ctx, bytes.NewBufferString("input\n")))

	out, err := sb.CaptureOutput(ctx)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(out.Stdout))
	assert.Equal(t, "err\n", string(out.Stderr))
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 3, *out.ExitCode)
	assert.False(t, out.Truncated)

	assert.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.stdin.String() == "input\n"
	}, time.Second, 10*time.Millisecond)
}

func TestCaptureTruncatesOutput(t *testing.T) {
	api := &fakeAPI{stdout: "0123456789"}
	p := testProvider(t, api)
	ctx := context.Background()

	spec := pythonSpec(false)
	spec.Limits.MaxOutputBytes = 4
	sb, err := p.Create(ctx, spec)
	require.NoError(t, err)
	defer sb.Destroy(ctx)
	require.NoError(t, sb.Start(ctx))

	out, err := sb.CaptureOutput(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(out.Stdout))
	assert.True(t, out.Truncated)
}

func TestCaptureWaitError(t *testing.T) {
	api := &fakeAPI{waitErr: errors.New("daemon gone")}
	p := testProvider(t, api)
	ctx := context.Background()

	sb, err := p.Create(ctx, pythonSpec(false))
	require.NoError(t, err)
	defer sb.Destroy(ctx)
	require.NoError(t, sb.Start(ctx))

	_, err = sb.CaptureOutput(ctx)
	require.Error(t, err)
}

func TestStdinRequiresStdinSpec(t *testing.T) {
	api := &fakeAPI{stdout: "x"}
	p := testProvider(t, api)
	ctx := context.Background()

	sb, err := p.Create(ctx, pythonSpec(false))
	require.NoError(t, err)
	defer sb.Destroy(ctx)

	require.Error(t, sb.AttachStdin(ctx, bytes.NewBufferString("late")), "before start")
	require.NoError(t, sb.Start(ctx))
	assert.False(t, api.attach.Stdin)
	require.Error(t, sb.AttachStdin(ctx, bytes.NewBufferString("late")))

	out, err := sb.CaptureOutput(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", string(out.Stdout))
}

func TestCaptureBeforeStartFails(t *testing.T) {
	p := testProvider(t, &fakeAPI{})
	ctx := context.Background()

	sb, err := p.Create(ctx, pythonSpec(false))
	require.NoError(t, err)
	defer sb.Destroy(ctx)

	_, err = sb.CaptureOutput(ctx)
	require.Error(t, err)
}

func TestTerminateIgnoresStoppedContainer(t *testing.T) {
	api := &fakeAPI{killErr: cerrdefs.ErrConflict}
	p := testProvider(t, api)
	ctx := context.Background()

	sb, err := p.Create(ctx, pythonSpec(false))
	require.NoError(t, err)
	defer sb.Destroy(ctx)

	require.NoError(t, sb.Terminate(ctx))
	assert.Equal(t, 1, api.killed)

	api.killErr = errors.New("daemon gone")
	require.Error(t, sb.Terminate(ctx))
}

func TestDestroyIsIdempotent(t *testing.T) {
	api := &fakeAPI{}
	p := testProvider(t, api)
	ctx := context.Background()

	sb, err := p.Create(ctx, pythonSpec(false))
	require.NoError(t, err)
	dir := sb.(*containerSandbox).dir

	require.NoError(t, sb.Destroy(ctx))
	require.NoError(t, sb.Destroy(ctx))

	assert.Equal(t, 1, api.removed)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestDestroyToleratesMissingContainer(t *testing.T) {
	api := &fakeAPI{removeErr: cerrdefs.ErrNotFound}
	p := testProvider(t, api)
	ctx := context.Background()

	sb, err := p.Create(ctx, pythonSpec(false))
	require.NoError(t, err)
	require.NoError(t, sb.Destroy(ctx))
}

func TestPingAndCapabilities(t *testing.T) {
	api := &fakeAPI{}
	p := testProvider(t, api)

	require.NoError(t, p.Ping(context.Background()))
	api.pingErr = errors.New("connection refused")
	require.Error(t, p.Ping(context.Background()))

	caps := p.Capabilities()
	assert.Equal(t, ProviderName, caps.Name)
	assert.Equal(t, model.LanguageNames(), caps.Languages)
	assert.Equal(t, DefaultMaxConcurrency, caps.MaxConcurrency)
}
