package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/sandbox"
)

// Provider constants.
const (
	// ProviderName is the name used when registering with the provider registry.
	ProviderName = "firecracker"

	// DefaultBootArgs are the kernel boot arguments for Firecracker microVMs.
	// ro keeps the root device read-only; the guest mounts a tmpfs for the
	// program workspace.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off ro init=" + GuestAgentPath

	// vsockDeviceID is the device identifier used for vsock configuration.
	vsockDeviceID = "vsock0"

	// rootfsDriveID is the drive identifier for the root filesystem.
	rootfsDriveID = "rootfs"

	// vmSocketName is the API socket file inside the VM's temp directory.
	vmSocketName = "firecracker.sock"

	// vsockSocketName is the vsock UDS file inside the VM's temp directory.
	vsockSocketName = "vsock.sock"

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 3 * time.Second

	// maxStdinBytes bounds stdin read from the engine before it is framed.
	maxStdinBytes = MaxMessageSize / 2
)

// Provider implements sandbox.Provider with one Firecracker microVM per
// attempt. VMs have no network interface; the host talks to the guest agent
// over vsock only.
type Provider struct {
	cfg    Config
	logger *slog.Logger
	fcLog  *logrus.Entry

	// slots bounds the number of microVMs alive at once.
	slots chan struct{}

	mu  sync.Mutex
	vms map[string]*microVM // sandbox ID → VM

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

var _ sandbox.Provider = (*Provider)(nil)

// New creates a new Firecracker provider.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.MaxConcurrentVMs <= 0 {
		cfg.MaxConcurrentVMs = MaxConcurrentVMs
	}
	if cfg.CIDBase < MinCID {
		cfg.CIDBase = MinCID
	}

	// The SDK logs through logrus; its chatter is discarded and failures
	// surface as returned errors logged with slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	return &Provider{
		cfg:      cfg,
		logger:   logger,
		fcLog:    logrus.NewEntry(fcLogger),
		slots:    make(chan struct{}, cfg.MaxConcurrentVMs),
		vms:      make(map[string]*microVM),
		cidNext:  cfg.CIDBase,
		cidInUse: make(map[uint32]bool),
	}
}

// Capabilities reports what this provider supports.
func (p *Provider) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{
		Name:           ProviderName,
		Languages:      model.LanguageNames(),
		MaxConcurrency: p.cfg.MaxConcurrentVMs,
	}
}

// Ping checks that the kernel, the rootfs images and the Firecracker binary
// are in place.
func (p *Provider) Ping(context.Context) error {
	if _, err := os.Stat(p.cfg.KernelPath); err != nil {
		return fmt.Errorf("kernel image: %w", err)
	}
	for _, lang := range model.LanguageNames() {
		path, _ := RootfsPath(p.cfg.RootfsDir, lang)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("rootfs for %s: %w", lang, err)
		}
	}
	if _, err := exec.LookPath(p.cfg.FirecrackerBin); err != nil {
		return fmt.Errorf("firecracker binary: %w", err)
	}
	return nil
}

// Create prepares a microVM for one attempt. The VM is configured but not
// booted; Start boots it and connects to the guest agent.
func (p *Provider) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	rootfsPath, err := RootfsPath(p.cfg.RootfsDir, spec.Language.Name)
	if err != nil {
		return nil, fmt.Errorf("select rootfs: %w", err)
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for VM slot: %w", ctx.Err())
	}

	cid, err := p.allocateCID()
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("allocate CID: %w", err)
	}

	dir, err := os.MkdirTemp("", "coderun-vm-"+spec.ID+"-")
	if err != nil {
		p.releaseCID(cid)
		<-p.slots
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	// Each VM gets its own copy so that nothing one program does to the
	// image can leak into the next.
	vmRootfs := filepath.Join(dir, "rootfs.ext4")
	if err := copyRootfs(rootfsPath, vmRootfs); err != nil {
		os.RemoveAll(dir)
		p.releaseCID(cid)
		<-p.slots
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(dir, vmSocketName)
	vsockPath := filepath.Join(dir, vsockSocketName)

	vcpus := int64(max(p.cfg.VCPUs, 1))
	mem := int64(p.cfg.MemMB)
	if mem <= 0 {
		mem = memMB(spec.Limits.MemoryBytes)
	}

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: p.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(true),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(vcpus),
			MemSizeMib: fcsdk.Int64(mem),
			Smt:        fcsdk.Bool(false),
		},
		VMID: spec.ID,
	}

	// The VMM process outlives the setup context; it is bound to the VM's
	// own lifetime and stopped by Terminate or Destroy.
	vmCtx, cancel := context.WithCancel(context.Background())
	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(p.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(vmCtx)

	machine, err := fcsdk.NewMachine(vmCtx, fcCfg,
		fcsdk.WithLogger(p.fcLog),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		cancel()
		os.RemoveAll(dir)
		p.releaseCID(cid)
		<-p.slots
		return nil, fmt.Errorf("create machine: %w", err)
	}

	vm := &microVM{
		provider:  p,
		spec:      spec,
		machine:   machine,
		ctx:       vmCtx,
		cancel:    cancel,
		cid:       cid,
		dir:       dir,
		vsockPath: vsockPath,
		stdout:    sandbox.NewLimitedBuffer(spec.Limits.MaxOutputBytes),
		stderr:    sandbox.NewLimitedBuffer(spec.Limits.MaxOutputBytes),
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	p.vms[spec.ID] = vm
	p.mu.Unlock()

	p.logger.Debug("VM created",
		"sandbox_id", spec.ID,
		"language", spec.Language.Name,
		"cid", cid,
		"vcpus", vcpus,
		"mem_mb", mem,
	)
	return vm, nil
}

// Shutdown destroys every VM still alive. It is called once on process exit
// after the worker pool has drained.
func (p *Provider) Shutdown(ctx context.Context) {
	p.mu.Lock()
	vms := make([]*microVM, 0, len(p.vms))
	for _, vm := range p.vms {
		vms = append(vms, vm)
	}
	p.mu.Unlock()

	for _, vm := range vms {
		if err := vm.Destroy(ctx); err != nil {
			p.logger.Error("shutdown cleanup failed", "sandbox_id", vm.ID(), "error", err)
		}
	}
}

// allocateCID returns the next available vsock CID.
func (p *Provider) allocateCID() (uint32, error) {
	p.cidMu.Lock()
	defer p.cidMu.Unlock()

	// Try the next CID and scan forward if in use.
	scanRange := uint32(p.cfg.MaxConcurrentVMs + 10)
	for i := range scanRange {
		candidate := max(p.cidNext+i, MinCID)
		if !p.cidInUse[candidate] {
			p.cidInUse[candidate] = true
			p.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(p.cidInUse))
}

// releaseCID returns a CID to the pool.
func (p *Provider) releaseCID(cid uint32) {
	p.cidMu.Lock()
	defer p.cidMu.Unlock()
	delete(p.cidInUse, cid)
}

// microVM is one Firecracker VM hosting a single program run.
type microVM struct {
	provider  *Provider
	spec      sandbox.Spec
	machine   *fcsdk.Machine
	ctx       context.Context
	cancel    context.CancelFunc
	cid       uint32
	dir       string
	vsockPath string

	stdout *sandbox.LimitedBuffer
	stderr *sandbox.LimitedBuffer

	mu      sync.Mutex
	started bool
	sent    bool
	conn    *GuestConn

	terminated atomic.Bool

	// done is closed once the guest has reported or disconnected; resp and
	// streamErr are valid after that.
	done      chan struct{}
	resp      GuestResponse
	streamErr error

	destroyOnce sync.Once
	destroyErr  error
}

var _ sandbox.Sandbox = (*microVM)(nil)

func (vm *microVM) ID() string { return vm.spec.ID }

// Start boots the VM and connects to the guest agent. Boot is bounded by ctx;
// the VM itself keeps running after ctx ends.
func (vm *microVM) Start(ctx context.Context) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.started {
		return errors.New("already started")
	}

	bootStart := time.Now()
	stop := context.AfterFunc(ctx, vm.cancel)
	err := vm.machine.Start(vm.ctx)
	stop()
	if err != nil {
		vmRunsTotal.WithLabelValues(vm.spec.Language.Name, outcomeFailed).Inc()
		return fmt.Errorf("start VM: %w", err)
	}
	vm.started = true
	activeVMs.Inc()

	gc, err := DialGuest(ctx, vm.vsockPath, vm.provider.cfg.VsockPort)
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	if err != nil {
		vmRunsTotal.WithLabelValues(vm.spec.Language.Name, outcomeFailed).Inc()
		return fmt.Errorf("connect to guest: %w", err)
	}
	vm.conn = gc

	vm.provider.logger.Debug("VM started",
		"sandbox_id", vm.spec.ID,
		"boot_ms", time.Since(bootStart).Milliseconds(),
	)

	go vm.stream()

	if !vm.spec.Stdin {
		return vm.sendLocked(nil)
	}
	return nil
}

// AttachStdin reads all of r and sends the run request with it. The guest
// starts the program only once the request arrives.
func (vm *microVM) AttachStdin(_ context.Context, r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, maxStdinBytes))
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.started {
		return errors.New("not started")
	}
	return vm.sendLocked(data)
}

func (vm *microVM) sendLocked(stdin []byte) error {
	if vm.sent {
		return errors.New("request already sent")
	}
	vm.sent = true
	return vm.conn.Send(GuestRequest{
		Language:       vm.spec.Language.Name,
		SourceFile:     vm.spec.Language.SourceFile,
		Command:        vm.spec.Language.Command,
		Code:           vm.spec.Code,
		Files:          vm.spec.Files,
		Stdin:          stdin,
		MaxOutputBytes: vm.spec.Limits.MaxOutputBytes,
	})
}

// stream collects guest output until the final result or a disconnect.
func (vm *microVM) stream() {
	defer close(vm.done)

	start := time.Now()
	resp, err := vm.conn.Stream(vm.stdout, vm.stderr)
	guestRunDuration.Observe(time.Since(start).Seconds())

	vm.resp, vm.streamErr = resp, err

	outcome := outcomeExited
	switch {
	case vm.terminated.Load():
		outcome = outcomeKilled
	case err != nil || resp.ExitCode == nil:
		outcome = outcomeFailed
	}
	vmRunsTotal.WithLabelValues(vm.spec.Language.Name, outcome).Inc()
}

// CaptureOutput waits for the guest to finish. A VM stopped by Terminate
// yields the output streamed so far with no exit code.
func (vm *microVM) CaptureOutput(ctx context.Context) (sandbox.Output, error) {
	vm.mu.Lock()
	started := vm.started
	vm.mu.Unlock()
	if !started {
		return sandbox.Output{}, errors.New("not started")
	}

	select {
	case <-vm.done:
	case <-ctx.Done():
		return sandbox.Output{}, ctx.Err()
	}

	out := sandbox.Output{
		Stdout:    vm.stdout.Bytes(),
		Stderr:    vm.stderr.Bytes(),
		Truncated: vm.stdout.Truncated() || vm.stderr.Truncated(),
	}

	if vm.streamErr != nil {
		if vm.terminated.Load() {
			out.Truncated = true
			return out, nil
		}
		return sandbox.Output{}, vm.streamErr
	}
	if vm.resp.ExitCode == nil {
		return sandbox.Output{}, fmt.Errorf("guest: %s", vm.resp.Error)
	}

	out.ExitCode = vm.resp.ExitCode
	out.Truncated = out.Truncated || vm.resp.Truncated
	return out, nil
}

// Terminate stops the VMM process outright. The guest gets no chance to run
// anything further.
func (vm *microVM) Terminate(context.Context) error {
	vm.terminated.Store(true)

	vm.mu.Lock()
	started := vm.started
	vm.mu.Unlock()
	if !started {
		return nil
	}
	if err := vm.machine.StopVMM(); err != nil {
		return fmt.Errorf("stop VMM: %w", err)
	}
	return nil
}

// Destroy stops the VM and releases every resource it holds. It runs once;
// later calls return the first result.
func (vm *microVM) Destroy(ctx context.Context) error {
	vm.destroyOnce.Do(func() {
		vm.destroyErr = vm.destroy(ctx)
	})
	return vm.destroyErr
}

func (vm *microVM) destroy(ctx context.Context) error {
	p := vm.provider
	cleanupStart := time.Now()

	vm.mu.Lock()
	started := vm.started
	conn := vm.conn
	vm.mu.Unlock()

	var errs []error
	if started {
		shutdownCtx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
		if err := vm.machine.Shutdown(shutdownCtx); err != nil {
			p.logger.Debug("graceful shutdown failed, forcing stop", "sandbox_id", vm.spec.ID, "error", err)
			if stopErr := vm.machine.StopVMM(); stopErr != nil {
				p.logger.Debug("StopVMM failed", "sandbox_id", vm.spec.ID, "error", stopErr)
			}
		}
		cancel()

		waitCtx, waitCancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
		if err := vm.machine.Wait(waitCtx); err != nil {
			p.logger.Debug("failed to wait for VM exit", "sandbox_id", vm.spec.ID, "error", err)
		}
		waitCancel()
		activeVMs.Dec()
	}
	vm.cancel()

	if conn != nil {
		conn.Close()
		<-vm.done
	}

	p.releaseCID(vm.cid)
	if err := os.RemoveAll(vm.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove VM dir: %w", err))
	}

	p.mu.Lock()
	delete(p.vms, vm.spec.ID)
	p.mu.Unlock()
	<-p.slots

	vmCleanupDuration.Observe(time.Since(cleanupStart).Seconds())
	p.logger.Debug("cleanup complete", "sandbox_id", vm.spec.ID)
	return errors.Join(errs...)
}

// copyRootfs creates a copy of the rootfs image for a VM.
// Uses cp --reflink=auto for copy-on-write when the filesystem supports it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
