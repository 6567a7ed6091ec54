// Package sandboxtest provides an in-memory sandbox provider for tests. It
// runs a Go function in place of a program and records every lifecycle call
// so tests can assert that no sandbox outlives its attempt.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/sandbox"
)

// ExitKilled is the exit code reported for a terminated program.
const ExitKilled = 137

// Program stands in for the sandboxed process. ctx is cancelled when the
// sandbox is terminated.
type Program func(ctx context.Context, spec sandbox.Spec, stdin []byte) (sandbox.Output, error)

// Provider is a fake sandbox.Provider. The zero value is not usable; call New.
type Provider struct {
	program Program

	// CreateErr, when set, is consulted on every Create with the 1-based
	// creation count. A non-nil return fails the creation.
	CreateErr func(n int) error

	// StartErr, when set, fails Start.
	StartErr error

	// PingErr is returned from Ping.
	PingErr error

	mu         sync.Mutex
	created    int
	destroyed  int
	terminated int
	live       map[string]*Sandbox
	specs      []sandbox.Spec
}

var _ sandbox.Provider = (*Provider)(nil)

// New returns a provider that runs program for every sandbox.
func New(program Program) *Provider {
	return &Provider{
		program: program,
		live:    make(map[string]*Sandbox),
	}
}

// Create implements sandbox.Provider.
func (p *Provider) Create(_ context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	p.mu.Lock()
	p.created++
	n := p.created
	p.mu.Unlock()

	if p.CreateErr != nil {
		if err := p.CreateErr(n); err != nil {
			return nil, err
		}
	}

	sb := &Sandbox{
		id:       fmt.Sprintf("fake-%d", n),
		provider: p,
		spec:     spec,
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	p.live[sb.id] = sb
	p.specs = append(p.specs, spec)
	p.mu.Unlock()
	return sb, nil
}

// Capabilities implements sandbox.Provider.
func (p *Provider) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{
		Name:           "fake",
		Languages:      model.LanguageNames(),
		MaxConcurrency: 100,
	}
}

// Ping implements sandbox.Provider.
func (p *Provider) Ping(context.Context) error {
	return p.PingErr
}

// Created returns the number of Create calls, including failed ones.
func (p *Provider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Destroyed returns the number of sandboxes destroyed.
func (p *Provider) Destroyed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Terminated returns the number of sandboxes forcibly terminated.
func (p *Provider) Terminated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Live returns the number of sandboxes created but not yet destroyed.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Specs returns the specs of every successfully created sandbox.
func (p *Provider) Specs() []sandbox.Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sandbox.Spec(nil), p.specs...)
}

// Sandbox is a fake sandbox.Sandbox.
type Sandbox struct {
	id       string
	provider *Provider
	spec     sandbox.Spec

	mu        sync.Mutex
	stdin     []byte
	started   bool
	cancel    context.CancelFunc
	destroyed bool

	done     chan struct{}
	output   sandbox.Output
	err      error
	panicVal any
}

// ID implements sandbox.Sandbox.
func (s *Sandbox) ID() string { return s.id }

// Start implements sandbox.Sandbox. The program begins once stdin is attached
// or, when the spec has no stdin, immediately.
func (s *Sandbox) Start(context.Context) error {
	if s.provider.StartErr != nil {
		return s.provider.StartErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("already started")
	}
	s.started = true
	if !s.spec.Stdin {
		s.launchLocked()
	}
	return nil
}

// AttachStdin implements sandbox.Sandbox.
func (s *Sandbox) AttachStdin(_ context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	s.stdin = data
	if s.cancel == nil {
		s.launchLocked()
	}
	return nil
}

func (s *Sandbox) launchLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	stdin := s.stdin
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.mu.Lock()
				s.panicVal = r
				s.mu.Unlock()
			}
			close(s.done)
		}()
		out, err := s.provider.program(ctx, s.spec, stdin)
		s.mu.Lock()
		s.output, s.err = out, err
		s.mu.Unlock()
	}()
}

// CaptureOutput implements sandbox.Sandbox.
func (s *Sandbox) CaptureOutput(ctx context.Context) (sandbox.Output, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return sandbox.Output{}, ctx.Err()
	}
	s.mu.Lock()
	out, err, pv := s.output, s.err, s.panicVal
	s.mu.Unlock()
	if pv != nil {
		// Re-raise on the caller's goroutine so it surfaces where a real
		// provider bug would.
		panic(pv)
	}
	return out, err
}

// Terminate implements sandbox.Sandbox.
func (s *Sandbox) Terminate(context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.provider.mu.Lock()
	s.provider.terminated++
	s.provider.mu.Unlock()
	return nil
}

// Destroy implements sandbox.Sandbox.
func (s *Sandbox) Destroy(context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.provider.mu.Lock()
	delete(s.provider.live, s.id)
	s.provider.destroyed++
	s.provider.mu.Unlock()
	return nil
}

// Exit returns a program that writes stdout and stderr and exits with code.
func Exit(stdout, stderr string, code int) Program {
	return func(context.Context, sandbox.Spec, []byte) (sandbox.Output, error) {
		return sandbox.Output{Stdout: []byte(stdout), Stderr: []byte(stderr), ExitCode: &code}, nil
	}
}

// Cat returns a program that echoes its stdin to stdout and exits 0.
func Cat() Program {
	return func(_ context.Context, _ sandbox.Spec, stdin []byte) (sandbox.Output, error) {
		code := 0
		return sandbox.Output{Stdout: stdin, ExitCode: &code}, nil
	}
}

// Sleep returns a program that writes partial to stdout, then runs for d or
// until terminated. A terminated run reports ExitKilled.
func Sleep(d time.Duration, partial string) Program {
	return func(ctx context.Context, _ sandbox.Spec, _ []byte) (sandbox.Output, error) {
		select {
		case <-time.After(d):
			code := 0
			return sandbox.Output{Stdout: []byte(partial), ExitCode: &code}, nil
		case <-ctx.Done():
			code := ExitKilled
			return sandbox.Output{Stdout: []byte(partial), ExitCode: &code}, nil
		}
	}
}

// Hang returns a program that never exits on its own.
func Hang(partial string) Program {
	return Sleep(24*time.Hour, partial)
}

// Fail returns a program whose output capture fails with err.
func Fail(err error) Program {
	return func(context.Context, sandbox.Spec, []byte) (sandbox.Output, error) {
		return sandbox.Output{}, err
	}
}

// Panic returns a program that makes CaptureOutput panic.
func Panic(msg string) Program {
	return func(context.Context, sandbox.Spec, []byte) (sandbox.Output, error) {
		panic(msg)
	}
}
