// Package guest implements the Firecracker microVM guest agent.
// It receives one run request per connection over vsock, lays out the program
// workspace, runs the language command and streams output back.
package guest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/seantiz/coderun/internal/model"
	fc "github.com/seantiz/coderun/internal/sandbox/firecracker"
)

// chunkSize is the largest output chunk sent in one message.
const chunkSize = 32 << 10

// Agent handles vsock connections and executes programs.
type Agent struct {
	listener net.Listener
	workDir  string
}

// New creates a new guest agent with the given listener and work directory.
// Command arguments referring to the sandbox work directory are rewritten to
// workDir.
func New(listener net.Listener, workDir string) *Agent {
	return &Agent{
		listener: listener,
		workDir:  workDir,
	}
}

// Serve accepts connections and handles requests. It blocks until the
// listener is closed or an unrecoverable error occurs.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

// handleConnection processes a single run request on conn.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req fc.GuestRequest
	if err := fc.ReadMessage(conn, &req); err != nil {
		log.Printf("read request: %v", err)
		sendResult(conn, nil, fc.GuestResponse{Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var writeMu sync.Mutex
	resp := a.run(conn, &writeMu, &req)
	sendResult(conn, &writeMu, resp)
}

// run executes the program described by req, streaming its output to conn.
func (a *Agent) run(conn net.Conn, mu *sync.Mutex, req *fc.GuestRequest) fc.GuestResponse {
	if len(req.Command) == 0 {
		return fc.GuestResponse{Error: "empty command"}
	}

	if err := a.prepareWorkspace(req); err != nil {
		return fc.GuestResponse{Error: fmt.Sprintf("prepare workspace: %v", err)}
	}

	args := make([]string, len(req.Command))
	for i, arg := range req.Command {
		args[i] = strings.ReplaceAll(arg, model.SandboxWorkDir, a.workDir)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = a.workDir
	cmd.Env = os.Environ()
	cmd.Stdin = bytes.NewReader(req.Stdin)

	stdout := &streamWriter{conn: conn, mu: mu, kind: fc.MsgTypeStdout, limit: req.MaxOutputBytes}
	stderr := &streamWriter{conn: conn, mu: mu, kind: fc.MsgTypeStderr, limit: req.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fc.GuestResponse{Error: fmt.Sprintf("start command: %v", err)}
	}

	waitErr := cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return fc.GuestResponse{Error: fmt.Sprintf("wait: %v", waitErr)}
		}
		exitCode = exitErr.ExitCode()
		if exitCode < 0 {
			// Killed by a signal inside the guest; report it the way a shell does.
			exitCode = 128 + 9
		}
	}

	return fc.GuestResponse{
		ExitCode:  &exitCode,
		Truncated: stdout.truncated || stderr.truncated,
	}
}

// prepareWorkspace empties the work directory and writes the source file
// and every supporting file into it.
func (a *Agent) prepareWorkspace(req *fc.GuestRequest) error {
	// The work dir may be a mount point, so it is emptied rather than removed.
	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	entries, err := os.ReadDir(a.workDir)
	if err != nil {
		return fmt.Errorf("read work dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(a.workDir, e.Name())); err != nil {
			return fmt.Errorf("clean work dir: %w", err)
		}
	}

	files := append([]model.File{{Name: req.SourceFile, Content: req.Code}}, req.Files...)
	for _, f := range files {
		if err := validatePath(a.workDir, f.Name); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(a.workDir, f.Name), []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

// streamWriter forwards process output to the host as chunked messages. It
// stops forwarding after limit bytes but keeps accepting writes so the
// process never blocks on a full pipe.
type streamWriter struct {
	conn  net.Conn
	mu    *sync.Mutex
	kind  string
	limit int

	sent      int
	truncated bool
	broken    bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.broken {
		return n, nil
	}
	if room := w.limit - w.sent; len(p) > room {
		p = p[:max(room, 0)]
		w.truncated = true
	}
	for len(p) > 0 {
		chunk := p[:min(len(p), chunkSize)]
		p = p[len(chunk):]

		w.mu.Lock()
		err := fc.WriteMessage(w.conn, &fc.GuestMessage{Type: w.kind, Data: chunk})
		w.mu.Unlock()
		if err != nil {
			log.Printf("write %s: %v", w.kind, err)
			w.broken = true
			return n, nil
		}
		w.sent += len(chunk)
	}
	return n, nil
}

// sendResult sends the final GuestResponse wrapped in a GuestMessage.
func sendResult(conn net.Conn, mu *sync.Mutex, resp fc.GuestResponse) {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	msg := fc.GuestMessage{
		Type:     fc.MsgTypeResult,
		Response: &resp,
	}
	if err := fc.WriteMessage(conn, &msg); err != nil {
		log.Printf("write result: %v", err)
	}
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	full := filepath.Join(absBase, relPath)
	cleaned := filepath.Clean(full)
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes work directory", relPath)
	}
	return nil
}

var _ io.Writer = (*streamWriter)(nil)
