// Command coderun-guest is the agent that runs as PID 1 inside Firecracker
// microVMs. It listens on vsock for run requests from the host, executes the
// program with the language's command and streams its output back.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o coderun-guest ./cmd/coderun-guest
package main

import (
	"log"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/coderun/internal/guest"
	"github.com/seantiz/coderun/internal/model"
	fc "github.com/seantiz/coderun/internal/sandbox/firecracker"
)

func main() {
	guest.SetupInit()

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", port, err)
	}
	defer l.Close()

	log.Printf("coderun-guest listening on vsock port %d", port)

	agent := guest.New(l, model.SandboxWorkDir)
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
