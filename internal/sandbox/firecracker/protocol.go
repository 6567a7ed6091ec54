package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/coderun/internal/model"
)

// MaxMessageSize is the maximum allowed vsock message payload (16 MiB).
const MaxMessageSize = 16 << 20

// GuestRequest is the JSON payload sent from host to guest over vsock. It
// carries everything the guest needs to lay out the workspace and run the
// program; the guest has no other source of input.
type GuestRequest struct {
	Language   string       `json:"language"`
	SourceFile string       `json:"source_file"`
	Command    []string     `json:"command"`
	Code       string       `json:"code"`
	Files      []model.File `json:"files,omitempty"`
	Stdin      []byte       `json:"stdin,omitempty"`

	// MaxOutputBytes caps each of stdout and stderr. Output beyond it is
	// dropped in the guest and reported as truncated.
	MaxOutputBytes int `json:"max_output_bytes"`
}

// GuestResponse is the final status of a guest run. ExitCode is nil when the
// program could not be started.
type GuestResponse struct {
	ExitCode  *int   `json:"exit_code,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Guest→host message types for vsock streaming.
const (
	MsgTypeStdout = "stdout"
	MsgTypeStderr = "stderr"
	MsgTypeResult = "result"
)

// GuestMessage is the envelope for all guest→host messages over vsock.
// While the program runs the guest streams output chunks with Type "stdout"
// or "stderr". After the program exits it sends one final "result" message.
// Streaming means output written before a forced stop still reaches the host.
type GuestMessage struct {
	Type     string         `json:"type"`
	Data     []byte         `json:"data,omitempty"`
	Response *GuestResponse `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame so concurrent writers serialised by a mutex never
	// interleave a prefix with another frame's payload.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
