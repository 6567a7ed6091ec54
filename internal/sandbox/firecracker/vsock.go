package firecracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	dialInitialBackoff = 50 * time.Millisecond
	dialMaxBackoff     = time.Second
)

// GuestConn is a framed connection to the agent inside one microVM. Frames
// are written by a single goroutine at a time and read by another.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader
}

// DialGuest connects to the guest agent through the host side of the
// Firecracker vsock device. The agent is not listening until the guest has
// booted, so refused connections are retried until ctx ends.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	backoff := dialInitialBackoff
	for {
		gc, err := handshake(ctx, udsPath, port)
		if err == nil {
			return gc, nil
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("dial guest on port %d: %w (last error: %v)", port, ctx.Err(), err)
		case <-t.C:
		}
		backoff = min(backoff*2, dialMaxBackoff)
	}
}

// handshake opens the multiplexer socket and asks Firecracker to forward it
// to the guest port. A successful reply has the form "OK <host port>".
func handshake(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, err
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	// The buffered reader outlives the handshake so bytes it read ahead
	// belong to the first frame.
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT reply: %w", err)
	}
	var hostPort uint32
	if _, err := fmt.Sscanf(strings.TrimSpace(line), "OK %d", &hostPort); err != nil {
		conn.Close()
		return nil, fmt.Errorf("guest refused CONNECT %d: %q", port, strings.TrimSpace(line))
	}

	return &GuestConn{conn: conn, reader: br}, nil
}

// Send delivers the run request to the guest agent using length-prefixed JSON
// framing.
func (gc *GuestConn) Send(req GuestRequest) error {
	if err := WriteMessage(gc.conn, &req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// Stream reads output chunks into stdout and stderr until the guest reports
// its final result. It returns an error when the connection drops first, which
// is what happens when the microVM is stopped mid-run.
func (gc *GuestConn) Stream(stdout, stderr io.Writer) (GuestResponse, error) {
	for {
		var msg GuestMessage
		if err := ReadMessage(gc.reader, &msg); err != nil {
			return GuestResponse{}, fmt.Errorf("read guest message: %w", err)
		}

		switch msg.Type {
		case MsgTypeStdout:
			stdout.Write(msg.Data)
		case MsgTypeStderr:
			stderr.Write(msg.Data)
		case MsgTypeResult:
			if msg.Response == nil {
				return GuestResponse{}, errors.New("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return GuestResponse{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
