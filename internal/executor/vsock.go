package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// DefaultVsockPort is the port the guest worker listens on inside the VM.
const DefaultVsockPort uint32 = 1024

// Retry defaults for vsock connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// VsockSpawner connects to a worker running inside a virtual machine. Each
// Spawn opens a new connection and the guest starts a fresh worker for it;
// closing the connection makes the guest abandon that worker.
//
// With UDSPath set, the connection goes through a Firecracker-style Unix
// socket bridge ("CONNECT <port>" handshake); otherwise through AF_VSOCK to CID.
type VsockSpawner struct {
	CID     uint32
	Port    uint32
	UDSPath string
}

// Spawn dials the guest, retrying with exponential backoff.
func (s *VsockSpawner) Spawn(ctx context.Context) (Link, error) {
	port := s.Port
	if port == 0 {
		port = DefaultVsockPort
	}

	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		link, err := s.dial(ctx, port)
		if err == nil {
			return link, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

func (s *VsockSpawner) dial(ctx context.Context, port uint32) (Link, error) {
	if s.UDSPath != "" {
		return dialVsockUDS(ctx, s.UDSPath, port)
	}
	conn, err := vsock.Dial(s.CID, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock dial %d:%d: %w", s.CID, port, err)
	}
	return &connLink{conn: conn, reader: conn}, nil
}

// dialVsockUDS connects to the hypervisor's UDS and sends the CONNECT handshake.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (Link, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all later reads; it may hold bytes
	// read ahead of the handshake line.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &connLink{conn: conn, reader: reader}, nil
}

type connLink struct {
	conn   net.Conn
	reader io.Reader
}

func (c *connLink) Read(b []byte) (int, error)  { return c.reader.Read(b) }
func (c *connLink) Write(b []byte) (int, error) { return c.conn.Write(b) }
func (c *connLink) Close() error                { return c.conn.Close() }
