package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
)

// TCPTransport talks to a transparent TCP-to-PC-Link bridge.
type TCPTransport struct {
	conn   net.Conn
	reader *bufio.Reader
}

// OpenTCP dials a transparent bus bridge at addr (host:port).
func OpenTCP(ctx context.Context, addr string) (*TCPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nikobus tcp: dial %s: %w", addr, err)
	}
	return &TCPTransport{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (t *TCPTransport) Send(ctx context.Context, line string) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	_, err := t.conn.Write([]byte(line + "\r"))
	if err != nil {
		return fmt.Errorf("nikobus tcp: write: %w", err)
	}
	return nil
}

func (t *TCPTransport) ReadLine(ctx context.Context) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	return readLineFrom(t.reader)
}

func (t *TCPTransport) Close() error {
	return t.conn.Close()
}
