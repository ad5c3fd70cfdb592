// Package transport maintains the byte-stream connection to the Nikobus
// bus (serial or TCP), performs the PC-Link handshake, and reconnects
// with exponential backoff on loss.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Transport is the byte-stream abstraction over the physical link.
type Transport interface {
	// Send writes one CR-terminated command line.
	Send(ctx context.Context, line string) error
	// ReadLine blocks until one CR-delimited, Windows-1252-decoded,
	// whitespace-stripped line is available.
	ReadLine(ctx context.Context) (string, error)
	Close() error
}

// handshake is the fixed 4-frame PC-Link wake sequence. Order and exact
// bytes must not change.
var handshake = []string{
	"++++",
	"ATH0",
	"ATZ",
	"$10110000B8CF9D",
}

// optionalLEDReset is a supplemental LED-mode reset sequence some
// PC-Link installations expect after the wake handshake. Off by default;
// enabled via WithLEDReset.
var optionalLEDReset = []string{"#L0", "#E0", "#L0", "#E1"}

const settleDelay = 50 * time.Millisecond

// Connector wraps a raw Transport with handshake execution and
// reconnect-with-backoff. It is the type callers construct and use.
type Connector struct {
	dial   func() (Transport, error)
	logger *slog.Logger

	withLEDReset bool

	mu        sync.RWMutex
	link      Transport
	connected bool

	onDisconnect []func()
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithLEDReset appends the supplemental LED-mode reset tokens after the
// mandatory 4-frame handshake.
func WithLEDReset() ConnectorOption {
	return func(c *Connector) { c.withLEDReset = true }
}

// NewConnector builds a Connector around a dial function that opens a
// fresh Transport (serial or TCP) each time it's called.
func NewConnector(dial func() (Transport, error), logger *slog.Logger, opts ...ConnectorOption) *Connector {
	c := &Connector{dial: dial, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnDisconnect registers a callback invoked whenever the link is lost.
// Multiple callbacks may be registered (Scheduler and Listener both need
// to know).
func (c *Connector) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Connect opens the link and executes the handshake. On success the
// Connector is ready for Send/ReadLine.
func (c *Connector) Connect(ctx context.Context) error {
	link, err := c.dial()
	if err != nil {
		return fmt.Errorf("transport: dial: %w", err)
	}

	frames := handshake
	if c.withLEDReset {
		frames = append(append([]string{}, handshake...), optionalLEDReset...)
	}
	for _, frame := range frames {
		if err := link.Send(ctx, frame); err != nil {
			link.Close()
			return fmt.Errorf("transport: handshake frame %q: %w", frame, err)
		}
		select {
		case <-time.After(settleDelay):
		case <-ctx.Done():
			link.Close()
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.link = link
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("nikobus transport connected")
	return nil
}

// Send writes one line through the active link.
func (c *Connector) Send(ctx context.Context, line string) error {
	c.mu.RLock()
	link := c.link
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrTransportUnavailable
	}
	if err := link.Send(ctx, line); err != nil {
		c.handleDisconnect(err)
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// ReadLine reads one line from the active link.
func (c *Connector) ReadLine(ctx context.Context) (string, error) {
	c.mu.RLock()
	link := c.link
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return "", ErrTransportUnavailable
	}
	line, err := link.ReadLine(ctx)
	if err != nil {
		c.handleDisconnect(err)
		return "", fmt.Errorf("transport: read: %w", err)
	}
	return line, nil
}

func (c *Connector) handleDisconnect(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	link := c.link
	callbacks := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()

	if link != nil {
		link.Close()
	}
	c.logger.Warn("nikobus transport lost", "err", cause)
	for _, fn := range callbacks {
		fn()
	}
}

// Reconnect retries Connect with exponential backoff (capped at 60s)
// until ctx is cancelled or the connection succeeds.
func (c *Connector) Reconnect(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	const maxBackoff = 60 * time.Second

	for {
		if err := c.Connect(ctx); err == nil {
			return nil
		} else {
			c.logger.Warn("nikobus reconnect attempt failed", "err", err, "retry_in", backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close tears down the active link.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.link == nil {
		return nil
	}
	return c.link.Close()
}

// decodeLine applies the Windows-1252-equivalent decode plus whitespace
// strip. Nikobus frames are pure ASCII in practice, so byte-for-byte
// passthrough plus TrimSpace is sufficient; no multi-byte Windows-1252
// code point ever appears on this bus.
func decodeLine(raw []byte) string {
	return strings.TrimSpace(string(raw))
}

// readLineFrom reads up to and including the next '\r' from r, trims it,
// and decodes it. Shared by the serial and TCP Transport implementations.
func readLineFrom(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\r')
	if err != nil {
		return "", err
	}
	return decodeLine([]byte(line)), nil
}
