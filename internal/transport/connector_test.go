package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeLink is an in-memory Transport used to test Connector without real I/O.
type fakeLink struct {
	mu     sync.Mutex
	sent   []string
	closed bool
	lines  chan string
}

func newFakeLink() *fakeLink {
	return &fakeLink{lines: make(chan string, 16)}
}

func (f *fakeLink) Send(ctx context.Context, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return io.ErrClosedPipe
	}
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeLink) ReadLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-f.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.lines)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectSendsHandshake(t *testing.T) {
	link := newFakeLink()
	c := NewConnector(func() (Transport, error) { return link, nil }, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []string{"++++", "ATH0", "ATZ", "$10110000B8CF9D"}
	if len(link.sent) != len(want) {
		t.Fatalf("sent %d frames, want %d: %v", len(link.sent), len(want), link.sent)
	}
	for i := range want {
		if link.sent[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, link.sent[i], want[i])
		}
	}
}

func TestConnectWithLEDResetAppendsExtraFrames(t *testing.T) {
	link := newFakeLink()
	c := NewConnector(func() (Transport, error) { return link, nil }, discardLogger(), WithLEDReset())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if len(link.sent) != 8 {
		t.Fatalf("sent %d frames, want 8 (4 mandatory + 4 LED reset)", len(link.sent))
	}
	if link.sent[3] != "$10110000B8CF9D" {
		t.Errorf("sent[3] = %q, want mandatory handshake frame unchanged", link.sent[3])
	}
}

func TestDisconnectNotifiesCallbacks(t *testing.T) {
	link := newFakeLink()
	c := NewConnector(func() (Transport, error) { return link, nil }, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	notified := make(chan struct{}, 1)
	c.OnDisconnect(func() { notified <- struct{}{} })

	link.Close()
	if _, err := c.ReadLine(ctx); err == nil {
		t.Fatal("expected ReadLine error after link closed")
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not invoked")
	}

	if err := c.Send(ctx, "x"); err == nil {
		t.Error("expected Send to fail once disconnected")
	} else if err != ErrTransportUnavailable {
		t.Errorf("Send err = %v, want ErrTransportUnavailable", err)
	}
}

func (f *fakeLink) pushLine(s string) { f.lines <- s }

func TestReconnectSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	c := NewConnector(func() (Transport, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("simulated dial failure %d", n)
		}
		return newFakeLink(), nil
	}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Reconnect waits its real backoff (0.5s, then 1s) after the two
	// failed dials; the 5s timeout leaves room for both.
	if err := c.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if attempts < 3 {
		t.Errorf("attempts = %d, want >= 3", attempts)
	}
}
