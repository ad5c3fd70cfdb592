package modulecache

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"nikobus-gateway/internal/events"
	"nikobus-gateway/internal/nikoerr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetUnknownModule(t *testing.T) {
	c := New(discardLogger(), nil)
	if _, err := c.Get("FFFF", 1); !errors.Is(err, nikoerr.ErrUnknownModule) {
		t.Errorf("err = %v, want ErrUnknownModule", err)
	}
}

func TestApplyWriteThenGet(t *testing.T) {
	c := New(discardLogger(), nil)
	c.RegisterModule("4707", TypeSwitch, 12)

	if err := c.ApplyWrite("4707", 1, 0xFF); err != nil {
		t.Fatalf("ApplyWrite: %v", err)
	}
	if err := c.ApplyWrite("4707", 9, 0x80); err != nil {
		t.Fatalf("ApplyWrite: %v", err)
	}

	got, err := c.Get("4707", 1)
	if err != nil || got != 0xFF {
		t.Errorf("Get(1) = %#02x, %v; want 0xFF", got, err)
	}
	got, err = c.Get("4707", 9)
	if err != nil || got != 0x80 {
		t.Errorf("Get(9) = %#02x, %v; want 0x80", got, err)
	}
	got, err = c.Get("4707", 2)
	if err != nil || got != 0x00 {
		t.Errorf("Get(2) = %#02x, %v; want 0x00", got, err)
	}
}

func TestApplyWriteChannelOutOfRange(t *testing.T) {
	c := New(discardLogger(), nil)
	c.RegisterModule("4707", TypeSwitch, 6)
	for _, ch := range []int{0, 13} {
		if err := c.ApplyWrite("4707", ch, 0xFF); !errors.Is(err, nikoerr.ErrInvalidArgument) {
			t.Errorf("ApplyWrite(ch=%d) err = %v, want ErrInvalidArgument", ch, err)
		}
	}
}

func TestApplyFeedbackWritesGroupAndEmitsRefreshedOnce(t *testing.T) {
	bus := events.NewBus(discardLogger())
	refreshed := 0
	bus.On(events.Refreshed, func(evt events.Event) {
		refreshed++
		if addr, _ := evt.Payload.(string); addr != "4707" {
			t.Errorf("refreshed payload = %v, want 4707", evt.Payload)
		}
	})

	c := New(discardLogger(), bus)
	c.RegisterModule("4707", TypeRoller, 12)

	if err := c.ApplyFeedback("4707", 1, [6]byte{0xFF, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if refreshed != 1 {
		t.Fatalf("refreshed fired %d times, want 1", refreshed)
	}

	got, _ := c.Get("4707", 1)
	if got != 0xFF {
		t.Errorf("Get(1) = %#02x, want 0xFF", got)
	}

	// Group 2 lands in s[6..11] and leaves group 1 untouched.
	if err := c.ApplyFeedback("4707", 2, [6]byte{0, 0, 0x02, 0, 0, 0}); err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	got, _ = c.Get("4707", 9)
	if got != 0x02 {
		t.Errorf("Get(9) = %#02x, want 0x02", got)
	}
	got, _ = c.Get("4707", 1)
	if got != 0xFF {
		t.Errorf("Get(1) = %#02x after group-2 feedback, want 0xFF", got)
	}
}

func TestGroupBytes(t *testing.T) {
	c := New(discardLogger(), nil)
	c.RegisterModule("C9A5", TypeDimmer, 12)
	c.ApplyWrite("C9A5", 2, 0x40)
	c.ApplyWrite("C9A5", 8, 0x80)

	g1, err := c.GroupBytes("C9A5", 1)
	if err != nil {
		t.Fatalf("GroupBytes(1): %v", err)
	}
	if g1 != [6]byte{0, 0x40, 0, 0, 0, 0} {
		t.Errorf("group 1 = %v", g1)
	}
	g2, err := c.GroupBytes("C9A5", 2)
	if err != nil {
		t.Fatalf("GroupBytes(2): %v", err)
	}
	if g2 != [6]byte{0, 0x80, 0, 0, 0, 0} {
		t.Errorf("group 2 = %v", g2)
	}
}

func TestRegisterModuleIdempotent(t *testing.T) {
	c := New(discardLogger(), nil)
	c.RegisterModule("4707", TypeSwitch, 6)
	c.ApplyWrite("4707", 1, 0xFF)
	c.RegisterModule("4707", TypeSwitch, 6) // must not reset state

	got, _ := c.Get("4707", 1)
	if got != 0xFF {
		t.Errorf("Get(1) = %#02x after re-register, want 0xFF", got)
	}

	if n := len(c.Addresses()); n != 1 {
		t.Errorf("Addresses() has %d entries, want 1", n)
	}
}
