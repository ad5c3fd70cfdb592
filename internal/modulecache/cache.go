// Package modulecache keeps an in-memory mirror of every known module's
// 12-byte output state. Reads are lock-free; writes are serialized per
// module via an atomic publish.
package modulecache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"nikobus-gateway/internal/events"
	"nikobus-gateway/internal/nikoerr"
)

// OutputState is the 12-byte per-module state vector: two 6-byte groups.
type OutputState [12]byte

// ModuleType constrains which channels are meaningful and how many
// groups are transmitted on the wire.
type ModuleType string

const (
	TypeSwitch ModuleType = "switch"
	TypeDimmer ModuleType = "dimmer"
	TypeRoller ModuleType = "roller"
)

type moduleRecord struct {
	typ      ModuleType
	channels int
	state    atomic.Pointer[OutputState]
	// writeMu serializes read-modify-write on this module's state; reads
	// never take it (they load the atomic pointer directly).
	writeMu sync.Mutex
}

// Cache maps module address -> OutputState.
type Cache struct {
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.RWMutex
	modules map[string]*moduleRecord
}

// New creates an empty Cache. bus may be nil if refresh notifications
// aren't needed (e.g. in unit tests).
func New(logger *slog.Logger, bus *events.Bus) *Cache {
	return &Cache{logger: logger, bus: bus, modules: make(map[string]*moduleRecord)}
}

// RegisterModule adds a module to the cache with a zeroed state. Calling
// it twice for the same address is a no-op (config-driven, idempotent).
func (c *Cache) RegisterModule(addr string, typ ModuleType, channels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.modules[addr]; ok {
		return
	}
	rec := &moduleRecord{typ: typ, channels: channels}
	rec.state.Store(&OutputState{})
	c.modules[addr] = rec
}

func (c *Cache) lookup(addr string) (*moduleRecord, error) {
	c.mu.RLock()
	rec, ok := c.modules[addr]
	c.mu.RUnlock()
	if !ok {
		return nil, nikoerr.WrapModule(addr, nikoerr.ErrUnknownModule)
	}
	return rec, nil
}

// Get returns the current value of a 1-indexed channel. Lock-free: it
// loads the module's published state pointer without blocking on writers.
func (c *Cache) Get(addr string, channel int) (byte, error) {
	rec, err := c.lookup(addr)
	if err != nil {
		return 0, err
	}
	if channel < 1 || channel > 12 {
		return 0, fmt.Errorf("%w: channel %d out of range", nikoerr.ErrInvalidArgument, channel)
	}
	state := rec.state.Load()
	return state[channel-1], nil
}

// GroupBytes returns the 6 bytes of group 1 (channels 1-6) or group 2
// (channels 7-12) for the given module.
func (c *Cache) GroupBytes(addr string, group int) ([6]byte, error) {
	var out [6]byte
	rec, err := c.lookup(addr)
	if err != nil {
		return out, err
	}
	state := rec.state.Load()
	if group == 1 {
		copy(out[:], state[0:6])
	} else {
		copy(out[:], state[6:12])
	}
	return out, nil
}

// ApplyWrite optimistically sets a single channel ahead of bus
// confirmation. The facade calls this before enqueuing the frame; on
// Scheduler failure the facade must issue a reconciling refresh.
func (c *Cache) ApplyWrite(addr string, channel int, value byte) error {
	rec, err := c.lookup(addr)
	if err != nil {
		return err
	}
	if channel < 1 || channel > 12 {
		return fmt.Errorf("%w: channel %d out of range", nikoerr.ErrInvalidArgument, channel)
	}

	rec.writeMu.Lock()
	defer rec.writeMu.Unlock()
	cur := rec.state.Load()
	next := *cur
	next[channel-1] = value
	rec.state.Store(&next)
	return nil
}

// ApplyFeedback writes the 6 bytes of a feedback-module answer into the
// given group and emits Refreshed exactly once. Called by the Listener.
func (c *Cache) ApplyFeedback(addr string, group int, bytes6 [6]byte) error {
	rec, err := c.lookup(addr)
	if err != nil {
		return err
	}

	rec.writeMu.Lock()
	cur := rec.state.Load()
	next := *cur
	if group == 1 {
		copy(next[0:6], bytes6[:])
	} else {
		copy(next[6:12], bytes6[:])
	}
	rec.state.Store(&next)
	rec.writeMu.Unlock()

	if c.bus != nil {
		c.bus.Emit(events.Event{Name: events.Refreshed, Payload: addr})
	}
	return nil
}

// ModuleChannels returns how many channels a module exposes (4, 6, or 12),
// used by the gateway to decide which group writes/reads to emit.
func (c *Cache) ModuleChannels(addr string) (int, error) {
	rec, err := c.lookup(addr)
	if err != nil {
		return 0, err
	}
	return rec.channels, nil
}

// ModuleType returns the configured type of a module.
func (c *Cache) ModuleType(addr string) (ModuleType, error) {
	rec, err := c.lookup(addr)
	if err != nil {
		return "", err
	}
	return rec.typ, nil
}

// Addresses returns every registered module address, for periodic
// refresh scans.
func (c *Cache) Addresses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.modules))
	for addr := range c.modules {
		out = append(out, addr)
	}
	return out
}
