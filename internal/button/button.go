// Package button implements the per-address press/hold/release lifecycle
// state machine driven by repeated #N frames.
package button

import (
	"log/slog"
	"sync"
	"time"

	"nikobus-gateway/internal/events"
)

// Stopper cancels a scheduled timer.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules fn after d; overridable in tests.
type AfterFunc func(d time.Duration, fn func()) Stopper

// Config tunes the lifecycle's timing constants.
type Config struct {
	LongPressThresholdMS int // default 500
	ReleaseWindowMS      int // default 400
	DebounceMS           int // default 100
}

func (c Config) withDefaults() Config {
	if c.LongPressThresholdMS <= 0 {
		c.LongPressThresholdMS = 500
	}
	if c.ReleaseWindowMS <= 0 {
		c.ReleaseWindowMS = 400
	}
	if c.DebounceMS <= 0 {
		c.DebounceMS = 100
	}
	return c
}

// ImpactedModule is a module+group a button's release should refresh.
// OperationTimeS carries the button's own shutter operation-time override
// (0 when the button doesn't drive a shutter).
type ImpactedModule struct {
	Address        string
	Group          int
	OperationTimeS float64
}

// Lookup supplies a button's impacted modules and optional operation-time
// override, and performs the post-release refresh.
type Lookup interface {
	ImpactedModules(buttonAddr string) []ImpactedModule
	RefreshGroup(module string, group int) error
}

type cycleState struct {
	pressID    uint64
	pressAt    time.Time
	lastFrame  time.Time
	milestones map[int]Stopper
	releaseTmr Stopper
	fired      map[int]bool
}

// Machine is the button-press state machine, one instance per bus.
type Machine struct {
	clock  func() time.Time
	after  AfterFunc
	bus    *events.Bus
	lookup Lookup
	logger *slog.Logger
	cfg    Config

	mu          sync.Mutex
	cycles      map[string]*cycleState
	lastRelease map[string]time.Time
	nextID      uint64
}

// New builds a Machine. Pass nil clock/after for real time.
func New(clock func() time.Time, after AfterFunc, bus *events.Bus, lookup Lookup, logger *slog.Logger, cfg Config) *Machine {
	if clock == nil {
		clock = time.Now
	}
	if after == nil {
		after = func(d time.Duration, fn func()) Stopper { return time.AfterFunc(d, fn) }
	}
	return &Machine{
		clock:       clock,
		after:       after,
		bus:         bus,
		lookup:      lookup,
		logger:      logger,
		cfg:         cfg.withDefaults(),
		cycles:      make(map[string]*cycleState),
		lastRelease: make(map[string]time.Time),
	}
}

// HandleButtonFrame processes one observed "#NAAAAAA" repeat for addr,
// implementing listener.ButtonSink.
func (m *Machine) HandleButtonFrame(addr string) {
	m.mu.Lock()
	now := m.clock()

	cs, active := m.cycles[addr]
	if active {
		cs.lastFrame = now
		m.resetReleaseTimer(addr, cs)
		m.mu.Unlock()
		return
	}

	if last, ok := m.lastRelease[addr]; ok {
		if now.Sub(last) < time.Duration(m.cfg.DebounceMS)*time.Millisecond {
			m.mu.Unlock()
			return
		}
	}

	m.nextID++
	cs = &cycleState{
		pressID:    m.nextID,
		pressAt:    now,
		lastFrame:  now,
		milestones: make(map[int]Stopper),
		fired:      make(map[int]bool),
	}
	m.cycles[addr] = cs
	m.scheduleMilestones(addr, cs)
	m.resetReleaseTimer(addr, cs)
	m.mu.Unlock()

	m.emit(events.ButtonPressed, addr, cs.pressID, nil, nil, nil)
}

// resetReleaseTimer must be called with m.mu held.
func (m *Machine) resetReleaseTimer(addr string, cs *cycleState) {
	if cs.releaseTmr != nil {
		cs.releaseTmr.Stop()
	}
	cs.releaseTmr = m.after(time.Duration(m.cfg.ReleaseWindowMS)*time.Millisecond, func() {
		m.handleRelease(addr)
	})
}

// scheduleMilestones must be called with m.mu held.
func (m *Machine) scheduleMilestones(addr string, cs *cycleState) {
	for _, n := range []int{1, 2, 3} {
		n := n
		cs.milestones[n] = m.after(time.Duration(n)*time.Second, func() {
			m.fireMilestone(addr, n)
		})
	}
}

func (m *Machine) fireMilestone(addr string, n int) {
	m.mu.Lock()
	cs, active := m.cycles[addr]
	if !active || cs.fired[n] {
		m.mu.Unlock()
		return
	}
	cs.fired[n] = true
	pressID := cs.pressID
	m.mu.Unlock()

	name := []string{"", events.ButtonTimer1, events.ButtonTimer2, events.ButtonTimer3}[n]
	m.emit(name, addr, pressID, nil, nil, intPtr(n))
}

func (m *Machine) handleRelease(addr string) {
	m.mu.Lock()
	cs, active := m.cycles[addr]
	if !active {
		m.mu.Unlock()
		return
	}
	delete(m.cycles, addr)
	for _, tmr := range cs.milestones {
		tmr.Stop()
	}
	releaseAt := cs.lastFrame
	m.lastRelease[addr] = m.clock()
	m.mu.Unlock()

	durationS := releaseAt.Sub(cs.pressAt).Seconds()
	m.emit(events.ButtonReleased, addr, cs.pressID, &durationS, nil, nil)

	long := durationS*1000 >= float64(m.cfg.LongPressThresholdMS)
	if long {
		m.emit(events.LongButtonPressed, addr, cs.pressID, &durationS, nil, nil)
	} else {
		m.emit(events.ShortButtonPressed, addr, cs.pressID, &durationS, nil, nil)
	}

	bucket := int(durationS)
	if bucket < 0 {
		bucket = 0
	}
	if bucket > 3 {
		bucket = 3
	}
	m.emit(events.ButtonPressedBucket(bucket), addr, cs.pressID, &durationS, intPtr(bucket), nil)

	if m.lookup == nil {
		return
	}
	for _, impacted := range m.lookup.ImpactedModules(addr) {
		if err := m.lookup.RefreshGroup(impacted.Address, impacted.Group); err != nil {
			m.logger.Warn("button release refresh failed", "button", addr, "module", impacted.Address, "err", err)
			continue
		}
		m.bus.Emit(events.Event{Name: events.ButtonOperation, Payload: map[string]any{
			"address": addr, "module": impacted.Address, "group": impacted.Group,
			"operation_time": impacted.OperationTimeS, "press_id": cs.pressID,
		}})
	}
}

func (m *Machine) emit(name, addr string, pressID uint64, durationS *float64, bucket *int, threshold *int) {
	m.bus.Emit(events.Event{Name: name, Payload: map[string]any{
		"address":     addr,
		"press_id":    pressID,
		"ts":          m.clock().UTC(),
		"duration_s":  durationS,
		"bucket":      bucket,
		"threshold_s": threshold,
	}})
}

func intPtr(v int) *int { return &v }
