// Package cover implements the per-channel shutter position estimator:
// a monotonic travel calculator with an injectable clock for
// deterministic tests.
package cover

import (
	"fmt"
	"sync"
	"time"

	"nikobus-gateway/internal/nikoerr"
)

// State is one of the three cover motion states.
type State string

const (
	Stopped State = "stopped"
	Opening State = "opening"
	Closing State = "closing"
)

const defaultOperationTimeS = 40.0

// Clock abstracts time.Now so tests can drive the estimator without
// real sleeps.
type Clock func() time.Time

// Stopper cancels a scheduled stop timer, as returned by time.AfterFunc.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules fn to run after d; overridable in tests.
type AfterFunc func(d time.Duration, fn func()) Stopper

type channelKey struct {
	module  string
	channel int
}

type channelState struct {
	mu sync.Mutex

	operationTimeS float64
	state          State
	positionAtT0   float64 // position at movementStart
	position       float64 // last-reconciled / stopped position
	movementStart  time.Time
	stopTimer      Stopper
}

// Estimator tracks every configured cover channel.
type Estimator struct {
	clock Clock
	after AfterFunc

	mu       sync.RWMutex
	channels map[channelKey]*channelState
}

// New builds an Estimator. Pass nil for clock/after to use real time.
func New(clock Clock, after AfterFunc) *Estimator {
	if clock == nil {
		clock = time.Now
	}
	if after == nil {
		after = func(d time.Duration, fn func()) Stopper { return time.AfterFunc(d, fn) }
	}
	return &Estimator{clock: clock, after: after, channels: make(map[channelKey]*channelState)}
}

// RegisterChannel adds a roller channel with its configured operation
// time (seconds for a full 0->100 traverse); 0 selects the 40s default.
func (e *Estimator) RegisterChannel(module string, channel int, operationTimeS float64) {
	if operationTimeS <= 0 {
		operationTimeS = defaultOperationTimeS
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := channelKey{module, channel}
	if _, ok := e.channels[key]; ok {
		return
	}
	e.channels[key] = &channelState{operationTimeS: operationTimeS, state: Stopped}
}

func (e *Estimator) lookup(module string, channel int) (*channelState, error) {
	e.mu.RLock()
	cs, ok := e.channels[channelKey{module, channel}]
	e.mu.RUnlock()
	if !ok {
		return nil, nikoerr.WrapModule(module, fmt.Errorf("%w: channel %d not registered as a cover", nikoerr.ErrUnknownModule, channel))
	}
	return cs, nil
}

// currentPosition computes the live position from the movement start
// time and direction. Caller must hold cs.mu.
func (e *Estimator) currentPosition(cs *channelState) float64 {
	switch cs.state {
	case Opening:
		delta := e.clock().Sub(cs.movementStart).Seconds() / cs.operationTimeS * 100
		return clamp(cs.positionAtT0+delta, 0, 100)
	case Closing:
		delta := e.clock().Sub(cs.movementStart).Seconds() / cs.operationTimeS * 100
		return clamp(cs.positionAtT0-delta, 0, 100)
	default:
		return cs.position
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Position reports the live, integer-percentage position of a channel.
func (e *Estimator) Position(module string, channel int) (int, error) {
	cs, err := e.lookup(module, channel)
	if err != nil {
		return 0, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return int(e.currentPosition(cs) + 0.5), nil
}

// OnWriteCommand reconciles the estimator with a write the Scheduler is
// about to send: 0x01 -> opening, 0x02 -> closing, 0x00 -> stopped.
func (e *Estimator) OnWriteCommand(module string, channel int, value byte) error {
	cs, err := e.lookup(module, channel)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e.transitionLocked(cs, value)
	return nil
}

// OnFeedback reconciles the estimator with an observed module state
// (e.g. a feedback-module answer or read response): value 0x00 always
// means stopped, regardless of what the estimator predicted.
func (e *Estimator) OnFeedback(module string, channel int, value byte) error {
	if value != 0x00 {
		return nil
	}
	cs, err := e.lookup(module, channel)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state != Stopped {
		cs.position = e.currentPosition(cs)
		e.stopLocked(cs)
	}
	return nil
}

// OnObserved reconciles the estimator with a channel value seen in a
// refresh answer. Unlike OnWriteCommand it only transitions on an actual
// state change, so repeated answers during one movement don't reset the
// movement start time and skew the estimate.
func (e *Estimator) OnObserved(module string, channel int, value byte) error {
	cs, err := e.lookup(module, channel)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	switch {
	case value == 0x00 && cs.state != Stopped:
		cs.position = e.currentPosition(cs)
		e.stopLocked(cs)
	case value == 0x01 && cs.state != Opening:
		e.transitionLocked(cs, 0x01)
	case value == 0x02 && cs.state != Closing:
		e.transitionLocked(cs, 0x02)
	}
	return nil
}

func (e *Estimator) transitionLocked(cs *channelState, value byte) {
	switch value {
	case 0x01:
		cs.positionAtT0 = e.currentPosition(cs)
		cs.movementStart = e.clock()
		cs.state = Opening
	case 0x02:
		cs.positionAtT0 = e.currentPosition(cs)
		cs.movementStart = e.clock()
		cs.state = Closing
	case 0x00:
		cs.position = e.currentPosition(cs)
		e.stopLocked(cs)
	}
}

func (e *Estimator) stopLocked(cs *channelState) {
	cs.state = Stopped
	if cs.stopTimer != nil {
		cs.stopTimer.Stop()
		cs.stopTimer = nil
	}
}

// SetPosition computes direction and duration for a target percentage,
// invokes move with the direction byte (0x01/0x02), and schedules a stop
// after the computed duration (invoking stop). If the channel is already
// at the target, neither callback is invoked.
func (e *Estimator) SetPosition(module string, channel int, targetPct int, move func(direction byte) error, stop func() error) error {
	if targetPct < 0 || targetPct > 100 {
		return fmt.Errorf("%w: target position %d out of range", nikoerr.ErrInvalidArgument, targetPct)
	}
	cs, err := e.lookup(module, channel)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	current := e.currentPosition(cs)
	delta := float64(targetPct) - current
	if delta == 0 {
		cs.mu.Unlock()
		return nil
	}
	direction := byte(0x01)
	if delta < 0 {
		direction = 0x02
	}
	duration := time.Duration(absF(delta)/100*cs.operationTimeS*1000) * time.Millisecond
	e.transitionLocked(cs, direction)
	if cs.stopTimer != nil {
		cs.stopTimer.Stop()
	}
	cs.stopTimer = e.after(duration, func() {
		if stop != nil {
			stop()
		}
	})
	cs.mu.Unlock()

	return move(direction)
}

// ScheduleExplicitStop overrides the pending stop timer with one firing
// after the given duration, used when a button's own operation_time
// should govern the stop instead of the impacted channel's configured
// operation time.
func (e *Estimator) ScheduleExplicitStop(module string, channel int, duration time.Duration, stop func() error) error {
	cs, err := e.lookup(module, channel)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.stopTimer != nil {
		cs.stopTimer.Stop()
	}
	cs.stopTimer = e.after(duration, func() {
		if stop != nil {
			stop()
		}
	})
	return nil
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
