// Package listener reads CR-delimited lines from the transport and routes
// them into five lanes: button events, feedback refresh-echo hints,
// feedback answers, scheduler ACK/answer frames, and inventory chunks.
package listener

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"nikobus-gateway/internal/codec"
	"nikobus-gateway/internal/modulecache"
)

// Reader is the subset of transport.Connector the Listener needs.
type Reader interface {
	ReadLine(ctx context.Context) (string, error)
}

// ButtonSink receives raw button frame addresses.
type ButtonSink interface {
	HandleButtonFrame(addr string)
}

// SchedulerSink lets the Scheduler claim ACK/answer frames before the
// Listener falls through to discovery/log-and-ignore. Both methods
// return true if the line matched an outstanding expectation.
type SchedulerSink interface {
	TryAck(line string) bool
	TryAnswer(line string) bool
}

// InventorySink receives raw inventory/discovery response chunks.
type InventorySink interface {
	HandleInventoryChunk(line string)
}

// Listener owns all reads from the transport; no other component calls
// ReadLine.
type Listener struct {
	reader     Reader
	cache      *modulecache.Cache
	buttons    ButtonSink
	scheduler  SchedulerSink
	inventory  InventorySink
	logger     *slog.Logger

	// pendingGroup holds the group of the most recently observed $0512/
	// $0517 refresh-command echo, consumed by the next $1C answer. A
	// single global value, not a per-module map: the Scheduler's FIFO
	// guarantees at most one refresh is in flight at a time.
	pendingGroup int
	groupSet     bool
}

// New builds a Listener. inventory may be nil if discovery isn't wired.
func New(reader Reader, cache *modulecache.Cache, buttons ButtonSink, scheduler SchedulerSink, inventory InventorySink, logger *slog.Logger) *Listener {
	return &Listener{
		reader:       reader,
		cache:        cache,
		buttons:      buttons,
		scheduler:    scheduler,
		inventory:    inventory,
		logger:       logger,
		pendingGroup: 1,
	}
}

// Run reads and dispatches lines until ctx is cancelled or the reader
// returns a persistent error (e.g. transport lost).
func (l *Listener) Run(ctx context.Context) error {
	for {
		line, err := l.reader.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if line == "" {
			continue
		}
		l.dispatch(line)
	}
}

func (l *Listener) dispatch(line string) {
	switch {
	case strings.Contains(line, "#N"):
		addr, ok := codec.ParseButtonAddress(line)
		if !ok {
			l.logger.Debug("malformed button frame", "line", line)
			return
		}
		l.buttons.HandleButtonFrame(addr)

	case strings.HasPrefix(line, "$0512"), strings.HasPrefix(line, "$0517"):
		// These lines double as the bus ACK for group-read commands
		// ("$05" + function code), so the Scheduler gets them too.
		l.recordRefreshHint(line)
		if l.scheduler != nil {
			l.scheduler.TryAck(line)
		}

	case strings.HasPrefix(line, "$1C"):
		l.handleFeedbackAnswer(line)

	case strings.HasPrefix(line, "$05") && l.scheduler != nil && l.scheduler.TryAck(line):
		// consumed

	case l.scheduler != nil && l.scheduler.TryAnswer(line):
		// consumed

	case strings.Contains(line, "$0510"), strings.Contains(line, "$0522"):
		if l.inventory != nil {
			l.inventory.HandleInventoryChunk(line)
		}

	default:
		l.logger.Debug("unmatched frame, ignoring", "line", line)
	}
}

// recordRefreshHint remembers which group ($0512 -> 1, $0517 -> 2) the next
// feedback answer belongs to.
func (l *Listener) recordRefreshHint(line string) {
	group := 1
	if strings.HasPrefix(line, "$0517") {
		group = 2
	}
	l.pendingGroup = group
	l.groupSet = true
}

// handleFeedbackAnswer parses a validated $1C feedback-module answer by
// character offset and applies it to the state cache.
func (l *Listener) handleFeedbackAnswer(line string) {
	// A $1C answer also completes any Scheduler read/write waiting on it.
	// It is offered only once it passed validation, and (with a refresh
	// hint) only after the cache was updated, so a completed read already
	// sees the new state. A rejected answer is never offered and the
	// command times out and retries.
	frame, err := codec.Parse(line)
	if err != nil {
		l.logger.Warn("rejected feedback answer", "err", err, "line", line)
		return
	}
	if len(line) < 21 {
		l.logger.Warn("feedback answer too short", "line", line)
		return
	}

	moduleAddr := strings.ToUpper(line[5:7] + line[3:5])
	stateHex := line[9:21]
	raw, err := hex.DecodeString(stateHex)
	if err != nil || len(raw) != 6 {
		l.logger.Warn("feedback answer has malformed state bytes", "line", line)
		return
	}
	var state [6]byte
	copy(state[:], raw)

	hinted := l.groupSet
	if !hinted {
		if l.scheduler != nil && l.scheduler.TryAnswer(line) {
			// A write answer with no refresh hint: the group it mirrors is
			// known only to the command-completion path, which applies it.
			return
		}
		l.logger.Warn("feedback answer with no preceding refresh hint, assuming group 1", "module", moduleAddr)
	}
	group := l.pendingGroup
	l.groupSet = false

	if err := l.cache.ApplyFeedback(moduleAddr, group, state); err != nil {
		l.logger.Warn("feedback answer for unknown module", "module", moduleAddr, "frame_func", frame.FuncCode, "err", err)
	}
	if hinted && l.scheduler != nil {
		l.scheduler.TryAnswer(line)
	}
}
