// Package gateway composes the protocol engine's components into the
// outward-facing API: switch/dimmer/cover verbs, module refresh, virtual
// button presses, scenes, and inventory probes.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nikobus-gateway/internal/button"
	"nikobus-gateway/internal/codec"
	"nikobus-gateway/internal/config"
	"nikobus-gateway/internal/cover"
	"nikobus-gateway/internal/events"
	"nikobus-gateway/internal/listener"
	"nikobus-gateway/internal/modulecache"
	"nikobus-gateway/internal/nikoerr"
	"nikobus-gateway/internal/scheduler"
	"nikobus-gateway/internal/store"
	"nikobus-gateway/internal/transport"
)

// Function codes of the PC-Link command set.
const (
	funcReadGroup1  = 0x12
	funcReadGroup2  = 0x17
	funcWriteGroup1 = 0x15
	funcWriteGroup2 = 0x16
)

// Options carries the parsed configuration the engine consumes. A host
// with its own config loader fills this directly; internal/config
// produces it from YAML.
type Options struct {
	Modules []config.Module
	Buttons []config.Button
	Scenes  []config.Scene

	// FeedbackModule disables the periodic refresh loop: the hardware
	// feedback module polls the bus itself.
	FeedbackModule  bool
	RefreshInterval time.Duration

	Button    button.Config
	Scheduler scheduler.Config
}

// Gateway is the API facade over the protocol engine.
type Gateway struct {
	conn   *transport.Connector
	sched  *scheduler.Scheduler
	cache  *modulecache.Cache
	covers *cover.Estimator
	btns   *button.Machine
	lst    *listener.Listener
	bus    *events.Bus
	ledger store.Store
	logger *slog.Logger

	opts    Options
	buttons map[string]config.Button
	scenes  map[string]config.Scene

	invMu     sync.Mutex
	invChunks []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires up cache, estimator, button machine, scheduler, and listener
// around an already-constructed transport Connector. ledger may be nil to
// disable the observed-button persistence.
func New(conn *transport.Connector, bus *events.Bus, ledger store.Store, opts Options, logger *slog.Logger) *Gateway {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 120 * time.Second
	}

	g := &Gateway{
		conn:    conn,
		bus:     bus,
		ledger:  ledger,
		logger:  logger,
		opts:    opts,
		buttons: make(map[string]config.Button, len(opts.Buttons)),
		scenes:  make(map[string]config.Scene, len(opts.Scenes)),
	}

	g.cache = modulecache.New(logger.With("component", "cache"), bus)
	g.covers = cover.New(nil, nil)
	g.sched = scheduler.New(conn, logger.With("component", "scheduler"), opts.Scheduler)
	g.btns = button.New(nil, nil, bus, g, logger.With("component", "button"), opts.Button)
	g.lst = listener.New(conn, g.cache, g, g.sched, g, logger.With("component", "listener"))

	for _, m := range opts.Modules {
		addr := strings.ToUpper(m.Address)
		g.cache.RegisterModule(addr, modulecache.ModuleType(m.Type), len(m.Channels))
		if m.Type == "roller" {
			for i, ch := range m.Channels {
				g.covers.RegisterChannel(addr, i+1, ch.OperationTime)
			}
		}
	}
	for _, b := range opts.Buttons {
		g.buttons[strings.ToUpper(b.Address)] = b
	}
	for _, s := range opts.Scenes {
		g.scenes[s.ID] = s
	}

	conn.OnDisconnect(g.sched.HandleDisconnect)
	bus.On(events.Refreshed, g.onRefreshed)
	bus.On(events.ButtonPressed, g.onButtonPressed)

	return g
}

// Events returns the event bus carrying button/refresh notifications.
func (g *Gateway) Events() *events.Bus { return g.bus }

// Cache returns the module state cache for synchronous reads.
func (g *Gateway) Cache() *modulecache.Cache { return g.cache }

// Covers returns the cover position estimator.
func (g *Gateway) Covers() *cover.Estimator { return g.covers }

// Start connects the transport, runs the handshake, and launches the
// scheduler worker, listener loop, and (without a feedback module) the
// periodic refresh ticker. An initial full refresh is scheduled.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.conn.Connect(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.sched.Run(runCtx)
	}()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.supervise(runCtx)
	}()

	if !g.opts.FeedbackModule {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.periodicRefresh(runCtx)
		}()
	}

	go g.refreshAll(runCtx)
	return nil
}

// Stop cancels all loops and closes the link.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.conn.Close()
	g.wg.Wait()
	if g.ledger != nil {
		if err := g.ledger.Close(); err != nil {
			g.logger.Warn("close button ledger", "err", err)
		}
	}
}

// supervise runs the listener and reconnects on loss. After a successful
// reconnect the handshake has been replayed and a full refresh is
// scheduled, per the reconnect policy.
func (g *Gateway) supervise(ctx context.Context) {
	for {
		err := g.lst.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("listener stopped, reconnecting", "err", err)

		if err := g.conn.Reconnect(ctx); err != nil {
			return
		}
		g.sched.HandleReconnected()
		go g.refreshAll(ctx)
	}
}

func (g *Gateway) periodicRefresh(ctx context.Context) {
	ticker := time.NewTicker(g.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refreshAll(ctx)
		}
	}
}

func (g *Gateway) refreshAll(ctx context.Context) {
	for _, addr := range g.cache.Addresses() {
		if ctx.Err() != nil {
			return
		}
		if err := g.RefreshModule(ctx, addr); err != nil {
			g.logger.Warn("module refresh failed", "module", addr, "err", err)
		}
	}
}

// wireAddr converts a canonical module address to its on-wire byte order
// ("4707" -> "0747").
func wireAddr(addr string) string { return addr[2:4] + addr[0:2] }

func groupForChannel(channel int) int {
	if channel <= 6 {
		return 1
	}
	return 2
}

func groupsFor(channels int) []int {
	if channels > 6 {
		return []int{1, 2}
	}
	return []int{1}
}

// ackMatcher matches the bus ACK for a just-sent frame: "$05" followed by
// the frame's function-code hex chars.
func ackMatcher(frame string) scheduler.Matcher {
	sig := "$05" + frame[3:5]
	return func(line string) bool { return strings.Contains(line, sig) }
}

// answerMatcher matches the state answer for a command addressed to addr:
// write commands ("$1E...") answer as "$0EFF"+wire address, read and
// refresh commands answer as "$1C"+wire address.
func answerMatcher(frame, addr string) (scheduler.Matcher, string) {
	prefix := "$1C"
	if strings.HasPrefix(frame, "$1E") {
		prefix = "$0EFF"
	}
	sig := prefix + wireAddr(addr)
	return func(line string) bool { return strings.Contains(line, sig) }, sig
}

// answerState extracts the 12 hex state chars following an answer signal.
func answerState(line, sig string) (string, bool) {
	idx := strings.Index(line, sig)
	if idx < 0 {
		return "", false
	}
	start := idx + len(sig) + 2
	if start+12 > len(line) {
		return "", false
	}
	return line[start : start+12], true
}

func (g *Gateway) validateChannel(module string, channel int) error {
	channels, err := g.cache.ModuleChannels(module)
	if err != nil {
		return err
	}
	if channel < 1 || channel > channels {
		return fmt.Errorf("%w: channel %d out of range for module %s (%d channels)",
			nikoerr.ErrInvalidArgument, channel, module, channels)
	}
	return nil
}

// setOutput applies an optimistic cache write and enqueues the group
// write carrying the channel's new value. The returned channel reports
// the command's final outcome; discarding it is the fire-and-forget
// flavour.
func (g *Gateway) setOutput(module string, channel int, value byte) (<-chan scheduler.Result, error) {
	module = strings.ToUpper(module)
	if err := g.validateChannel(module, channel); err != nil {
		return nil, err
	}
	if err := g.cache.ApplyWrite(module, channel, value); err != nil {
		return nil, err
	}
	return g.writeGroup(module, groupForChannel(channel))
}

// writeGroup emits the 0x15/0x16 frame carrying the cache's current six
// bytes for the group, plus the fixed 0xFF trailer.
func (g *Gateway) writeGroup(module string, group int) (<-chan scheduler.Result, error) {
	bytes6, err := g.cache.GroupBytes(module, group)
	if err != nil {
		return nil, err
	}
	funcCode := byte(funcWriteGroup1)
	if group == 2 {
		funcCode = funcWriteGroup2
	}
	args := append(bytes6[:], 0xFF)
	frame, err := codec.Build(funcCode, module, args)
	if err != nil {
		return nil, err
	}

	answer, sig := answerMatcher(frame, module)
	done := g.sched.Submit(&scheduler.PendingCommand{
		Frame:          frame,
		ExpectedAck:    ackMatcher(frame),
		ExpectedAnswer: answer,
	})

	out := make(chan scheduler.Result, 1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		res := <-done
		g.completeWrite(module, group, sig, res)
		out <- res
	}()
	return out, nil
}

// completeWrite applies the acknowledged state mirrored in the answer, or
// schedules a reconciling refresh when the command failed and the
// optimistic cache value may be ahead of the bus.
func (g *Gateway) completeWrite(module string, group int, sig string, res scheduler.Result) {
	if res.Err != nil {
		g.logger.Warn("write failed, scheduling reconcile refresh", "module", module, "group", group, "err", res.Err)
		go func() {
			if err := g.RefreshModule(context.Background(), module); err != nil {
				g.logger.Warn("reconcile refresh failed", "module", module, "err", err)
			}
		}()
		return
	}

	stateHex, ok := answerState(res.Answer, sig)
	if !ok {
		return
	}
	var state [6]byte
	for i := 0; i < 6; i++ {
		var b byte
		if _, err := fmt.Sscanf(stateHex[i*2:i*2+2], "%02X", &b); err != nil {
			return
		}
		state[i] = b
	}
	if err := g.cache.ApplyFeedback(module, group, state); err != nil {
		g.logger.Warn("apply write answer", "module", module, "err", err)
	}
}

// readGroup enqueues a 0x12/0x17 state read. The $1C answer is applied to
// the cache by the Listener (which infers the group from the preceding
// ACK) before the command completes.
func (g *Gateway) readGroup(module string, group int) (<-chan scheduler.Result, error) {
	funcCode := byte(funcReadGroup1)
	if group == 2 {
		funcCode = funcReadGroup2
	}
	frame, err := codec.Build(funcCode, module, nil)
	if err != nil {
		return nil, err
	}
	answer, _ := answerMatcher(frame, module)
	return g.sched.Submit(&scheduler.PendingCommand{
		Frame:          frame,
		ExpectedAck:    ackMatcher(frame),
		ExpectedAnswer: answer,
	}), nil
}

// TurnOnSwitch sets a switch channel to 0xFF.
func (g *Gateway) TurnOnSwitch(module string, channel int) (<-chan scheduler.Result, error) {
	return g.setOutput(module, channel, 0xFF)
}

// TurnOffSwitch sets a switch channel to 0x00.
func (g *Gateway) TurnOffSwitch(module string, channel int) (<-chan scheduler.Result, error) {
	return g.setOutput(module, channel, 0x00)
}

// SetDimmer sets a dimmer channel's brightness (0x00..0xFF, 0xFF = full).
func (g *Gateway) SetDimmer(module string, channel int, brightness byte) (<-chan scheduler.Result, error) {
	return g.setOutput(module, channel, brightness)
}

// OpenCover starts a roller channel moving up.
func (g *Gateway) OpenCover(module string, channel int) (<-chan scheduler.Result, error) {
	return g.moveCover(module, channel, 0x01)
}

// CloseCover starts a roller channel moving down.
func (g *Gateway) CloseCover(module string, channel int) (<-chan scheduler.Result, error) {
	return g.moveCover(module, channel, 0x02)
}

// StopCover halts a roller channel and freezes its estimated position.
func (g *Gateway) StopCover(module string, channel int) (<-chan scheduler.Result, error) {
	return g.moveCover(module, channel, 0x00)
}

func (g *Gateway) moveCover(module string, channel int, value byte) (<-chan scheduler.Result, error) {
	module = strings.ToUpper(module)
	if err := g.covers.OnWriteCommand(module, channel, value); err != nil {
		return nil, err
	}
	return g.setOutput(module, channel, value)
}

// SetCoverPosition moves a roller channel toward targetPct and schedules
// the stop command after the estimator-computed travel duration.
func (g *Gateway) SetCoverPosition(module string, channel int, targetPct int) error {
	module = strings.ToUpper(module)
	if err := g.validateChannel(module, channel); err != nil {
		return err
	}
	return g.covers.SetPosition(module, channel, targetPct,
		func(direction byte) error {
			_, err := g.setOutput(module, channel, direction)
			return err
		},
		func() error {
			if _, err := g.StopCover(module, channel); err != nil {
				g.logger.Warn("scheduled cover stop failed", "module", module, "channel", channel, "err", err)
				return err
			}
			return nil
		})
}

// CoverPosition reports the estimator's live integer position for a
// roller channel.
func (g *Gateway) CoverPosition(module string, channel int) (int, error) {
	return g.covers.Position(strings.ToUpper(module), channel)
}

// RefreshModule reads every transmitted group of a module and blocks
// until the answers arrived (or the reads failed).
func (g *Gateway) RefreshModule(ctx context.Context, module string) error {
	module = strings.ToUpper(module)
	channels, err := g.cache.ModuleChannels(module)
	if err != nil {
		return err
	}
	for _, group := range groupsFor(channels) {
		done, err := g.readGroup(module, group)
		if err != nil {
			return err
		}
		select {
		case res := <-done:
			if res.Err != nil {
				return nikoerr.WrapModule(module, res.Err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// PressVirtualButton emits the "#N<addr>" + "#E1" token pair that makes
// the bus act as if the physical button was pressed.
func (g *Gateway) PressVirtualButton(addr string) (<-chan scheduler.Result, error) {
	addr = strings.ToUpper(addr)
	if len(addr) != 6 {
		return nil, fmt.Errorf("%w: button address %q must be 6 hex chars", nikoerr.ErrInvalidArgument, addr)
	}
	tokens := codec.HashFrame(addr)
	return g.sched.Submit(&scheduler.PendingCommand{
		Frame: strings.Join(tokens, "\r"),
	}), nil
}

// ActivateScene applies a list of channel states, coalescing them into at
// most one write per module group. Groups are written 1 then 2, paced by
// the queue.
func (g *Gateway) ActivateScene(channels []config.SceneChannel) error {
	type target struct {
		module string
		group  int
	}
	touched := make(map[target]bool)
	var order []target

	for _, ch := range channels {
		module := strings.ToUpper(ch.ModuleID)
		if err := g.validateChannel(module, ch.Channel); err != nil {
			return err
		}
		if err := g.cache.ApplyWrite(module, ch.Channel, ch.State); err != nil {
			return err
		}
		if typ, _ := g.cache.ModuleType(module); typ == modulecache.TypeRoller {
			if err := g.covers.OnWriteCommand(module, ch.Channel, ch.State); err != nil {
				g.logger.Debug("scene touches unregistered cover channel", "module", module, "channel", ch.Channel)
			}
		}
		t := target{module, groupForChannel(ch.Channel)}
		if !touched[t] {
			touched[t] = true
			order = append(order, t)
		}
	}

	// Stable per-module group order: group 1 before group 2.
	for _, t := range order {
		if t.group == 2 && touched[target{t.module, 1}] {
			continue
		}
		if _, err := g.writeGroup(t.module, t.group); err != nil {
			return err
		}
		if t.group == 1 && touched[target{t.module, 2}] {
			if _, err := g.writeGroup(t.module, 2); err != nil {
				return err
			}
		}
	}
	return nil
}

// ActivateSceneByID applies a configured scene.
func (g *Gateway) ActivateSceneByID(id string) error {
	scene, ok := g.scenes[id]
	if !ok {
		return fmt.Errorf("%w: scene %q not configured", nikoerr.ErrInvalidArgument, id)
	}
	return g.ActivateScene(scene.Channels)
}

// QueryInventory probes a module's command catalog: count sequential
// inventory commands starting at slot 0x10 are paced through the queue,
// then the response chunks the Listener collected are returned.
func (g *Gateway) QueryInventory(ctx context.Context, module string, count int) ([]string, error) {
	module = strings.ToUpper(module)
	if _, err := g.cache.ModuleChannels(module); err != nil {
		return nil, err
	}
	if count <= 0 || count > 0xEF {
		return nil, fmt.Errorf("%w: inventory probe count %d out of range", nikoerr.ErrInvalidArgument, count)
	}

	g.invMu.Lock()
	g.invChunks = nil
	g.invMu.Unlock()

	var last <-chan scheduler.Result
	for i := 0; i < count; i++ {
		payload := fmt.Sprintf("10%s%02X04", wireAddr(module), 0x10+i)
		frame, err := codec.BuildRaw(payload)
		if err != nil {
			return nil, err
		}
		// No ACK/answer expectation: the response chunks arrive on the
		// inventory lane, not the command lane.
		last = g.sched.Submit(&scheduler.PendingCommand{Frame: frame})
	}

	if last != nil {
		select {
		case <-last:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// Drain window for chunks still in flight after the final probe.
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.invMu.Lock()
	defer g.invMu.Unlock()
	out := make([]string, len(g.invChunks))
	copy(out, g.invChunks)
	return out, nil
}

// HandleInventoryChunk implements listener.InventorySink.
func (g *Gateway) HandleInventoryChunk(line string) {
	g.invMu.Lock()
	defer g.invMu.Unlock()
	g.invChunks = append(g.invChunks, line)
}

// HandleButtonFrame implements listener.ButtonSink: addresses missing
// from the configured button list are recorded in the observed-button
// ledger before the frame feeds the press state machine.
func (g *Gateway) HandleButtonFrame(addr string) {
	if _, known := g.buttons[addr]; !known && g.ledger != nil {
		if err := g.ledger.RecordButton(addr, time.Now().Unix()); err != nil {
			g.logger.Warn("record observed button", "button", addr, "err", err)
		}
	}
	g.btns.HandleButtonFrame(addr)
}

// ImpactedModules implements button.Lookup.
func (g *Gateway) ImpactedModules(buttonAddr string) []button.ImpactedModule {
	cfg, ok := g.buttons[buttonAddr]
	if !ok {
		return nil
	}
	out := make([]button.ImpactedModule, 0, len(cfg.ImpactedModule))
	for _, im := range cfg.ImpactedModule {
		group := 1
		if im.Group == "2" {
			group = 2
		}
		out = append(out, button.ImpactedModule{
			Address:        strings.ToUpper(im.Address),
			Group:          group,
			OperationTimeS: cfg.OperationTime,
		})
	}
	return out
}

// RefreshGroup implements button.Lookup: the post-release targeted
// refresh of an impacted module group.
func (g *Gateway) RefreshGroup(module string, group int) error {
	done, err := g.readGroup(strings.ToUpper(module), group)
	if err != nil {
		return err
	}
	res := <-done
	return res.Err
}

// onRefreshed reconciles the cover estimator with every refreshed roller
// module state.
func (g *Gateway) onRefreshed(evt events.Event) {
	module, ok := evt.Payload.(string)
	if !ok {
		return
	}
	typ, err := g.cache.ModuleType(module)
	if err != nil || typ != modulecache.TypeRoller {
		return
	}
	channels, err := g.cache.ModuleChannels(module)
	if err != nil {
		return
	}
	for ch := 1; ch <= channels; ch++ {
		v, err := g.cache.Get(module, ch)
		if err != nil {
			continue
		}
		if err := g.covers.OnObserved(module, ch, v); err != nil {
			g.logger.Debug("cover reconcile skipped", "module", module, "channel", ch, "err", err)
		}
	}
}

// onButtonPressed schedules the button-level explicit stop for shutter
// buttons carrying their own operation_time: that duration governs the
// stop regardless of the impacted channel's configured travel time.
func (g *Gateway) onButtonPressed(evt events.Event) {
	payload, ok := evt.Payload.(map[string]any)
	if !ok {
		return
	}
	addr, _ := payload["address"].(string)
	cfg, ok := g.buttons[addr]
	if !ok || cfg.OperationTime <= 0 {
		return
	}

	duration := time.Duration(cfg.OperationTime * float64(time.Second))
	for _, im := range cfg.ImpactedModule {
		module := strings.ToUpper(im.Address)
		typ, err := g.cache.ModuleType(module)
		if err != nil || typ != modulecache.TypeRoller {
			continue
		}
		lo, hi := 1, 6
		if im.Group == "2" {
			lo, hi = 7, 12
		}
		channels, _ := g.cache.ModuleChannels(module)
		if hi > channels {
			hi = channels
		}
		for ch := lo; ch <= hi; ch++ {
			ch := ch
			err := g.covers.ScheduleExplicitStop(module, ch, duration, func() error {
				_, err := g.StopCover(module, ch)
				return err
			})
			if err != nil {
				g.logger.Debug("explicit stop not scheduled", "module", module, "channel", ch, "err", err)
			}
		}
	}
}
