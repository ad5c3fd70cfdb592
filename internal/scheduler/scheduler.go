// Package scheduler implements the single-FIFO command queue that is the
// only component allowed to write to the transport.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nikobus-gateway/internal/nikoerr"
)

// Sender is the subset of transport.Connector the Scheduler needs.
type Sender interface {
	Send(ctx context.Context, line string) error
}

// Matcher reports whether a received line satisfies an expectation.
type Matcher func(line string) bool

// Result is delivered on a PendingCommand's completion channel.
type Result struct {
	Answer string // raw matched answer line, empty if none expected
	Err    error
}

// PendingCommand is one item in the FIFO.
type PendingCommand struct {
	Frame          string
	ExpectedAck    Matcher
	ExpectedAnswer Matcher
	MaxAttempts    int           // defaults to 3 if zero
	AnswerTimeout  time.Duration // defaults to scheduler's configured default if zero

	done chan Result
}

// Config tunes the Scheduler's pacing and timeouts.
type Config struct {
	InterCommandGap      time.Duration // default 300ms
	InterAckDelay        time.Duration // default 75ms
	AckTimeout           time.Duration // default 500ms
	DefaultAnswerTimeout time.Duration // default 2s
	QueueCapacity        int           // default 1024
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.InterCommandGap <= 0 {
		out.InterCommandGap = 300 * time.Millisecond
	}
	if out.InterAckDelay <= 0 {
		out.InterAckDelay = 75 * time.Millisecond
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = 500 * time.Millisecond
	}
	if out.DefaultAnswerTimeout <= 0 {
		out.DefaultAnswerTimeout = 2 * time.Second
	}
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = 1024
	}
	return out
}

type inflight struct {
	cmd      *PendingCommand
	ackCh    chan string
	answerCh chan string
	finished bool // guarded by Scheduler.mu
}

// Scheduler is the single FIFO worker with pacing, ACK/answer correlation,
// and bounded retry.
type Scheduler struct {
	sender Sender
	logger *slog.Logger
	cfg    Config

	queue chan *PendingCommand

	mu      sync.Mutex
	current *inflight
	paused  bool
	resume  chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Scheduler. Call Run to start its worker.
func New(sender Sender, logger *slog.Logger, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		sender: sender,
		logger: logger,
		cfg:    cfg,
		queue:  make(chan *PendingCommand, cfg.QueueCapacity),
		resume: make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// Submit enqueues a command and returns a channel that receives its result
// exactly once. Callers that want fire-and-forget semantics may discard
// the channel; callers that want to await-ACK read from it.
func (s *Scheduler) Submit(cmd *PendingCommand) <-chan Result {
	if cmd.MaxAttempts <= 0 {
		cmd.MaxAttempts = 3
	}
	if cmd.AnswerTimeout <= 0 {
		cmd.AnswerTimeout = s.cfg.DefaultAnswerTimeout
	}
	cmd.done = make(chan Result, 1)
	s.queue <- cmd
	return cmd.done
}

// Run drains the queue until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		s.waitWhilePaused(ctx)
		select {
		case <-ctx.Done():
			s.drainQueue()
			return
		case <-s.stopCh:
			s.drainQueue()
			return
		case cmd := <-s.queue:
			s.process(ctx, cmd)
			select {
			case <-time.After(s.cfg.InterCommandGap):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) waitWhilePaused(ctx context.Context) {
	s.mu.Lock()
	paused := s.paused
	resume := s.resume
	s.mu.Unlock()
	if !paused {
		return
	}
	select {
	case <-resume:
	case <-ctx.Done():
	case <-s.stopCh:
	}
}

// drainQueue fails every still-queued command so no caller blocks on a
// completion that will never come.
func (s *Scheduler) drainQueue() {
	for {
		select {
		case cmd := <-s.queue:
			cmd.done <- Result{Err: nikoerr.ErrTransportLost}
		default:
			return
		}
	}
}

// Stop halts the worker loop after its current command completes.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) process(ctx context.Context, cmd *PendingCommand) {
	infl := &inflight{cmd: cmd, ackCh: make(chan string, 1), answerCh: make(chan string, 1)}

	for attempt := 1; attempt <= cmd.MaxAttempts; attempt++ {
		s.mu.Lock()
		s.current = infl
		s.mu.Unlock()

		if err := s.sender.Send(ctx, cmd.Frame); err != nil {
			s.logger.Warn("scheduler: send failed", "frame", cmd.Frame, "attempt", attempt, "err", err)
			s.complete(infl, Result{Err: nikoerr.ErrTransportLost})
			return
		}

		select {
		case <-time.After(s.cfg.InterAckDelay):
		case <-ctx.Done():
			s.complete(infl, Result{Err: ctx.Err()})
			return
		}

		if cmd.ExpectedAck != nil {
			if !s.awaitOn(ctx, infl.ackCh, s.cfg.AckTimeout) {
				s.logger.Warn("scheduler: ack timeout, retrying", "frame", cmd.Frame, "attempt", attempt)
				continue
			}
		}

		if cmd.ExpectedAnswer == nil {
			s.complete(infl, Result{})
			return
		}

		answer, ok := s.awaitAnswer(ctx, infl.answerCh, cmd.AnswerTimeout)
		if !ok {
			s.logger.Warn("scheduler: answer timeout, retrying", "frame", cmd.Frame, "attempt", attempt)
			continue
		}
		s.complete(infl, Result{Answer: answer})
		return
	}

	s.complete(infl, Result{Err: nikoerr.ErrRetriesExhausted})
}

func (s *Scheduler) awaitOn(ctx context.Context, ch chan string, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) awaitAnswer(ctx context.Context, ch chan string, timeout time.Duration) (string, bool) {
	select {
	case answer := <-ch:
		return answer, true
	case <-time.After(timeout):
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (s *Scheduler) complete(infl *inflight, res Result) {
	s.mu.Lock()
	if s.current == infl {
		s.current = nil
	}
	if infl.finished {
		// Already failed by HandleDisconnect; deliver only the first result.
		s.mu.Unlock()
		return
	}
	infl.finished = true
	s.mu.Unlock()
	infl.cmd.done <- res
}

// TryAck implements listener.SchedulerSink: it offers line to the
// currently in-flight command's ack matcher.
func (s *Scheduler) TryAck(line string) bool {
	s.mu.Lock()
	infl := s.current
	s.mu.Unlock()
	if infl == nil || infl.cmd.ExpectedAck == nil || !infl.cmd.ExpectedAck(line) {
		return false
	}
	select {
	case infl.ackCh <- line:
	default:
	}
	return true
}

// TryAnswer implements listener.SchedulerSink: it offers line to the
// currently in-flight command's answer matcher.
func (s *Scheduler) TryAnswer(line string) bool {
	s.mu.Lock()
	infl := s.current
	s.mu.Unlock()
	if infl == nil || infl.cmd.ExpectedAnswer == nil || !infl.cmd.ExpectedAnswer(line) {
		return false
	}
	select {
	case infl.answerCh <- line:
	default:
	}
	return true
}

// HandleDisconnect pauses the worker and fails the in-flight command with
// TransportLost. The rest of the queue stays queued until reconnect.
func (s *Scheduler) HandleDisconnect() {
	s.mu.Lock()
	s.paused = true
	infl := s.current
	s.current = nil
	s.mu.Unlock()

	if infl != nil {
		s.complete(infl, Result{Err: nikoerr.ErrTransportLost})
	}
}

// HandleReconnected resumes the worker after a successful reconnect.
func (s *Scheduler) HandleReconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resume)
	s.resume = make(chan struct{})
}
