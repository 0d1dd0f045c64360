// Package scheduler runs detection cycles on a single cooperative timeline.
//
// All scheduler state is owned by the goroutine inside Run. A cycle is split into
// phases, and between phases control returns to the Run loop, which services host
// calls (Stop, Kick, Status) and timers before resuming. The inference call is the
// only work that leaves the timeline: it runs on a helper goroutine and its result
// comes back to the loop as an event. The busy flag guarantees that at most one
// cycle, and therefore one inference call, is in flight.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/Tutortoise/presence-detection-service/config"
	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/benbjohnson/clock"
	"github.com/cyclopcam/logs"
)

// ErrNotRunning is returned by host calls made after Run has returned
var ErrNotRunning = errors.New("scheduler is not running")

const (
	callQueueSize    = 8
	errorLogInterval = 15 * time.Second
)

type inferResult struct {
	cycleID int64
	outputs map[string]*models.Tensor
	err     error
}

type Scheduler struct {
	log     logs.Log
	opt     Options
	clock   clock.Clock
	source  FrameSource
	backend InferenceBackend
	sink    ResultSink

	calls     chan func()
	inferDone chan inferResult
	done      chan struct{}

	// Everything below is owned by the Run goroutine
	running        bool
	busy           bool
	phase          Phase
	lastCycleStart time.Time
	tickAt         time.Time // zero = no tick pending
	stepAt         time.Time // zero = no cycle step pending
	cycle          *cycle
	nextCycleID    int64
	completed      int64
	failed         int64
	present        bool
	lastErr        error
	lastErrAt      time.Time
	warnedLayout   bool
	perf           perfStats
}

func New(log logs.Log, opt Options, source FrameSource, backend InferenceBackend, sink ResultSink) (*Scheduler, error) {
	if opt.ModelWidth <= 0 || opt.ModelHeight <= 0 {
		return nil, config.Errorf("modelWidth/modelHeight", "model size %vx%v must be positive", opt.ModelWidth, opt.ModelHeight)
	}
	if opt.InputName == "" {
		return nil, config.Errorf("inputName", "must be set")
	}
	if !(opt.ConfidenceThreshold > 0 && opt.ConfidenceThreshold <= 1) {
		return nil, config.Errorf("confidenceThreshold", "must be in (0, 1], got %v", opt.ConfidenceThreshold)
	}
	if !(opt.IOUThreshold > 0 && opt.IOUThreshold <= 1) {
		return nil, config.Errorf("iouThreshold", "must be in (0, 1], got %v", opt.IOUThreshold)
	}
	if opt.TargetClass < 0 {
		return nil, config.Errorf("targetClass", "class index %v is negative", opt.TargetClass)
	}
	if source == nil || backend == nil || sink == nil {
		return nil, errors.New("scheduler needs a frame source, an inference backend and a result sink")
	}
	clk := opt.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		log:       log,
		opt:       opt,
		clock:     clk,
		source:    source,
		backend:   backend,
		sink:      sink,
		calls:     make(chan func(), callQueueSize),
		inferDone: make(chan inferResult, 1),
		done:      make(chan struct{}),
		running:   true,
	}, nil
}

// Run drives the scheduler until it is stopped (by Stop, ctx, or MaxCycles) and idle.
// A cycle in flight when the stop arrives runs to completion first.
// Run must be called exactly once.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	if s.running {
		s.scheduleTick(0)
	}
	ctxDone := ctx.Done()

	for s.running || s.busy {
		// Host calls go first, so they get serviced between every step of a cycle
		select {
		case f := <-s.calls:
			f()
			continue
		default:
		}

		now := s.clock.Now()
		if due(s.stepAt, now) {
			s.stepAt = time.Time{}
			s.step(ctx)
			continue
		}
		if due(s.tickAt, now) {
			s.tickAt = time.Time{}
			s.tick()
			continue
		}

		var timer *clock.Timer
		var wake <-chan time.Time
		if at := s.nextWake(); !at.IsZero() {
			timer = s.clock.Timer(at.Sub(now))
			wake = timer.C
		}
		select {
		case <-ctxDone:
			ctxDone = nil
			s.stop("context done")
		case f := <-s.calls:
			f()
		case res := <-s.inferDone:
			s.onInferenceDone(res)
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
	s.log.Infof("Scheduler stopped after %v cycles (%v failed)", s.completed+s.failed, s.failed)
}

// Done is closed when Run returns
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Stop asks the scheduler to stop. No new cycle starts after this.
// It does not wait; use Done to wait for Run to return.
func (s *Scheduler) Stop() {
	s.post(context.Background(), func() {
		s.stop("stop requested")
	})
}

// Kick asks for a tick right now, and returns what the tick decided.
// Kicks obey the same rules as scheduled ticks, so a kick during a cycle is deferred, not queued.
func (s *Scheduler) Kick(ctx context.Context) (TickResult, error) {
	reply := make(chan TickResult, 1)
	err := s.call(ctx, func() {
		reply <- s.tick()
	})
	if err != nil {
		return TickStopped, err
	}
	return <-reply, nil
}

// Status reads the scheduler's bookkeeping on its own timeline
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	err := s.call(ctx, func() {
		reply <- s.status()
	})
	if err != nil {
		return Status{}, err
	}
	return <-reply, nil
}

func (s *Scheduler) status() Status {
	st := Status{
		Running:        s.running,
		Busy:           s.busy,
		Phase:          s.phase.String(),
		LastCycleStart: s.lastCycleStart,
		Completed:      s.completed,
		Failed:         s.failed,
		Present:        s.present,
		AvgTimings:     s.perf.timings(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// post queues f to run on the timeline
func (s *Scheduler) post(ctx context.Context, f func()) error {
	select {
	case s.calls <- f:
		return nil
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs f on the timeline and waits for it to finish.
// f must send exactly one value on a buffered channel that the caller reads afterwards.
func (s *Scheduler) call(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if err := s.post(ctx, func() {
		f()
		close(finished)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		// Run may have serviced the call just before it returned
		select {
		case <-finished:
			return nil
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick decides whether to start a cycle. The checks run in a fixed order,
// and every outcome except TickStopped and TickStarted reschedules the next tick.
func (s *Scheduler) tick() TickResult {
	if !s.running {
		return TickStopped
	}
	if !s.source.Ready() {
		s.scheduleTick(s.opt.NotReadyDelay)
		return TickNotReady
	}
	now := s.clock.Now()
	if !s.lastCycleStart.IsZero() {
		if elapsed := now.Sub(s.lastCycleStart); elapsed < s.opt.MinInterval {
			s.scheduleTick(s.opt.MinInterval - elapsed)
			return TickTooSoon
		}
	}
	if s.busy {
		s.scheduleTick(s.opt.BusyDelay)
		return TickBusy
	}

	s.busy = true
	s.lastCycleStart = now
	s.tickAt = time.Time{}
	s.nextCycleID++
	s.cycle = &cycle{
		id:    s.nextCycleID,
		start: now,
	}
	s.phase = PhaseCycleStart
	s.scheduleStep(0)
	return TickStarted
}

func (s *Scheduler) stop(reason string) {
	if !s.running {
		return
	}
	s.running = false
	s.tickAt = time.Time{}
	if s.busy {
		s.log.Infof("Scheduler stopping (%v), waiting for cycle %v to finish", reason, s.cycle.id)
	} else {
		s.log.Infof("Scheduler stopping (%v)", reason)
	}
}

// A single pending tick. Rescheduling replaces it.
func (s *Scheduler) scheduleTick(d time.Duration) {
	s.tickAt = s.clock.Now().Add(d)
}

func (s *Scheduler) scheduleStep(d time.Duration) {
	s.stepAt = s.clock.Now().Add(d)
}

func (s *Scheduler) nextWake() time.Time {
	switch {
	case s.stepAt.IsZero():
		return s.tickAt
	case s.tickAt.IsZero():
		return s.stepAt
	case s.stepAt.Before(s.tickAt):
		return s.stepAt
	}
	return s.tickAt
}

func due(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}
