package scheduler

import (
	"context"
	"fmt"
	"image"
	"sort"
	"time"

	"github.com/Tutortoise/presence-detection-service/detections"
	"github.com/Tutortoise/presence-detection-service/models"
)

// Per-cycle state. Nothing in here outlives the cycle.
type cycle struct {
	id         int64
	start      time.Time
	inferStart time.Time
	frame      *models.Frame
	resized    *image.NRGBA
	input      *models.Tensor
	outputs    map[string]*models.Tensor
	output     *models.Tensor
	accepted   []models.Candidate
	timings    models.CycleTimings
}

// step runs the current phase of the cycle. Errors and panics end the cycle.
func (s *Scheduler) step(ctx context.Context) {
	c := s.cycle
	if c == nil {
		return
	}
	phase := s.phase
	defer func() {
		if r := recover(); r != nil {
			s.fail(phase, fmt.Errorf("panic: %v", r))
		}
	}()

	var err error
	switch phase {
	case PhaseCycleStart:
		err = s.acquire(c)
	case PhaseResample:
		err = s.resample(c)
	case PhaseTensor:
		s.buildTensor(c)
		s.startInference(ctx, c)
	case PhaseSelectOutput:
		err = s.selectOutput(c)
	case PhaseDecode:
		err = s.decode(c)
	case PhaseRender:
		err = s.render(ctx, c)
	default:
		err = fmt.Errorf("no step for phase %v", phase)
	}
	if err != nil {
		s.fail(phase, err)
	}
}

// advance moves to the next phase, yielding to the Run loop for at least delay
func (s *Scheduler) advance(next Phase, delay time.Duration) {
	s.phase = next
	s.scheduleStep(delay)
}

func (s *Scheduler) acquire(c *cycle) error {
	start := s.clock.Now()
	frame, err := s.source.Frame()
	c.timings.Acquire = s.clock.Since(start)
	if err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	c.frame = frame
	s.advance(PhaseResample, s.opt.Yield.BeforePreprocess)
	return nil
}

func (s *Scheduler) resample(c *cycle) error {
	start := s.clock.Now()
	resized, err := detections.Resample(c.frame, s.opt.ModelWidth, s.opt.ModelHeight)
	c.timings.Resize = s.clock.Since(start)
	if err != nil {
		return err
	}
	c.resized = resized
	s.advance(PhaseTensor, s.opt.Yield.BeforeTensor)
	return nil
}

func (s *Scheduler) buildTensor(c *cycle) {
	start := s.clock.Now()
	c.input = detections.ToTensor(c.resized)
	c.resized = nil
	c.timings.Tensor = s.clock.Since(start)
}

// startInference hands the input to the backend on a helper goroutine.
// The backend's context is detached from ctx, so stopping the scheduler can't abort the call.
func (s *Scheduler) startInference(ctx context.Context, c *cycle) {
	s.phase = PhaseInfer
	inferCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if s.opt.InferenceTimeout > 0 {
		inferCtx, cancel = context.WithTimeout(inferCtx, s.opt.InferenceTimeout)
	}
	inputs := map[string]*models.Tensor{s.opt.InputName: c.input}
	c.input = nil
	c.inferStart = s.clock.Now()
	id := c.id

	go func() {
		res := inferResult{cycleID: id}
		defer func() {
			cancel()
			if r := recover(); r != nil {
				res = inferResult{cycleID: id, err: fmt.Errorf("inference panic: %v", r)}
			}
			s.inferDone <- res
		}()
		res.outputs, res.err = s.backend.Infer(inferCtx, inputs)
	}()
}

func (s *Scheduler) onInferenceDone(res inferResult) {
	c := s.cycle
	if c == nil || s.phase != PhaseInfer || res.cycleID != c.id {
		s.log.Warnf("Ignoring inference result for cycle %v", res.cycleID)
		return
	}
	c.timings.Inference = s.clock.Since(c.inferStart)
	if res.err != nil {
		s.fail(PhaseInfer, res.err)
		return
	}
	c.outputs = res.outputs
	s.advance(PhaseSelectOutput, s.opt.Yield.AfterInference)
}

func (s *Scheduler) selectOutput(c *cycle) error {
	outputs := c.outputs
	c.outputs = nil
	if s.opt.OutputName != "" {
		out, ok := outputs[s.opt.OutputName]
		if !ok || out == nil {
			return fmt.Errorf("backend returned no output named %q", s.opt.OutputName)
		}
		c.output = out
	} else {
		if len(outputs) != 1 {
			names := make([]string, 0, len(outputs))
			for name := range outputs {
				names = append(names, name)
			}
			sort.Strings(names)
			return fmt.Errorf("expected exactly one output, got %v %v", len(outputs), names)
		}
		for _, out := range outputs {
			c.output = out
		}
		if c.output == nil {
			return fmt.Errorf("backend returned a nil output")
		}
	}
	s.advance(PhaseDecode, s.opt.Yield.BeforeDecode)
	return nil
}

func (s *Scheduler) decode(c *cycle) error {
	if _, unknown := detections.ClassifyShape(c.output.Shape, s.opt.NumClasses).(detections.UnknownLayout); unknown && !s.warnedLayout {
		s.log.Warnf("Unrecognized model output shape %v. Every frame will have zero detections", c.output.Shape)
		s.warnedLayout = true
	}

	start := s.clock.Now()
	candidates, err := detections.Decode(c.output, detections.DecodeParams{
		FrameWidth:          c.frame.Width,
		FrameHeight:         c.frame.Height,
		ModelWidth:          s.opt.ModelWidth,
		ModelHeight:         s.opt.ModelHeight,
		ConfidenceThreshold: s.opt.ConfidenceThreshold,
		TargetClass:         s.opt.TargetClass,
		NumClasses:          s.opt.NumClasses,
	})
	c.timings.Decode = s.clock.Since(start)
	if err != nil {
		return err
	}
	c.output = nil

	start = s.clock.Now()
	c.accepted = detections.Suppress(candidates, s.opt.IOUThreshold)
	c.timings.Suppress = s.clock.Since(start)

	s.advance(PhaseRender, 0)
	return nil
}

func (s *Scheduler) render(ctx context.Context, c *cycle) error {
	start := s.clock.Now()
	clamped, present := detections.ClampToCanvas(c.accepted, c.frame.Width, c.frame.Height)
	// The sink sees timings up to the moment it's handed the report
	c.timings.CycleID = c.id
	c.timings.Render = s.clock.Since(start)
	c.timings.Total = s.clock.Since(c.start)
	report := &models.Report{
		CycleID:     c.id,
		At:          start,
		FrameWidth:  c.frame.Width,
		FrameHeight: c.frame.Height,
		Present:     present,
		Detections:  clamped,
		Timings:     c.timings,
	}
	// The cycle runs to completion even if we're being stopped
	err := s.sink.Render(context.WithoutCancel(ctx), report)
	c.timings.Render = s.clock.Since(start)
	if err != nil {
		return fmt.Errorf("rendering: %w", err)
	}
	s.present = present
	s.finish(c, nil)
	return nil
}

func (s *Scheduler) fail(phase Phase, err error) {
	c := s.cycle
	if c == nil {
		return
	}
	s.finish(c, &CycleError{CycleID: c.id, Phase: phase, Cause: err})
}

// finish ends the cycle, successful or not, and schedules the next tick
func (s *Scheduler) finish(c *cycle, err error) {
	c.timings.CycleID = c.id
	c.timings.Total = s.clock.Since(c.start)
	if err != nil {
		s.failed++
		s.lastErr = err
		s.logCycleError(err)
	} else {
		s.completed++
		s.perf.update(&c.timings)
		if s.opt.LogTimings {
			s.logTimings(&c.timings)
		}
	}

	s.busy = false
	s.cycle = nil
	s.phase = PhaseIdle
	s.stepAt = time.Time{}

	if s.opt.MaxCycles > 0 && s.completed+s.failed >= int64(s.opt.MaxCycles) {
		s.stop("cycle limit reached")
	}
	if s.running {
		s.scheduleTick(s.opt.PostCycleDelay)
	}
}

// Only one error every 15 seconds goes out at Error level, so a persistent fault doesn't flood the log
func (s *Scheduler) logCycleError(err error) {
	now := s.clock.Now()
	if s.lastErrAt.IsZero() || now.Sub(s.lastErrAt) > errorLogInterval {
		s.log.Errorf("%v", err)
		s.lastErrAt = now
	} else {
		s.log.Debugf("%v", err)
	}
}

func (s *Scheduler) logTimings(t *models.CycleTimings) {
	s.log.Debugf("Cycle %v - Processing times:\n"+
		"\tAcquire:   %v\n"+
		"\tResize:    %v\n"+
		"\tTensor:    %v\n"+
		"\tInference: %v\n"+
		"\tDecode:    %v\n"+
		"\tSuppress:  %v\n"+
		"\tRender:    %v\n"+
		"\tTotal:     %v",
		t.CycleID,
		t.Acquire,
		t.Resize,
		t.Tensor,
		t.Inference,
		t.Decode,
		t.Suppress,
		t.Render,
		t.Total)
}
