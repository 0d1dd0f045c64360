package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Tutortoise/presence-detection-service/config"
	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/benbjohnson/clock"
)

// FrameSource supplies the frame for each cycle
type FrameSource interface {
	Ready() bool
	Frame() (*models.Frame, error)
}

// InferenceBackend runs the model. Inputs and outputs are keyed by tensor name.
type InferenceBackend interface {
	Infer(ctx context.Context, inputs map[string]*models.Tensor) (map[string]*models.Tensor, error)
}

// ResultSink is told about every completed cycle
type ResultSink interface {
	Render(ctx context.Context, report *models.Report) error
}

// Phase is where the scheduler is inside a cycle
type Phase int

const (
	PhaseIdle         Phase = iota
	PhaseCycleStart         // Acquire a frame
	PhaseResample           // Stretch the frame to the model size
	PhaseTensor             // Build the input tensor
	PhaseInfer              // Waiting on the inference backend
	PhaseSelectOutput       // Pick the output tensor
	PhaseDecode             // Decode and suppress
	PhaseRender             // Clamp and hand to the sink
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCycleStart:
		return "cycle-start"
	case PhaseResample:
		return "resample"
	case PhaseTensor:
		return "tensor"
	case PhaseInfer:
		return "infer"
	case PhaseSelectOutput:
		return "select-output"
	case PhaseDecode:
		return "decode"
	case PhaseRender:
		return "render"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// TickResult is what a tick decided to do
type TickResult int

const (
	TickStopped  TickResult = iota // Scheduler is stopped. Nothing scheduled.
	TickNotReady                   // Frame source not ready. Retry after NotReadyDelay.
	TickTooSoon                    // MinInterval hasn't elapsed. Retry when it has.
	TickBusy                       // A cycle is in flight. Retry after BusyDelay.
	TickStarted                    // A new cycle has begun
)

func (r TickResult) String() string {
	switch r {
	case TickStopped:
		return "stopped"
	case TickNotReady:
		return "not-ready"
	case TickTooSoon:
		return "too-soon"
	case TickBusy:
		return "busy"
	case TickStarted:
		return "started"
	}
	return fmt.Sprintf("tick(%d)", int(r))
}

func (r TickResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// CycleError is a failure inside one cycle. The cycle is abandoned and scheduling carries on.
type CycleError struct {
	CycleID int64
	Phase   Phase
	Cause   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle %v failed during %v: %v", e.CycleID, e.Phase, e.Cause)
}

func (e *CycleError) Unwrap() error {
	return e.Cause
}

// YieldDelays are the pauses taken at each yield point inside a cycle
type YieldDelays struct {
	BeforePreprocess time.Duration
	BeforeTensor     time.Duration
	AfterInference   time.Duration
	BeforeDecode     time.Duration
}

type Options struct {
	ModelWidth          int
	ModelHeight         int
	InputName           string // Name of the model input tensor
	OutputName          string // Blank = the backend's only output
	ConfidenceThreshold float32
	IOUThreshold        float32
	TargetClass         int
	NumClasses          int // Length of the model's class list, used to tell output layouts apart. 0 = not known

	MinInterval      time.Duration
	NotReadyDelay    time.Duration
	BusyDelay        time.Duration
	PostCycleDelay   time.Duration
	InferenceTimeout time.Duration // 0 = no deadline
	Yield            YieldDelays

	MaxCycles  int         // Stop after this many cycles, successful or not. 0 = unlimited
	LogTimings bool        // Log the stage timings of every cycle at debug level
	Clock      clock.Clock // nil = wall clock
}

// OptionsFromConfig builds scheduler options from a validated config.
// inputName and outputName are the model's resolved tensor names.
func OptionsFromConfig(cfg *config.Config, inputName, outputName string) (Options, error) {
	target, err := cfg.TargetClassID()
	if err != nil {
		return Options{}, err
	}
	classes, err := cfg.ClassNames()
	if err != nil {
		return Options{}, err
	}
	return Options{
		ModelWidth:          cfg.ModelWidth,
		ModelHeight:         cfg.ModelHeight,
		InputName:           inputName,
		OutputName:          outputName,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		IOUThreshold:        cfg.IOUThreshold,
		TargetClass:         target,
		NumClasses:          len(classes),
		MinInterval:         cfg.MinInterval.Duration,
		NotReadyDelay:       cfg.NotReadyDelay.Duration,
		BusyDelay:           cfg.BusyDelay.Duration,
		PostCycleDelay:      cfg.PostCycleDelay.Duration,
		InferenceTimeout:    cfg.InferenceTimeout.Duration,
		Yield: YieldDelays{
			BeforePreprocess: cfg.Yield.BeforePreprocess.Duration,
			BeforeTensor:     cfg.Yield.BeforeTensor.Duration,
			AfterInference:   cfg.Yield.AfterInference.Duration,
			BeforeDecode:     cfg.Yield.BeforeDecode.Duration,
		},
	}, nil
}

// Status is a snapshot of the scheduler's bookkeeping
type Status struct {
	Running        bool      `json:"running"`
	Busy           bool      `json:"busy"`
	Phase          string    `json:"phase"`
	LastCycleStart time.Time `json:"lastCycleStart"`
	Completed      int64     `json:"completed"`
	Failed         int64     `json:"failed"`
	Present        bool      `json:"present"`
	LastError      string    `json:"lastError,omitempty"`
	AvgTimings     Timings   `json:"avgTimings"`
}

// Timings are moving averages of each stage, in milliseconds
type Timings struct {
	Acquire   float64 `json:"acquireMs"`
	Resize    float64 `json:"resizeMs"`
	Tensor    float64 `json:"tensorMs"`
	Inference float64 `json:"inferenceMs"`
	Decode    float64 `json:"decodeMs"`
	Suppress  float64 `json:"suppressMs"`
	Render    float64 `json:"renderMs"`
	Total     float64 `json:"totalMs"`
}
