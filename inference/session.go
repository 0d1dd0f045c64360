package inference

import (
	"fmt"
	"runtime"

	"github.com/Tutortoise/presence-detection-service/config"
	"github.com/Tutortoise/presence-detection-service/detections"
	"github.com/Tutortoise/presence-detection-service/models"
	ort "github.com/yalue/onnxruntime_go"
)

// Session runs one inference at a time. Sessions are not safe for concurrent use;
// the pool hands each one to a single caller.
type Session interface {
	Run(inputs map[string]*models.Tensor) (map[string]*models.Tensor, error)
	Destroy()
}

// ModelInfo is the resolved input and output of a detector model
type ModelInfo struct {
	Path        string
	InputName   string
	OutputName  string
	InputShape  []int64
	OutputShape []int64
}

// OutputLayout classifies the model's output shape. numClasses is the length of
// the model's class list, or 0 if it isn't known.
func (m *ModelInfo) OutputLayout(numClasses int) detections.Layout {
	return detections.ClassifyShape(intShape(m.OutputShape), numClasses)
}

// Check verifies that the model can serve a detector for targetClass.
// numClasses is the length of the configured class list, which settles ambiguous output shapes.
// An unknown output layout, or a target class the model doesn't produce, is a *config.ConfigurationError.
func (m *ModelInfo) Check(targetClass, numClasses int) error {
	layout := m.OutputLayout(numClasses)
	if _, ok := layout.(detections.UnknownLayout); ok {
		return config.Errorf("modelPath", "%v: unrecognized output layout %v for output %v", m.Path, m.OutputShape, m.OutputName)
	}
	if targetClass < 0 || targetClass >= layout.NumClasses() {
		return config.Errorf("targetClass", "class %v is outside the model's %v classes", targetClass, layout.NumClasses())
	}
	return nil
}

// Inspect reads the model's input and output metadata and fills in dynamic dimensions.
// The batch dimension becomes 1. Dynamic spatial input dimensions take modelWidth and modelHeight.
func Inspect(modelPath, inputName, outputName string, modelWidth, modelHeight int) (*ModelInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading model %v: %w", modelPath, err)
	}
	in, err := pickIO(inputs, inputName, "input")
	if err != nil {
		return nil, err
	}
	out, err := pickIO(outputs, outputName, "output")
	if err != nil {
		return nil, err
	}

	info := &ModelInfo{
		Path:        modelPath,
		InputName:   in.Name,
		OutputName:  out.Name,
		InputShape:  append([]int64(nil), in.Dimensions...),
		OutputShape: append([]int64(nil), out.Dimensions...),
	}

	// [1, 3, H, W]
	if len(info.InputShape) != 4 {
		return nil, config.Errorf("modelPath", "input %v has shape %v, expected [1, 3, height, width]", in.Name, in.Dimensions)
	}
	want := []int64{1, 3, int64(modelHeight), int64(modelWidth)}
	for i, d := range info.InputShape {
		if d <= 0 {
			info.InputShape[i] = want[i]
		} else if d != want[i] {
			return nil, config.Errorf("modelWidth/modelHeight", "model input %v is %v, configured for %v", in.Name, in.Dimensions, want)
		}
	}

	for i, d := range info.OutputShape {
		if d > 0 {
			continue
		}
		if i == 0 {
			info.OutputShape[i] = 1
		} else {
			return nil, config.Errorf("modelPath", "output %v has dynamic shape %v", out.Name, out.Dimensions)
		}
	}
	return info, nil
}

func pickIO(list []ort.InputOutputInfo, name, what string) (ort.InputOutputInfo, error) {
	if len(list) == 0 {
		return ort.InputOutputInfo{}, config.Errorf("modelPath", "model has no %v", what)
	}
	if name == "" {
		return list[0], nil
	}
	for _, io := range list {
		if io.Name == name {
			return io, nil
		}
	}
	return ort.InputOutputInfo{}, config.Errorf(what+"Name", "model has no %v named %q", what, name)
}

// ModelSession is one onnxruntime session with its own preallocated input and output tensors
type ModelSession struct {
	Session    *ort.AdvancedSession
	Input      *ort.Tensor[float32]
	Output     *ort.Tensor[float32]
	InputName  string
	OutputName string
}

// NewModelSession creates a session for the model described by info.
// threads <= 0 means one intra-op thread per CPU.
func NewModelSession(info *ModelInfo, threads int) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(1)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(info.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(info.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		info.Path,
		[]string{info.InputName},
		[]string{info.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session:    session,
		Input:      inputTensor,
		Output:     outputTensor,
		InputName:  info.InputName,
		OutputName: info.OutputName,
	}, nil
}

// Run copies the named input into the session's input tensor, runs the model,
// and returns a copy of the output. The returned tensor does not alias session memory.
func (m *ModelSession) Run(inputs map[string]*models.Tensor) (map[string]*models.Tensor, error) {
	in, ok := inputs[m.InputName]
	if !ok {
		return nil, fmt.Errorf("missing input %q", m.InputName)
	}
	dst := m.Input.GetData()
	if len(in.Data) != len(dst) {
		return nil, fmt.Errorf("input %q has %d elements, model expects %d (shape %v)", m.InputName, len(in.Data), len(dst), m.Input.GetShape())
	}
	copy(dst, in.Data)

	if err := m.Session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out := &models.Tensor{
		Shape: intShape(m.Output.GetShape()),
		Data:  append([]float32(nil), m.Output.GetData()...),
	}
	return map[string]*models.Tensor{m.OutputName: out}, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

func intShape(s []int64) []int {
	out := make([]int, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}

// ModelSessionFactory makes pool sessions for one model
func ModelSessionFactory(info *ModelInfo, threads int) SessionFactory {
	return func() (Session, error) {
		s, err := NewModelSession(info, threads)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
