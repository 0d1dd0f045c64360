package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ConfigurationError is an invalid model or class setup. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %v: %v", e.Field, e.Reason)
}

// Errorf builds a *ConfigurationError for the named field
func Errorf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Duration is a time.Duration that reads and writes as a Go duration string ("250ms").
// Bare JSON numbers are taken as milliseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		d.Duration = v
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\" or a number of milliseconds, got %s", b)
	}
	d.Duration = time.Duration(ms * float64(time.Millisecond))
	return nil
}

// ClassRef names the target class either by index or by name.
// In JSON it is a number (index) or a string (name, or a numeric string).
type ClassRef struct {
	ID   int
	Name string
}

func (c ClassRef) MarshalJSON() ([]byte, error) {
	if c.Name != "" {
		return json.Marshal(c.Name)
	}
	return json.Marshal(c.ID)
}

func (c *ClassRef) UnmarshalJSON(b []byte) error {
	var id int
	if err := json.Unmarshal(b, &id); err == nil {
		*c = ClassRef{ID: id}
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("target class must be a class index or name, got %s", b)
	}
	if n, err := strconv.Atoi(name); err == nil {
		*c = ClassRef{ID: n}
	} else {
		*c = ClassRef{Name: name}
	}
	return nil
}

func (c ClassRef) String() string {
	if c.Name != "" {
		return c.Name
	}
	return strconv.Itoa(c.ID)
}

// YieldDelays are the pauses taken at each yield point inside a cycle.
// Zero still yields to the scheduler loop, it just doesn't wait.
type YieldDelays struct {
	BeforePreprocess Duration `json:"beforePreprocess"`
	BeforeTensor     Duration `json:"beforeTensor"`
	AfterInference   Duration `json:"afterInference"`
	BeforeDecode     Duration `json:"beforeDecode"`
}

type Config struct {
	ModelPath   string `json:"modelPath"`   // ONNX model file
	LibraryPath string `json:"libraryPath"` // onnxruntime shared library. Blank = $ONNXRUNTIME_LIB, then lib/
	InputName   string `json:"inputName"`   // Blank = the model's first input
	OutputName  string `json:"outputName"`  // Blank = the model's first output
	ModelWidth  int    `json:"modelWidth"`  // eg 640
	ModelHeight int    `json:"modelHeight"` // eg 640
	PoolSize    int    `json:"poolSize"`    // Number of inference sessions
	Threads     int    `json:"threads"`     // Intra-op threads per session. 0 = number of CPUs

	ConfidenceThreshold float32  `json:"confidenceThreshold"`
	IOUThreshold        float32  `json:"iouThreshold"`
	TargetClass         ClassRef `json:"targetClass"` // eg "person" or 0
	Classes             []string `json:"classes"`     // Model class names. Blank = COCO
	ClassFile           string   `json:"classFile"`   // Text file with one class name per line. Overrides Classes

	FramePath string `json:"framePath"` // Image file, or directory of images
	Addr      string `json:"addr"`      // HTTP listen address. Blank = no server

	MinInterval      Duration    `json:"minInterval"`      // Minimum time between cycle starts
	NotReadyDelay    Duration    `json:"notReadyDelay"`    // Retry delay when the frame source isn't ready
	BusyDelay        Duration    `json:"busyDelay"`        // Retry delay when a tick arrives during a cycle
	PostCycleDelay   Duration    `json:"postCycleDelay"`   // Delay after a cycle before the next tick
	InferenceTimeout Duration    `json:"inferenceTimeout"` // Deadline handed to the backend. 0 = none
	AcquireTimeout   Duration    `json:"acquireTimeout"`   // Max wait for a free inference session
	Yield            YieldDelays `json:"yield"`
}

// Default returns a configuration for a stock 640x640 YOLOv8n export looking for people
func Default() *Config {
	return &Config{
		ModelPath:           "models/yolov8n.onnx",
		ModelWidth:          640,
		ModelHeight:         640,
		PoolSize:            2,
		ConfidenceThreshold: 0.5,
		IOUThreshold:        0.45,
		TargetClass:         ClassRef{Name: "person"},
		FramePath:           "frames",
		Addr:                "127.0.0.1:8080",
		MinInterval:         Duration{500 * time.Millisecond},
		NotReadyDelay:       Duration{100 * time.Millisecond},
		BusyDelay:           Duration{50 * time.Millisecond},
		PostCycleDelay:      Duration{100 * time.Millisecond},
		AcquireTimeout:      Duration{5 * time.Second},
	}
}

// Load reads a JSON config file. Fields missing from the file keep their Default() values.
func Load(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error loading %v: %w", filename, err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("error loading as JSON %v: %w", filename, err)
	}
	return cfg, nil
}

// ClassNames returns the class list the model was trained on
func (c *Config) ClassNames() ([]string, error) {
	if c.ClassFile != "" {
		classes, err := LoadClassFile(c.ClassFile)
		if err != nil {
			return nil, Errorf("classFile", "%v", err)
		}
		if len(classes) == 0 {
			return nil, Errorf("classFile", "%v has no classes", c.ClassFile)
		}
		return classes, nil
	}
	if len(c.Classes) != 0 {
		return c.Classes, nil
	}
	return COCOClasses, nil
}

// TargetClassID resolves TargetClass to a class index
func (c *Config) TargetClassID() (int, error) {
	if c.TargetClass.Name == "" {
		if c.TargetClass.ID < 0 {
			return 0, Errorf("targetClass", "class index %v is negative", c.TargetClass.ID)
		}
		return c.TargetClass.ID, nil
	}
	classes, err := c.ClassNames()
	if err != nil {
		return 0, err
	}
	idx := ClassIndex(classes, c.TargetClass.Name)
	if idx == -1 {
		return 0, Errorf("targetClass", "unknown class %q", c.TargetClass.Name)
	}
	return idx, nil
}

// Validate returns a *ConfigurationError describing the first problem found
func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return Errorf("modelPath", "must be set")
	}
	if c.ModelWidth <= 0 || c.ModelHeight <= 0 {
		return Errorf("modelWidth/modelHeight", "model size %vx%v must be positive", c.ModelWidth, c.ModelHeight)
	}
	if c.PoolSize <= 0 {
		return Errorf("poolSize", "must be at least 1, got %v", c.PoolSize)
	}
	if c.Threads < 0 {
		return Errorf("threads", "must not be negative, got %v", c.Threads)
	}
	if !(c.ConfidenceThreshold > 0 && c.ConfidenceThreshold <= 1) {
		return Errorf("confidenceThreshold", "must be in (0, 1], got %v", c.ConfidenceThreshold)
	}
	if !(c.IOUThreshold > 0 && c.IOUThreshold <= 1) {
		return Errorf("iouThreshold", "must be in (0, 1], got %v", c.IOUThreshold)
	}
	durations := []struct {
		name string
		d    Duration
	}{
		{"minInterval", c.MinInterval},
		{"notReadyDelay", c.NotReadyDelay},
		{"busyDelay", c.BusyDelay},
		{"postCycleDelay", c.PostCycleDelay},
		{"inferenceTimeout", c.InferenceTimeout},
		{"acquireTimeout", c.AcquireTimeout},
		{"yield.beforePreprocess", c.Yield.BeforePreprocess},
		{"yield.beforeTensor", c.Yield.BeforeTensor},
		{"yield.afterInference", c.Yield.AfterInference},
		{"yield.beforeDecode", c.Yield.BeforeDecode},
	}
	for _, d := range durations {
		if d.d.Duration < 0 {
			return Errorf(d.name, "must not be negative, got %v", d.d)
		}
	}
	if _, err := c.TargetClassID(); err != nil {
		return err
	}
	return nil
}
