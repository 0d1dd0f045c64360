package detections

import (
	"fmt"

	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/chewxy/math32"
)

// DecodeParams carries everything the decoder needs besides the tensor.
// There are no defaults: every field must be supplied by the caller.
type DecodeParams struct {
	FrameWidth          int
	FrameHeight         int
	ModelWidth          int
	ModelHeight         int
	ConfidenceThreshold float32
	TargetClass         int
	NumClasses          int // Classes the model was trained on. 0 = not known
}

func (p *DecodeParams) validate() error {
	if p.ModelWidth <= 0 || p.ModelHeight <= 0 {
		return fmt.Errorf("invalid model size %dx%d", p.ModelWidth, p.ModelHeight)
	}
	if p.FrameWidth <= 0 || p.FrameHeight <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", p.FrameWidth, p.FrameHeight)
	}
	return nil
}

// Layout is the memory arrangement of a detector's output tensor.
// The set of layouts is closed: BoxMajor, RecordMajor and UnknownLayout.
type Layout interface {
	fmt.Stringer
	// NumClasses is the number of class scores per box (0 when unknown)
	NumClasses() int
	// Decode returns every box that passes the confidence and class filters
	Decode(data []float32, p DecodeParams) []models.Candidate
	isLayout()
}

// BoxMajor is the transposed layout [1, 4+C, D] produced by YOLOv8 and later.
// For a given feature, the values of all D boxes are contiguous.
// There is no objectness; class scores start at feature 4.
type BoxMajor struct {
	Boxes   int
	Classes int
}

// RecordMajor is the interleaved layout [1, D, 5+C] produced by YOLOv5.
// Each box is one contiguous record: cx, cy, w, h, objectness, C class scores.
type RecordMajor struct {
	Boxes   int
	Classes int
}

// UnknownLayout is any shape we don't know how to read. It decodes to nothing.
type UnknownLayout struct {
	Shape []int
}

func (BoxMajor) isLayout()      {}
func (RecordMajor) isLayout()   {}
func (UnknownLayout) isLayout() {}

func (l BoxMajor) String() string {
	return fmt.Sprintf("box-major [1, %d, %d]", boxFeatures+l.Classes, l.Boxes)
}

func (l RecordMajor) String() string {
	return fmt.Sprintf("record-major [1, %d, %d]", l.Boxes, recordFeatures+l.Classes)
}

func (l UnknownLayout) String() string {
	return fmt.Sprintf("unknown %v", l.Shape)
}

func (l BoxMajor) NumClasses() int      { return l.Classes }
func (l RecordMajor) NumClasses() int   { return l.Classes }
func (l UnknownLayout) NumClasses() int { return 0 }

// ClassifyShape picks the layout for an output tensor shape.
// Most shapes could be read either way. numClasses, when known, settles it:
// the layout whose feature axis holds exactly numClasses scores wins.
// Without a usable class count the smaller of the two trailing dimensions is
// taken to be the feature axis, since models usually emit far more boxes than
// features. Equal trailing dimensions, or a class count that fits both
// layouts, are ambiguous and therefore unknown.
func ClassifyShape(shape []int, numClasses int) Layout {
	if len(shape) != 3 || shape[0] != 1 {
		return UnknownLayout{Shape: shape}
	}
	a, b := shape[1], shape[2]
	fitsBoxMajor := a > boxFeatures && b > 0
	fitsRecordMajor := b > recordFeatures && a > 0

	if fitsBoxMajor && fitsRecordMajor {
		if a == b {
			return UnknownLayout{Shape: shape}
		}
		boxClasses := numClasses > 0 && a-boxFeatures == numClasses
		recordClasses := numClasses > 0 && b-recordFeatures == numClasses
		switch {
		case boxClasses && recordClasses:
			return UnknownLayout{Shape: shape}
		case boxClasses:
			fitsRecordMajor = false
		case recordClasses:
			fitsBoxMajor = false
		case a < b:
			fitsRecordMajor = false
		default:
			fitsBoxMajor = false
		}
	}

	switch {
	case fitsBoxMajor:
		return BoxMajor{Boxes: b, Classes: a - boxFeatures}
	case fitsRecordMajor:
		return RecordMajor{Boxes: a, Classes: b - recordFeatures}
	}
	return UnknownLayout{Shape: shape}
}

// Decode converts a raw output tensor into candidates.
// An unrecognised shape is not an error; it yields zero candidates.
// A tensor whose data disagrees with its own shape is an error.
func Decode(output *models.Tensor, p DecodeParams) ([]models.Candidate, error) {
	if output == nil {
		return nil, fmt.Errorf("nil output tensor")
	}
	if err := output.Validate(); err != nil {
		return nil, fmt.Errorf("malformed output tensor: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return ClassifyShape(output.Shape, p.NumClasses).Decode(output.Data, p), nil
}

func (l BoxMajor) Decode(data []float32, p DecodeParams) []models.Candidate {
	d := l.Boxes
	out := []models.Candidate{}
	for i := 0; i < d; i++ {
		bestClass, bestScore := argmax(l.Classes, func(c int) float32 {
			return data[(boxFeatures+c)*d+i]
		})
		cand, ok := p.candidate(
			data[featureCX*d+i],
			data[featureCY*d+i],
			data[featureW*d+i],
			data[featureH*d+i],
			bestClass,
			bestScore,
		)
		if ok {
			out = append(out, cand)
		}
	}
	return out
}

func (l RecordMajor) Decode(data []float32, p DecodeParams) []models.Candidate {
	stride := recordFeatures + l.Classes
	out := []models.Candidate{}
	for i := 0; i < l.Boxes; i++ {
		rec := data[i*stride : (i+1)*stride]
		bestClass, bestScore := argmax(l.Classes, func(c int) float32 {
			return rec[recordFeatures+c]
		})
		objectness := rec[boxFeatures]
		cand, ok := p.candidate(rec[featureCX], rec[featureCY], rec[featureW], rec[featureH], bestClass, objectness*bestScore)
		if ok {
			out = append(out, cand)
		}
	}
	return out
}

func (l UnknownLayout) Decode(data []float32, p DecodeParams) []models.Candidate {
	return []models.Candidate{}
}

// argmax returns the first index holding the highest score.
func argmax(n int, score func(c int) float32) (int, float32) {
	best := -1
	bestScore := float32(0)
	for c := 0; c < n; c++ {
		s := score(c)
		if best == -1 || s > bestScore {
			best = c
			bestScore = s
		}
	}
	return best, bestScore
}

// candidate applies the filters and maps a model-space centre box into
// source-frame top-left form.
func (p *DecodeParams) candidate(cx, cy, w, h float32, class int, confidence float32) (models.Candidate, bool) {
	if !finite(cx) || !finite(cy) || !finite(w) || !finite(h) || math32.IsNaN(confidence) {
		return models.Candidate{}, false
	}
	confidence = math32.Min(math32.Max(confidence, 0), 1)
	if confidence < p.ConfidenceThreshold {
		return models.Candidate{}, false
	}
	if class != p.TargetClass {
		return models.Candidate{}, false
	}

	scaleX := float32(p.FrameWidth) / float32(p.ModelWidth)
	scaleY := float32(p.FrameHeight) / float32(p.ModelHeight)
	cx *= scaleX
	w = math32.Max(0, w*scaleX)
	cy *= scaleY
	h = math32.Max(0, h*scaleY)
	rect := models.Rect{
		X:      cx - w/2,
		Y:      cy - h/2,
		Width:  w,
		Height: h,
	}
	if !finite(rect.X) || !finite(rect.Y) || !finite(rect.X2()) || !finite(rect.Y2()) || !finite(rect.Area()) {
		return models.Candidate{}, false
	}

	return models.Candidate{
		Rect:       rect,
		ClassID:    class,
		Confidence: confidence,
	}, true
}

func finite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
