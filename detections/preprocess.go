package detections

import (
	"fmt"
	"image"

	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/disintegration/imaging"
)

// Preprocess turns a frame into the [1, 3, height, width] tensor the model
// consumes. It has no side effects and keeps no state between calls.
func Preprocess(frame *models.Frame, width, height int) (*models.Tensor, error) {
	resized, err := Resample(frame, width, height)
	if err != nil {
		return nil, err
	}
	return ToTensor(resized), nil
}

// Resample stretches the frame to width x height. The aspect ratio is not
// preserved; the decoder undoes this with independent x and y scale factors.
func Resample(frame *models.Frame, width, height int) (*image.NRGBA, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid model input size %dx%d", width, height)
	}
	src := &image.NRGBA{
		Pix:    frame.Pix[:frame.Width*frame.Height*4],
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	if frame.Width == width && frame.Height == height {
		return src, nil
	}
	return imaging.Resize(src, width, height, imaging.Linear), nil
}

// ToTensor normalizes every pixel to [0,1] and writes the colour channels as
// separate planes: index c*W*H + y*W + x.
func ToTensor(img *image.NRGBA) *models.Tensor {
	width := img.Rect.Dx()
	height := img.Rect.Dy()
	t := models.NewTensor(1, 3, height, width)
	fillPlanes(img, t.Data, planeWorkers(height))
	return t
}
