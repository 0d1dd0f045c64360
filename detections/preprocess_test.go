package detections

import (
	"testing"

	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/stretchr/testify/require"
)

func solidFrame(width, height int, r, g, b byte) *models.Frame {
	f := &models.Frame{Width: width, Height: height, Pix: make([]byte, width*height*4)}
	for i := 0; i < width*height; i++ {
		f.Pix[i*4] = r
		f.Pix[i*4+1] = g
		f.Pix[i*4+2] = b
		f.Pix[i*4+3] = 255
	}
	return f
}

func TestPreprocessPlanarLayout(t *testing.T) {
	// 2x2 frame at model size, so no resampling takes place
	f := &models.Frame{Width: 2, Height: 2, Pix: []byte{
		10, 20, 30, 255, 40, 50, 60, 255,
		70, 80, 90, 255, 100, 110, 120, 255,
	}}
	tensor, err := Preprocess(f, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 2, 2}, tensor.Shape)
	require.Len(t, tensor.Data, 12)

	expect := []float32{
		10, 40, 70, 100, // red plane
		20, 50, 80, 110, // green plane
		30, 60, 90, 120, // blue plane
	}
	for i, v := range expect {
		require.InDelta(t, v/255, tensor.Data[i], 1e-6, "index %v", i)
	}
}

func TestPreprocessStretches(t *testing.T) {
	f := solidFrame(64, 32, 255, 128, 0)
	tensor, err := Preprocess(f, 16, 16)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 16, 16}, tensor.Shape)

	plane := 16 * 16
	for i := 0; i < plane; i++ {
		require.InDelta(t, 1.0, tensor.Data[i], 1.0/255)
		require.InDelta(t, 128.0/255, tensor.Data[plane+i], 1.0/255)
		require.InDelta(t, 0.0, tensor.Data[2*plane+i], 1.0/255)
	}
}

func TestPreprocessRejectsBadInput(t *testing.T) {
	_, err := Preprocess(&models.Frame{Width: 4, Height: 4, Pix: make([]byte, 10)}, 8, 8)
	require.Error(t, err)

	_, err = Preprocess(solidFrame(4, 4, 0, 0, 0), 0, 8)
	require.Error(t, err)
}

func TestFillPlanesWorkersAgree(t *testing.T) {
	f := &models.Frame{Width: 37, Height: 101, Pix: make([]byte, 37*101*4)}
	for i := range f.Pix {
		f.Pix[i] = byte(i * 7)
	}
	img, err := Resample(f, 37, 101)
	require.NoError(t, err)

	serial := make([]float32, 3*37*101)
	fillPlanes(img, serial, 1)
	for _, workers := range []int{0, 2, 3, 8, 500} {
		parallel := make([]float32, len(serial))
		fillPlanes(img, parallel, workers)
		require.Equal(t, serial, parallel, "workers %v", workers)
	}
	require.Equal(t, serial, ToTensor(img).Data)
	require.GreaterOrEqual(t, planeWorkers(1), 1)
}
