package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Tutortoise/presence-detection-service/detections"
	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestBackendInfer(t *testing.T) {
	f := &fakeFactory{
		run: func(inputs map[string]*models.Tensor) (map[string]*models.Tensor, error) {
			in := inputs["images"]
			out := models.NewTensor(1, 5, 1)
			out.Data[0] = in.Data[0]
			return map[string]*models.Tensor{"output0": out}, nil
		},
	}
	pool, err := NewSessionPool(logs.NewTestingLog(t), f.New, 1, time.Second)
	require.NoError(t, err)
	defer pool.Destroy()
	backend := NewBackend(logs.NewTestingLog(t), pool)

	in := models.NewTensor(1, 3, 2, 2)
	in.Data[0] = 0.5
	out, err := backend.Infer(context.Background(), map[string]*models.Tensor{"images": in})
	require.NoError(t, err)
	require.Equal(t, float32(0.5), out["output0"].Data[0])
	require.Equal(t, 0, pool.GetMetrics().InUse)
}

func TestBackendErrorReleasesSession(t *testing.T) {
	f := &fakeFactory{
		run: func(inputs map[string]*models.Tensor) (map[string]*models.Tensor, error) {
			return nil, errors.New("bad input")
		},
	}
	pool, err := NewSessionPool(logs.NewTestingLog(t), f.New, 1, time.Second)
	require.NoError(t, err)
	defer pool.Destroy()
	backend := NewBackend(logs.NewTestingLog(t), pool)

	for i := 0; i < 3; i++ {
		_, err := backend.Infer(context.Background(), nil)
		require.Error(t, err)
	}
	m := pool.GetMetrics()
	require.Equal(t, 1, m.Live)
	require.Equal(t, int64(3), m.TotalReleased)
	require.Equal(t, 1, f.count())
}

func TestBackendPanicDiscardsSession(t *testing.T) {
	f := &fakeFactory{
		run: func(inputs map[string]*models.Tensor) (map[string]*models.Tensor, error) {
			panic("native crash")
		},
	}
	pool, err := NewSessionPool(logs.NewTestingLog(t), f.New, 1, 20*time.Millisecond)
	require.NoError(t, err)
	defer pool.Destroy()
	backend := NewBackend(logs.NewTestingLog(t), pool)

	_, err = backend.Infer(context.Background(), nil)
	require.ErrorContains(t, err, "native crash")
	require.Equal(t, 0, pool.GetMetrics().Live)

	// Nothing left to acquire until the pool is replenished
	_, err = backend.Infer(context.Background(), nil)
	require.ErrorIs(t, err, ErrAcquireTimeout)
	pool.replenish()
	require.Equal(t, 1, pool.GetMetrics().Live)
}

func TestBackendAbandonsSlowRun(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFactory{
		run: func(inputs map[string]*models.Tensor) (map[string]*models.Tensor, error) {
			<-release
			return map[string]*models.Tensor{}, nil
		},
	}
	pool, err := NewSessionPool(logs.NewTestingLog(t), f.New, 1, time.Second)
	require.NoError(t, err)
	defer pool.Destroy()
	backend := NewBackend(logs.NewTestingLog(t), pool)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = backend.Infer(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, pool.GetMetrics().InUse)

	close(release)
	require.Eventually(t, func() bool { return pool.GetMetrics().InUse == 0 }, time.Second, 5*time.Millisecond)
}

func TestModelInfoCheck(t *testing.T) {
	info := &ModelInfo{Path: "m.onnx", OutputName: "output0", OutputShape: []int64{1, 84, 8400}}
	require.Equal(t, detections.BoxMajor{Boxes: 8400, Classes: 80}, info.OutputLayout(80))
	require.NoError(t, info.Check(0, 80))
	require.NoError(t, info.Check(79, 80))
	require.Error(t, info.Check(80, 80))
	require.Error(t, info.Check(-1, 80))

	info.OutputShape = []int64{1, 25200, 85}
	require.NoError(t, info.Check(5, 80))

	// Fewer records than features. Only the class count tells the layouts apart.
	info.OutputShape = []int64{1, 10, 85}
	require.Equal(t, detections.RecordMajor{Boxes: 10, Classes: 80}, info.OutputLayout(80))
	require.NoError(t, info.Check(79, 80))

	// Single class face model with the default COCO class list
	info.OutputShape = []int64{1, 5, 8400}
	require.Equal(t, detections.BoxMajor{Boxes: 8400, Classes: 1}, info.OutputLayout(80))
	require.NoError(t, info.Check(0, 80))
	require.Error(t, info.Check(1, 80))

	info.OutputShape = []int64{1, 7, 7}
	err := info.Check(0, 80)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unrecognized output layout")
}
