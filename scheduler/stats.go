package scheduler

import (
	"time"

	"github.com/Tutortoise/presence-detection-service/models"
)

// Moving averages of stage durations, in nanoseconds
type perfStats struct {
	acquire   int64
	resize    int64
	tensor    int64
	inference int64
	decode    int64
	suppress  int64
	render    int64
	total     int64
}

// updateMovingAverage folds a new sample into avg, seeding it with the first sample.
// It's just sampled stats, so the 1/64 weighting doesn't need to be exact.
func updateMovingAverage(avg *int64, sample time.Duration) {
	v := sample.Nanoseconds()
	if *avg == 0 {
		*avg = v
	} else {
		*avg = (*avg*63 + v) >> 6
	}
}

func (p *perfStats) update(t *models.CycleTimings) {
	updateMovingAverage(&p.acquire, t.Acquire)
	updateMovingAverage(&p.resize, t.Resize)
	updateMovingAverage(&p.tensor, t.Tensor)
	updateMovingAverage(&p.inference, t.Inference)
	updateMovingAverage(&p.decode, t.Decode)
	updateMovingAverage(&p.suppress, t.Suppress)
	updateMovingAverage(&p.render, t.Render)
	updateMovingAverage(&p.total, t.Total)
}

func nsToMs(ns int64) float64 {
	return float64(ns) / 1e6
}

func (p *perfStats) timings() Timings {
	return Timings{
		Acquire:   nsToMs(p.acquire),
		Resize:    nsToMs(p.resize),
		Tensor:    nsToMs(p.tensor),
		Inference: nsToMs(p.inference),
		Decode:    nsToMs(p.decode),
		Suppress:  nsToMs(p.suppress),
		Render:    nsToMs(p.render),
		Total:     nsToMs(p.total),
	}
}
