package sinks

import (
	"context"
	"sync"

	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/cyclopcam/logs"
)

// Sink receives the report of every completed cycle
type Sink interface {
	Render(ctx context.Context, report *models.Report) error
}

// LogSink logs presence transitions at Info, and every other report at Debug
type LogSink struct {
	log       logs.Log
	className string

	mu        sync.Mutex
	started   bool
	lastCount int
}

func NewLogSink(log logs.Log, className string) *LogSink {
	return &LogSink{
		log:       log,
		className: className,
	}
}

func (s *LogSink) Render(ctx context.Context, report *models.Report) error {
	count := len(report.Detections)

	s.mu.Lock()
	changed := !s.started || count != s.lastCount
	wasPresent := s.started && s.lastCount != 0
	s.started = true
	s.lastCount = count
	s.mu.Unlock()

	switch {
	case !changed:
		s.log.Debugf("Cycle %v: %v", report.CycleID, PresenceMessage(s.className, count))
	case wasPresent && count == 0:
		s.log.Infof("Cycle %v: %v", report.CycleID, LostMessage(s.className))
	default:
		s.log.Infof("Cycle %v: %v", report.CycleID, PresenceMessage(s.className, count))
	}
	return nil
}

// Multi sends each report to every sink, in order.
// Every sink runs even if an earlier one fails; the first error is returned.
type Multi []Sink

func (m Multi) Render(ctx context.Context, report *models.Report) error {
	var first error
	for _, s := range m {
		if err := s.Render(ctx, report); err != nil && first == nil {
			first = err
		}
	}
	return first
}
