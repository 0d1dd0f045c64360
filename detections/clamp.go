package detections

import (
	"github.com/Tutortoise/presence-detection-service/models"
)

// ClampToCanvas prepares a detection set for rendering. Every box is clipped
// to the canvas, and present reports whether anything was detected at all.
// The input slice is not modified.
func ClampToCanvas(set []models.Candidate, canvasWidth, canvasHeight int) (clamped []models.Candidate, present bool) {
	clamped = make([]models.Candidate, len(set))
	for i, c := range set {
		c.Rect = c.Rect.Clamp(float32(canvasWidth), float32(canvasHeight))
		clamped[i] = c
	}
	return clamped, len(clamped) != 0
}
