package detections

// ChannelOrder maps tensor planes to byte offsets inside an RGBA pixel.
// Plane 0 is red, then green, then blue, which is what ultralytics exports
// (YOLOv5/v8/11) were trained on.
var ChannelOrder = [3]int{0, 1, 2}

// MaxIntensity is the divisor that maps an 8-bit channel onto [0,1].
const MaxIntensity = 255.0

const (
	// Feature indices shared by both output layouts
	featureCX = 0
	featureCY = 1
	featureW  = 2
	featureH  = 3

	boxFeatures    = 4 // cx, cy, w, h
	recordFeatures = 5 // cx, cy, w, h, objectness
)
