package vision

// Pose is a discrete head orientation label.
type Pose string

const (
	PoseCenter Pose = "center"
	PoseLeft   Pose = "left"
	PoseRight  Pose = "right"
	PoseUp     Pose = "up"
	PoseDown   Pose = "down"
)

// PoseSample is one frame's head measurements: the nose-to-eye horizontal
// distance ratio (neutral 1.0) and the nose offset from the face vertical
// center in pixels (negative is above center).
type PoseSample struct {
	Ratio          float64
	VerticalOffset float64
}

// PoseConfig tunes the classifier. HorizontalThreshold is a symmetric
// deviation from 1.0; Up/DownThreshold are pixel offsets; WindowSize is
// the smoothing window length.
type PoseConfig struct {
	HorizontalThreshold float64
	UpThreshold         float64
	DownThreshold       float64
	WindowSize          int
}

// PoseClassifier smooths per-frame samples over a fixed-length ring
// buffer and maps the window mean to a pose label. Output is sticky: the
// previous label is repeated until the window refills, so detector
// jitter and the frames right after a reset never surface as "unknown".
type PoseClassifier struct {
	cfg     PoseConfig
	window  []PoseSample
	next    int
	filled  int
	current Pose
}

func NewPoseClassifier(cfg PoseConfig) *PoseClassifier {
	if cfg.WindowSize < 2 {
		cfg.WindowSize = 2
	}
	return &PoseClassifier{
		cfg:     cfg,
		window:  make([]PoseSample, cfg.WindowSize),
		current: PoseCenter,
	}
}

// Observe appends one sample and returns the (possibly unchanged) pose.
func (c *PoseClassifier) Observe(s PoseSample) Pose {
	c.window[c.next] = s
	c.next = (c.next + 1) % len(c.window)
	if c.filled < len(c.window) {
		c.filled++
	}
	if c.filled < len(c.window) {
		return c.current
	}

	var ratio, offset float64
	for _, w := range c.window {
		ratio += w.Ratio
		offset += w.VerticalOffset
	}
	ratio /= float64(len(c.window))
	offset /= float64(len(c.window))

	// Ordered checks: horizontal dominates vertical, and a mean exactly
	// on a band edge stays center.
	switch {
	case ratio > 1+c.cfg.HorizontalThreshold:
		c.current = PoseRight
	case ratio < 1-c.cfg.HorizontalThreshold:
		c.current = PoseLeft
	case offset < -c.cfg.UpThreshold:
		c.current = PoseUp
	case offset > c.cfg.DownThreshold:
		c.current = PoseDown
	default:
		c.current = PoseCenter
	}
	return c.current
}

// Current returns the last computed pose without consuming a sample.
func (c *PoseClassifier) Current() Pose {
	return c.current
}

// Reset empties the window and returns the label to center.
func (c *PoseClassifier) Reset() {
	c.next = 0
	c.filled = 0
	c.current = PoseCenter
}

// SampleFromFace derives a pose sample from the face box position alone,
// used when a face was located but the landmark set is missing. The
// horizontal offset of the face center from the frame center maps onto
// the same ratio scale the landmark variant produces (neutral 1.0).
func SampleFromFace(face Rect, frame Frame) (PoseSample, bool) {
	if frame.Width <= 0 || frame.Height <= 0 || face.W <= 0 || face.H <= 0 {
		return PoseSample{}, false
	}
	faceCX := float64(face.X) + float64(face.W)/2
	faceCY := float64(face.Y) + float64(face.H)/2
	dx := (faceCX - float64(frame.Width)/2) / (float64(frame.Width) / 2)
	// A face left of frame center lands below the neutral ratio, the
	// same side of the band the landmark variant reports for "left".
	return PoseSample{
		Ratio:          1 + dx,
		VerticalOffset: faceCY - float64(frame.Height)/2,
	}, true
}

// SampleFromLandmarks derives a pose sample from the nose tip, the outer
// eye corners and the face box vertical center.
func SampleFromLandmarks(landmarks []Point, face Rect) (PoseSample, bool) {
	if len(landmarks) < LandmarkCount {
		return PoseSample{}, false
	}
	nose := landmarks[noseTipIndex]
	leftEye := landmarks[leftEyeOuterIndex]
	rightEye := landmarks[rightEyeOuterIndex]

	leftDist := dist(nose, leftEye)
	rightDist := dist(nose, rightEye)
	ratio := 1.0
	if leftDist != 0 {
		ratio = rightDist / leftDist
	}

	faceCenterY := float64(face.Y) + float64(face.H)/2
	return PoseSample{
		Ratio:          ratio,
		VerticalOffset: nose.Y - faceCenterY,
	}, true
}
