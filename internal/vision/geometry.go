// Package vision holds the per-frame signal extractors for liveness
// verification: head-pose classification over a smoothed sample window
// and blink detection over an eye-aspect-ratio state machine.
//
// Face localization and landmark extraction are collaborator concerns;
// this package consumes a face box and 68 dlib-convention landmark
// points and never touches pixels.
package vision

import (
	"math"
	"time"
)

// Point is a 2D landmark coordinate in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is a face bounding box in frame pixels.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Frame describes one captured video frame as seen by the core. Pixel
// data stays with the collaborators that produced the annotations.
type Frame struct {
	Width      int
	Height     int
	CapturedAt time.Time
}

// Landmark index conventions for the 68-point dlib model.
const (
	LandmarkCount = 68

	leftEyeStart  = 36
	leftEyeEnd    = 42
	rightEyeStart = 42
	rightEyeEnd   = 48

	noseTipIndex       = 30
	leftEyeOuterIndex  = 36
	rightEyeOuterIndex = 45
)

// FaceLocator finds the dominant face in a frame.
type FaceLocator interface {
	Detect(f Frame) (Rect, bool)
}

// LandmarkProvider extracts the 68 landmark points for a located face.
type LandmarkProvider interface {
	Landmarks(f Frame, face Rect) ([]Point, bool)
}

// Annotations adapts collaborator output that arrived with the frame
// (the verifier client runs the geometric face model and ships its
// results alongside the pixels) into the locator/landmark interfaces.
type Annotations struct {
	Face   *Rect
	Points []Point
}

func (a Annotations) Detect(Frame) (Rect, bool) {
	if a.Face == nil {
		return Rect{}, false
	}
	return *a.Face, true
}

func (a Annotations) Landmarks(Frame, Rect) ([]Point, bool) {
	if len(a.Points) < LandmarkCount {
		return nil, false
	}
	return a.Points, true
}

// EyeAspectRatio computes (‖p2−p6‖ + ‖p3−p5‖) / (2·‖p1−p4‖) for one
// eye contour. A degenerate horizontal distance yields 0.
func EyeAspectRatio(eye []Point) float64 {
	if len(eye) < 6 {
		return 0
	}
	a := dist(eye[1], eye[5])
	b := dist(eye[2], eye[4])
	c := dist(eye[0], eye[3])
	if c == 0 {
		return 0
	}
	return (a + b) / (2 * c)
}

// AverageEAR returns the mean eye-aspect ratio over both eyes from a
// full 68-point landmark set.
func AverageEAR(landmarks []Point) (float64, bool) {
	if len(landmarks) < LandmarkCount {
		return 0, false
	}
	left := EyeAspectRatio(landmarks[leftEyeStart:leftEyeEnd])
	right := EyeAspectRatio(landmarks[rightEyeStart:rightEyeEnd])
	return (left + right) / 2, true
}

func dist(p, q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}
