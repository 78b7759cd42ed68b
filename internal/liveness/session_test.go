package liveness

import (
	"testing"
	"time"

	"github.com/abaumgartner/livegate/internal/challenge"
	"github.com/abaumgartner/livegate/internal/speech"
	"github.com/abaumgartner/livegate/internal/vision"
)

// testParams pins the issued challenge to "turn left and say fish" by
// forcing every random pick to index zero.
func testParams(spotters *[]*speech.ScriptedSpotter) Params {
	return Params{
		Code:        "123456",
		MaxAttempts: 3,
		Challenge: challenge.Config{
			Timeout:             10 * time.Second,
			ActionSpeechWindow:  2 * time.Second,
			BlinkCountThreshold: 2,
			Keywords:            []string{"fish"},
			DuressKeyword:       "verify",
			Pick:                func(int) int { return 0 },
		},
		Blink: vision.BlinkConfig{
			EARThreshold:     0.25,
			MinBlinkFrames:   1,
			MinBlinkInterval: 200 * time.Millisecond,
			ClosingDwell:     50 * time.Millisecond,
		},
		Pose: vision.PoseConfig{
			HorizontalThreshold: 0.4,
			UpThreshold:         15,
			DownThreshold:       30,
			WindowSize:          2,
		},
		SpotterFactory: func(sink func(speech.KeywordEvent)) speech.Spotter {
			sp := speech.NewScriptedSpotter(sink)
			*spotters = append(*spotters, sp)
			return sp
		},
	}
}

// landmarksWithNose builds a full landmark set with open eyes, the outer
// eye corners at x=0 and x=100 and the nose tip at the given x.
func landmarksWithNose(noseX float64) []vision.Point {
	pts := make([]vision.Point, vision.LandmarkCount)
	left := []vision.Point{{X: 0, Y: 100}, {X: 10, Y: 95}, {X: 20, Y: 95}, {X: 30, Y: 100}, {X: 20, Y: 105}, {X: 10, Y: 105}}
	right := []vision.Point{{X: 70, Y: 100}, {X: 80, Y: 95}, {X: 90, Y: 95}, {X: 100, Y: 100}, {X: 90, Y: 105}, {X: 80, Y: 105}}
	copy(pts[36:42], left)
	copy(pts[42:48], right)
	pts[30] = vision.Point{X: noseX, Y: 100}
	return pts
}

func annotated(noseX float64) vision.Annotations {
	face := vision.Rect{X: 0, Y: 50, W: 100, H: 100}
	return vision.Annotations{Face: &face, Points: landmarksWithNose(noseX)}
}

var (
	centerFace = annotated(50)
	leftFace   = annotated(90) // nose near the right eye corner: ratio well below the band
)

func frameAt(at time.Time) vision.Frame {
	return vision.Frame{Width: 640, Height: 480, CapturedAt: at}
}

func processFrame(s *Session, ann vision.Annotations, at time.Time) Update {
	return s.ProcessFrame(frameAt(at), ann, ann, at)
}

func TestSessionPassFlow(t *testing.T) {
	var spotters []*speech.ScriptedSpotter
	t0 := time.Unix(1000, 0)
	s := NewSession(testParams(&spotters), t0)
	defer s.Close()

	u := processFrame(s, leftFace, t0)
	if !u.Tick.Active || u.Tick.Result != challenge.ResultPending {
		t.Fatalf("first frame = %+v, want active pending", u.Tick)
	}
	if want := "Turn left and say fish"; u.Tick.Text != want {
		t.Fatalf("Text = %q, want %q", u.Tick.Text, want)
	}
	if len(spotters) != 1 || spotters[0].LastTarget() != "fish" {
		t.Fatalf("spotter not retargeted to fish")
	}

	// Second left frame fills the smoothing window.
	u = processFrame(s, leftFace, t0.Add(100*time.Millisecond))
	if !u.Tick.ActionDone || u.Tick.WordDone {
		t.Fatalf("ActionDone/WordDone = %v/%v, want true/false", u.Tick.ActionDone, u.Tick.WordDone)
	}

	spotters[0].Recognize("fish", t0.Add(200*time.Millisecond))
	u = processFrame(s, leftFace, t0.Add(300*time.Millisecond))
	if u.Tick.Result != challenge.ResultPass {
		t.Fatalf("Result = %q, want pass", u.Tick.Result)
	}
	if u.Final == nil || u.Final.Result != challenge.ResultPass || u.Final.Attempts != 1 {
		t.Fatalf("Final = %+v, want pass in one attempt", u.Final)
	}
	if s.Status() != StatusEnded {
		t.Fatalf("Status() = %q, want ended", s.Status())
	}
}

func TestSessionRetriesThenExhaustsAttempts(t *testing.T) {
	var spotters []*speech.ScriptedSpotter
	p := testParams(&spotters)
	p.MaxAttempts = 2
	p.Challenge.Timeout = time.Second
	t0 := time.Unix(1000, 0)
	s := NewSession(p, t0)
	defer s.Close()

	processFrame(s, centerFace, t0)
	u := processFrame(s, centerFace, t0.Add(time.Second))
	if u.Tick.Result != challenge.ResultTimedOut || !u.Retried {
		t.Fatalf("first timeout = %+v, want retried timed_out", u)
	}
	if u.Final != nil {
		t.Fatalf("Final set with an attempt remaining")
	}
	if u.AttemptsLeft != 1 {
		t.Fatalf("AttemptsLeft = %d, want 1", u.AttemptsLeft)
	}

	// Next frame starts attempt two.
	u = processFrame(s, centerFace, t0.Add(1100*time.Millisecond))
	if !u.Tick.Active || u.Tick.Result != challenge.ResultPending {
		t.Fatalf("reissue frame = %+v, want active pending", u.Tick)
	}

	u = processFrame(s, centerFace, t0.Add(2200*time.Millisecond))
	if u.Tick.Result != challenge.ResultTimedOut || u.Retried {
		t.Fatalf("second timeout = %+v, want final timed_out", u)
	}
	if u.Final == nil || u.Final.Result != challenge.ResultTimedOut || u.Final.Attempts != 2 {
		t.Fatalf("Final = %+v, want timed_out after two attempts", u.Final)
	}
}

func TestSessionDuressEndsImmediately(t *testing.T) {
	var spotters []*speech.ScriptedSpotter
	t0 := time.Unix(1000, 0)
	s := NewSession(testParams(&spotters), t0)
	defer s.Close()

	processFrame(s, centerFace, t0)
	spotters[0].Recognize("verify", t0.Add(time.Second))
	u := processFrame(s, centerFace, t0.Add(1100*time.Millisecond))
	if u.Final == nil || u.Final.Result != challenge.ResultFail || !u.Final.Duress {
		t.Fatalf("Final = %+v, want duress fail", u.Final)
	}
	// The requesting party must not learn about the duress signal.
	if got := u.Final.RequesterResult(); got != challenge.ResultFail {
		t.Fatalf("RequesterResult() = %q, want fail", got)
	}
}

func TestSessionFaceBoxFallbackDrivesPose(t *testing.T) {
	var spotters []*speech.ScriptedSpotter
	t0 := time.Unix(1000, 0)
	s := NewSession(testParams(&spotters), t0)
	defer s.Close()

	// A face box well left of frame center, no landmarks shipped: the
	// pose signal must come from the box position alone.
	leftBox := vision.Rect{X: 40, Y: 190, W: 100, H: 100}
	boxOnly := vision.Annotations{Face: &leftBox}

	processFrame(s, boxOnly, t0)
	u := processFrame(s, boxOnly, t0.Add(100*time.Millisecond))
	if !u.Tick.ActionDone {
		t.Fatalf("ActionDone = false, want turn-left satisfied from the face box")
	}

	spotters[0].Recognize("fish", t0.Add(200*time.Millisecond))
	u = processFrame(s, boxOnly, t0.Add(300*time.Millisecond))
	if u.Tick.Result != challenge.ResultPass {
		t.Fatalf("Result = %q, want pass", u.Tick.Result)
	}
}

func TestSessionWithoutFaceStaysPending(t *testing.T) {
	var spotters []*speech.ScriptedSpotter
	t0 := time.Unix(1000, 0)
	s := NewSession(testParams(&spotters), t0)
	defer s.Close()

	empty := vision.Annotations{}
	for i := 0; i < 5; i++ {
		u := processFrame(s, empty, t0.Add(time.Duration(i)*100*time.Millisecond))
		if u.Tick.ActionDone || u.Tick.Result != challenge.ResultPending {
			t.Fatalf("frame %d = %+v, want pending without action", i, u.Tick)
		}
	}
}

func TestSessionRestartKeepsAttemptBudget(t *testing.T) {
	var spotters []*speech.ScriptedSpotter
	t0 := time.Unix(1000, 0)
	s := NewSession(testParams(&spotters), t0)
	defer s.Close()

	processFrame(s, centerFace, t0)
	s.Restart(t0.Add(time.Second))
	if s.Attempts() != 0 {
		t.Fatalf("Attempts() = %d after restart, want 0", s.Attempts())
	}
	u := processFrame(s, centerFace, t0.Add(1100*time.Millisecond))
	if !u.Tick.Active {
		t.Fatalf("no active challenge after restart")
	}
}

func TestSessionCloseReleasesSpotterOnce(t *testing.T) {
	var spotters []*speech.ScriptedSpotter
	s := NewSession(testParams(&spotters), time.Unix(1000, 0))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if spotters[0].Closes != 1 {
		t.Fatalf("spotter Closes = %d, want 1", spotters[0].Closes)
	}
}

func TestSessionAbortResolvesAsFailure(t *testing.T) {
	var spotters []*speech.ScriptedSpotter
	t0 := time.Unix(1000, 0)
	s := NewSession(testParams(&spotters), t0)
	defer s.Close()

	processFrame(s, centerFace, t0)
	out := s.Abort(challenge.ResultTimedOut, t0.Add(time.Minute))
	if out.Result != challenge.ResultTimedOut || out.Attempts != 1 {
		t.Fatalf("Abort outcome = %+v", out)
	}
	if s.Final() == nil {
		t.Fatalf("Final() = nil after abort")
	}
}
