// Package liveness owns the per-connection verification session: it
// wires the vision extractors, the keyword buffer and the challenge
// manager into one frame/audio pipeline, enforces the attempt budget and
// produces the session's final outcome.
package liveness

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/abaumgartner/livegate/internal/challenge"
	"github.com/abaumgartner/livegate/internal/logging"
	"github.com/abaumgartner/livegate/internal/speech"
	"github.com/abaumgartner/livegate/internal/vision"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Params collects everything a new session needs. SpotterFactory builds
// the keyword-spotting collaborator bound to the session's event sink.
type Params struct {
	Code           string
	MaxAttempts    int
	Challenge      challenge.Config
	Blink          vision.BlinkConfig
	Pose           vision.PoseConfig
	SpotterFactory func(sink func(speech.KeywordEvent)) speech.Spotter
}

// Outcome is the resolved end state of a session.
type Outcome struct {
	Result   challenge.Result
	Duress   bool
	Attempts int
	EndedAt  time.Time
}

// RequesterResult collapses duress into a plain fail, so the result the
// requesting party sees never reveals that the subject signaled duress.
func (o Outcome) RequesterResult() challenge.Result {
	if o.Duress {
		return challenge.ResultFail
	}
	return o.Result
}

// Update is what one processed frame reports back to the transport.
type Update struct {
	Tick         challenge.Tick
	Attempt      int
	AttemptsLeft int
	// Retried is set on the frame where a failed or timed-out attempt
	// was consumed and another one remains.
	Retried bool
	// Final is non-nil once the session has resolved.
	Final *Outcome
}

// Session is one live verification run. All entry points are safe for
// concurrent use; the frame path and the audio path arrive on different
// goroutines.
type Session struct {
	ID   string
	Code string

	mu       sync.Mutex
	pose     *vision.PoseClassifier
	blinks   *vision.BlinkMonitor
	buffer   *speech.Buffer
	spotter  speech.Spotter
	mgr      *challenge.Manager
	attempts int
	max      int
	status   Status
	final    *Outcome

	startedAt      time.Time
	lastActivityAt time.Time

	closeOnce sync.Once
	log       *logrus.Entry
}

// NewSession builds a session for a claimed pairing code. The first
// challenge is issued lazily on the first processed frame.
func NewSession(p Params, now time.Time) *Session {
	s := &Session{
		ID:             uuid.NewString(),
		Code:           p.Code,
		pose:           vision.NewPoseClassifier(p.Pose),
		blinks:         vision.NewBlinkMonitor(p.Blink),
		buffer:         speech.NewBuffer(),
		max:            p.MaxAttempts,
		status:         StatusActive,
		startedAt:      now,
		lastActivityAt: now,
	}
	if s.max < 1 {
		s.max = 1
	}
	if p.SpotterFactory != nil {
		s.spotter = p.SpotterFactory(s.buffer.Store)
	}
	var targeter challenge.Targeter
	if s.spotter != nil {
		targeter = s.spotter
	}
	s.mgr = challenge.NewManager(p.Challenge, targeter, s.blinks)
	s.log = logging.Component("liveness").WithFields(logging.Fields{
		"session_id": s.ID,
		"code":       p.Code,
	})
	return s
}

// ProcessFrame runs one annotated frame through the pipeline and
// evaluates the active challenge against it.
func (s *Session) ProcessFrame(frame vision.Frame, faces vision.FaceLocator, marks vision.LandmarkProvider, now time.Time) Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = now

	if s.final != nil {
		return s.update(challenge.Tick{Result: s.final.Result, Duress: s.final.Duress})
	}
	if s.mgr.Active() == nil {
		s.issueLocked(now)
	}

	// Without a face the extractors see nothing this frame; the pose
	// label stays sticky and no blink advances. With a face but no
	// landmarks the face-box pose fallback still feeds the classifier.
	if face, ok := faces.Detect(frame); ok {
		if landmarks, ok := marks.Landmarks(frame, face); ok {
			if ear, ok := vision.AverageEAR(landmarks); ok {
				s.blinks.Process(ear, now)
			}
			if sample, ok := vision.SampleFromLandmarks(landmarks, face); ok {
				s.pose.Observe(sample)
			}
		} else if sample, ok := vision.SampleFromFace(face, frame); ok {
			s.pose.Observe(sample)
		}
	}

	heard, heardAt := s.buffer.Latest()
	tick := s.mgr.Update(s.pose.Current(), s.blinks.Counter(), heard, heardAt, now)
	if !tick.Result.Terminal() {
		return s.update(tick)
	}

	s.attempts++
	if tick.Result == challenge.ResultPass || tick.Duress || s.attempts >= s.max {
		s.finalizeLocked(tick.Result, tick.Duress, now)
		return s.update(tick)
	}

	// Attempt consumed, budget remains: the next frame starts a fresh
	// challenge.
	s.log.WithFields(logging.Fields{
		"result":  tick.Result,
		"attempt": s.attempts,
	}).Info("attempt failed, retrying")
	u := s.update(tick)
	u.Retried = true
	return u
}

// ProcessAudio forwards one audio chunk to the spotter.
func (s *Session) ProcessAudio(chunk speech.AudioChunk) error {
	s.mu.Lock()
	spotter := s.spotter
	if s.final == nil {
		s.lastActivityAt = chunk.At
	}
	s.mu.Unlock()
	if spotter == nil {
		return nil
	}
	return spotter.OnAudio(chunk)
}

// Restart abandons the in-flight challenge at the subject's request
// without consuming an attempt.
func (s *Session) Restart(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final != nil {
		return
	}
	s.mgr.Abandon()
	s.issueLocked(now)
}

// Abort resolves a still-active session as failed, e.g. when the
// transport drops or the registry evicts it for inactivity.
func (s *Session) Abort(result challenge.Result, now time.Time) *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final == nil {
		if s.attempts == 0 {
			s.attempts = 1
		}
		s.finalizeLocked(result, s.mgr.DuressDetected(), now)
	}
	out := *s.final
	return &out
}

// Close releases the spotter. Safe to call more than once and after the
// session resolved.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusEnded
		spotter := s.spotter
		s.mu.Unlock()
		if spotter != nil {
			err = spotter.Close()
		}
	})
	return err
}

// Final returns the outcome once resolved, nil while running.
func (s *Session) Final() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final == nil {
		return nil
	}
	out := *s.final
	return &out
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

func (s *Session) StartedAt() time.Time { return s.startedAt }

// Attempts returns how many attempts have been consumed so far.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) issueLocked(now time.Time) {
	s.buffer.Reset()
	s.pose.Reset()
	s.mgr.Issue(now)
}

func (s *Session) finalizeLocked(result challenge.Result, duress bool, now time.Time) {
	s.final = &Outcome{
		Result:   result,
		Duress:   duress,
		Attempts: s.attempts,
		EndedAt:  now,
	}
	s.status = StatusEnded
	s.log.WithFields(logging.Fields{
		"result":   result,
		"duress":   duress,
		"attempts": s.attempts,
	}).Info("session resolved")
}

func (s *Session) update(tick challenge.Tick) Update {
	left := s.max - s.attempts
	if left < 0 {
		left = 0
	}
	u := Update{
		Tick:         tick,
		Attempt:      s.attempts,
		AttemptsLeft: left,
	}
	if s.final != nil {
		out := *s.final
		u.Final = &out
	}
	return u
}
