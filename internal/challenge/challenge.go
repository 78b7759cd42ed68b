// Package challenge implements the liveness challenge-response state
// machine: it issues randomized action+keyword challenges and fuses
// head-pose, blink and keyword signals into a pass/fail/timeout decision.
package challenge

import (
	"time"

	"github.com/abaumgartner/livegate/internal/vision"
)

// Action is a physical action the subject must perform.
type Action string

const (
	ActionTurnLeft   Action = "turn_left"
	ActionTurnRight  Action = "turn_right"
	ActionLookUp     Action = "look_up"
	ActionLookDown   Action = "look_down"
	ActionBlinkTwice Action = "blink_twice"
)

// Actions lists every issuable action.
var Actions = []Action{
	ActionTurnLeft,
	ActionTurnRight,
	ActionLookUp,
	ActionLookDown,
	ActionBlinkTwice,
}

// Phrase returns the human-readable instruction for the action.
func (a Action) Phrase() string {
	switch a {
	case ActionTurnLeft:
		return "Turn left"
	case ActionTurnRight:
		return "Turn right"
	case ActionLookUp:
		return "Look up"
	case ActionLookDown:
		return "Look down"
	case ActionBlinkTwice:
		return "Blink twice"
	default:
		return string(a)
	}
}

// matches reports whether the action is being performed right now given
// the current pose label and blink count.
func (a Action) matches(pose vision.Pose, blinkCount, blinkThreshold int) bool {
	switch a {
	case ActionTurnLeft:
		return pose == vision.PoseLeft
	case ActionTurnRight:
		return pose == vision.PoseRight
	case ActionLookUp:
		return pose == vision.PoseUp
	case ActionLookDown:
		return pose == vision.PoseDown
	case ActionBlinkTwice:
		return blinkCount >= blinkThreshold
	default:
		return false
	}
}

// Result is the outcome of one challenge attempt.
type Result string

const (
	ResultPending  Result = "pending"
	ResultPass     Result = "pass"
	ResultFail     Result = "fail"
	ResultTimedOut Result = "timed_out"
)

// Terminal reports whether the result resolves the attempt.
func (r Result) Terminal() bool {
	return r == ResultPass || r == ResultFail || r == ResultTimedOut
}

// Challenge is one issued action+keyword pair with its timing state.
type Challenge struct {
	Action   Action
	Keyword  string
	IssuedAt time.Time
	Timeout  time.Duration

	// ActionCompletedAt is when the action was first observed happening.
	ActionCompletedAt time.Time
	// KeywordDetectedAt is the spotter event time of the registered
	// keyword occurrence.
	KeywordDetectedAt time.Time
	// ConsumedKeywordAt marks the occurrence a pass consumed, so the
	// same detection can never satisfy a second evaluation.
	ConsumedKeywordAt time.Time

	Result Result
}

// Text composes the instruction shown to the subject. String composition
// happens only here; evaluation works on the typed fields.
func (c *Challenge) Text() string {
	return c.Action.Phrase() + " and say " + c.Keyword
}
