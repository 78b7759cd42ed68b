package challenge

import (
	"testing"
	"time"

	"github.com/abaumgartner/livegate/internal/vision"
)

type fakeTargeter struct {
	targets []string
	resets  int
}

func (f *fakeTargeter) SetTarget(word string) { f.targets = append(f.targets, word) }
func (f *fakeTargeter) Reset()                { f.resets++ }

type fakeCounter struct{ resets int }

func (f *fakeCounter) Reset() { f.resets++ }

func testConfig() Config {
	return Config{
		Timeout:             10 * time.Second,
		ActionSpeechWindow:  2 * time.Second,
		BlinkCountThreshold: 2,
		Keywords:            []string{"clock", "book", "fish"},
		DuressKeyword:       "verify",
	}
}

func TestIssueRetargetsCollaborators(t *testing.T) {
	spotter := &fakeTargeter{}
	blinks := &fakeCounter{}
	m := NewManager(testConfig(), spotter, blinks)

	t0 := time.Unix(1000, 0)
	c := m.issue(ActionTurnLeft, "fish", t0)
	if c == nil || m.Active() != c {
		t.Fatalf("issue() did not install the challenge")
	}
	if got := c.Text(); got != "Turn left and say fish" {
		t.Fatalf("Text() = %q", got)
	}
	if len(spotter.targets) != 1 || spotter.targets[0] != "fish" {
		t.Fatalf("spotter targets = %v, want [fish]", spotter.targets)
	}
	if spotter.resets != 1 || blinks.resets != 1 {
		t.Fatalf("resets = (%d, %d), want (1, 1)", spotter.resets, blinks.resets)
	}
}

func TestIssueWhileActiveIsNoOp(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	t0 := time.Unix(1000, 0)
	first := m.issue(ActionTurnLeft, "fish", t0)
	second := m.Issue(t0.Add(time.Second))
	if second != first {
		t.Fatalf("Issue() while active returned a new challenge")
	}
}

func TestIssuePicksFromConfiguredPool(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	m.pick = func(n int) int { return n - 1 }
	c := m.Issue(time.Unix(1000, 0))
	if c.Action != ActionBlinkTwice {
		t.Fatalf("Action = %q, want %q", c.Action, ActionBlinkTwice)
	}
	if c.Keyword != "fish" {
		t.Fatalf("Keyword = %q, want fish", c.Keyword)
	}
}

func TestFusionPassWithinWindow(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	t0 := time.Unix(1000, 0)
	m.issue(ActionTurnLeft, "fish", t0)

	// Action alone keeps the challenge pending.
	tick := m.Update(vision.PoseLeft, 0, "", time.Time{}, t0.Add(time.Second))
	if !tick.Active || tick.Result != ResultPending {
		t.Fatalf("tick = %+v, want pending", tick)
	}
	if !tick.ActionDone || tick.WordDone {
		t.Fatalf("ActionDone/WordDone = %v/%v, want true/false", tick.ActionDone, tick.WordDone)
	}

	// Keyword spotted while the action still holds: pass.
	heardAt := t0.Add(2500 * time.Millisecond)
	tick = m.Update(vision.PoseLeft, 0, "fish", heardAt, heardAt)
	if tick.Active || tick.Result != ResultPass {
		t.Fatalf("tick = %+v, want pass", tick)
	}
	if m.Result() != ResultPass {
		t.Fatalf("Result() = %q, want pass", m.Result())
	}
}

func TestKeywordOutlivesActionWithinWindow(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	t0 := time.Unix(1000, 0)
	m.issue(ActionTurnRight, "book", t0)

	// Word first, face still centered.
	heardAt := t0.Add(time.Second)
	tick := m.Update(vision.PoseCenter, 0, "book", heardAt, heardAt)
	if tick.Result != ResultPending || !tick.WordDone {
		t.Fatalf("tick = %+v, want pending with word registered", tick)
	}

	// Action arrives 1.5s later, inside the 2s window: pass.
	tick = m.Update(vision.PoseRight, 0, "book", heardAt, heardAt.Add(1500*time.Millisecond))
	if tick.Result != ResultPass {
		t.Fatalf("Result = %q, want pass", tick.Result)
	}
}

func TestKeywordExpiresOutsideWindow(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	t0 := time.Unix(1000, 0)
	m.issue(ActionTurnRight, "book", t0)

	heardAt := t0.Add(time.Second)
	m.Update(vision.PoseCenter, 0, "book", heardAt, heardAt)

	// 2.5s after the event the registration is gone, and the buffered
	// event cannot re-register.
	tick := m.Update(vision.PoseRight, 0, "book", heardAt, heardAt.Add(2500*time.Millisecond))
	if tick.Result != ResultPending || tick.WordDone {
		t.Fatalf("tick = %+v, want pending with word expired", tick)
	}
}

func TestConsumedKeywordCannotPassNextChallenge(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	t0 := time.Unix(1000, 0)
	m.issue(ActionTurnLeft, "fish", t0)

	heardAt := t0.Add(time.Second)
	tick := m.Update(vision.PoseLeft, 0, "fish", heardAt, heardAt)
	if tick.Result != ResultPass {
		t.Fatalf("first challenge = %q, want pass", tick.Result)
	}

	// Same keyword reissued; the buffer still holds the consumed event.
	t1 := heardAt.Add(100 * time.Millisecond)
	m.issue(ActionTurnLeft, "fish", t1)
	tick = m.Update(vision.PoseLeft, 0, "fish", heardAt, t1.Add(500*time.Millisecond))
	if tick.Result != ResultPending || tick.WordDone {
		t.Fatalf("tick = %+v, want pending without replayed word", tick)
	}

	// A genuinely new utterance passes.
	newAt := t1.Add(time.Second)
	tick = m.Update(vision.PoseLeft, 0, "fish", newAt, newAt)
	if tick.Result != ResultPass {
		t.Fatalf("fresh utterance = %q, want pass", tick.Result)
	}
}

func TestDuressFailsEvenWhenChallengeSatisfied(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	t0 := time.Unix(1000, 0)
	m.issue(ActionTurnLeft, "fish", t0)

	heardAt := t0.Add(time.Second)
	tick := m.Update(vision.PoseLeft, 0, "verify", heardAt, heardAt)
	if tick.Result != ResultFail || !tick.Duress {
		t.Fatalf("tick = %+v, want duress fail", tick)
	}
	if !m.DuressDetected() {
		t.Fatalf("DuressDetected() = false, want true")
	}
}

func TestBlinkActionThreshold(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	t0 := time.Unix(1000, 0)
	m.issue(ActionBlinkTwice, "clock", t0)

	tick := m.Update(vision.PoseCenter, 1, "", time.Time{}, t0.Add(time.Second))
	if tick.ActionDone {
		t.Fatalf("one blink satisfied a blink-twice challenge")
	}
	if tick.BlinkDone {
		t.Fatalf("BlinkDone = true below the blink threshold")
	}
	tick = m.Update(vision.PoseCenter, 2, "", time.Time{}, t0.Add(2*time.Second))
	if !tick.ActionDone {
		t.Fatalf("two blinks did not satisfy the blink action")
	}
	if !tick.BlinkDone {
		t.Fatalf("BlinkDone = false at the blink threshold")
	}
}

func TestTimeoutResolvesChallenge(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	t0 := time.Unix(1000, 0)
	m.issue(ActionLookUp, "clock", t0)

	if got := m.TimeRemaining(t0.Add(4 * time.Second)); got != 6*time.Second {
		t.Fatalf("TimeRemaining() = %v, want 6s", got)
	}

	tick := m.Update(vision.PoseUp, 0, "", time.Time{}, t0.Add(10*time.Second))
	if tick.Result != ResultTimedOut || tick.Active {
		t.Fatalf("tick = %+v, want timed_out", tick)
	}
	if m.Active() != nil {
		t.Fatalf("Active() != nil after timeout")
	}
	if m.TimeRemaining(t0.Add(11*time.Second)) != 0 {
		t.Fatalf("TimeRemaining() after resolve != 0")
	}
}

func TestUpdateWithoutActiveChallengeIsNoOp(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	tick := m.Update(vision.PoseLeft, 5, "fish", time.Unix(1000, 0), time.Unix(1000, 1))
	if tick.Active || tick.Result != ResultPending {
		t.Fatalf("tick = %+v, want inactive pending", tick)
	}
}
