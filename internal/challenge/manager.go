package challenge

import (
	"math/rand"
	"time"

	"github.com/abaumgartner/livegate/internal/logging"
	"github.com/abaumgartner/livegate/internal/vision"
	"github.com/sirupsen/logrus"
)

// Config carries the tunables for challenge issuance and evaluation.
type Config struct {
	// Timeout bounds how long one challenge may stay unresolved.
	Timeout time.Duration
	// ActionSpeechWindow is how long a spotted keyword stays usable for
	// fusion, measured from the spotter's event timestamp.
	ActionSpeechWindow time.Duration
	// BlinkCountThreshold is the blink count that satisfies the blink
	// action.
	BlinkCountThreshold int
	// Keywords is the issuable pool. Reserved words must already be
	// filtered out by the caller.
	Keywords []string
	// DuressKeyword fails the attempt immediately and flags duress.
	DuressKeyword string
	// Pick overrides the random index source. Nil means crypto-quality
	// randomness is not required and math/rand is used.
	Pick func(n int) int
}

// Targeter is the slice of the spotter the manager drives: it points the
// engine at the new target word and clears utterance state on issue.
type Targeter interface {
	SetTarget(word string)
	Reset()
}

// Resetter zeroes a per-challenge counter, typically the blink monitor.
type Resetter interface {
	Reset()
}

// Tick is the evaluation outcome the manager reports after every update.
type Tick struct {
	Active     bool
	Text       string
	ActionDone bool
	WordDone   bool
	// BlinkDone reports the blink-count threshold independently of the
	// challenge action, so clients can show blink progress on any
	// challenge.
	BlinkDone     bool
	Result        Result
	Duress        bool
	TimeRemaining time.Duration
}

// Manager owns the single active challenge of a session and fuses the
// per-tick signals into a result. It is not safe for concurrent use; the
// owning session serializes access.
type Manager struct {
	cfg     Config
	spotter Targeter
	blinks  Resetter
	log     *logrus.Entry

	active *Challenge
	result Result
	duress bool

	// consumedEventAt is the spotter event time the last pass consumed.
	// It outlives the challenge so a stale recognition can never satisfy
	// a later one.
	consumedEventAt time.Time
	// registeredAt is the event time of the newest occurrence seen, kept
	// across challenges so re-delivery of an already-seen event cannot
	// register for a new challenge.
	registeredAt time.Time

	pick func(n int) int
}

// NewManager builds a manager. spotter and blinks may be nil when the
// session wires those signals in some other way.
func NewManager(cfg Config, spotter Targeter, blinks Resetter) *Manager {
	pick := cfg.Pick
	if pick == nil {
		pick = rand.Intn
	}
	return &Manager{
		cfg:     cfg,
		spotter: spotter,
		blinks:  blinks,
		log:     logging.Component("challenge"),
		result:  ResultPending,
		pick:    pick,
	}
}

// Issue starts a new randomized challenge. While one is active it is a
// no-op returning the active challenge; callers resolve before reissuing.
func (m *Manager) Issue(now time.Time) *Challenge {
	if m.active != nil {
		m.log.Warn("issue requested while a challenge is active")
		return m.active
	}
	if len(m.cfg.Keywords) == 0 {
		m.log.Error("no issuable keywords configured")
		return nil
	}
	action := Actions[m.pick(len(Actions))]
	keyword := m.cfg.Keywords[m.pick(len(m.cfg.Keywords))]
	return m.issue(action, keyword, now)
}

// issue installs a specific challenge. Split from Issue so tests can pin
// the action and keyword.
func (m *Manager) issue(action Action, keyword string, now time.Time) *Challenge {
	c := &Challenge{
		Action:   action,
		Keyword:  keyword,
		IssuedAt: now,
		Timeout:  m.cfg.Timeout,
		Result:   ResultPending,
	}
	m.active = c
	m.result = ResultPending
	if m.spotter != nil {
		m.spotter.Reset()
		m.spotter.SetTarget(keyword)
	}
	if m.blinks != nil {
		m.blinks.Reset()
	}
	m.log.WithFields(logging.Fields{
		"action":  action,
		"keyword": keyword,
	}).Info("challenge issued")
	return c
}

// Abandon discards the active challenge without recording a result, so
// the next Issue starts clean. Used by the client-requested restart.
func (m *Manager) Abandon() {
	if m.active == nil {
		return
	}
	m.active = nil
	m.result = ResultPending
	if m.spotter != nil {
		m.spotter.Reset()
	}
	m.log.Info("challenge abandoned")
}

// Active returns the challenge in flight, or nil.
func (m *Manager) Active() *Challenge { return m.active }

// Result returns the outcome of the most recently resolved challenge.
func (m *Manager) Result() Result { return m.result }

// DuressDetected reports whether any challenge of this manager ended in
// duress. The flag is sticky for the life of the session.
func (m *Manager) DuressDetected() bool { return m.duress }

// TimeRemaining returns how long the active challenge has left, zero
// when none is active or the deadline has passed.
func (m *Manager) TimeRemaining(now time.Time) time.Duration {
	if m.active == nil {
		return 0
	}
	left := m.cfg.Timeout - now.Sub(m.active.IssuedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Update evaluates one tick. pose and blinkCount come from the frame
// path, heard/heardAt from the keyword buffer. Evaluation order is
// fixed: timeout, then duress, then action, then keyword, then fusion.
func (m *Manager) Update(pose vision.Pose, blinkCount int, heard string, heardAt, now time.Time) Tick {
	c := m.active
	if c == nil {
		return Tick{Result: m.result, Duress: m.duress}
	}

	tick := Tick{
		Active:        true,
		Text:          c.Text(),
		Result:        ResultPending,
		Duress:        m.duress,
		TimeRemaining: m.TimeRemaining(now),
	}

	if now.Sub(c.IssuedAt) >= m.cfg.Timeout {
		m.resolve(c, ResultTimedOut)
		tick.Active = false
		tick.Result = ResultTimedOut
		tick.TimeRemaining = 0
		return tick
	}

	if heard != "" && heard == m.cfg.DuressKeyword && m.freshEvent(heardAt) {
		m.registeredAt = heardAt
		m.duress = true
		m.resolve(c, ResultFail)
		tick.Active = false
		tick.Result = ResultFail
		tick.Duress = true
		m.log.Warn("duress keyword detected")
		return tick
	}

	actionNow := c.Action.matches(pose, blinkCount, m.cfg.BlinkCountThreshold)
	if actionNow && c.ActionCompletedAt.IsZero() {
		c.ActionCompletedAt = now
	}
	tick.ActionDone = actionNow
	tick.BlinkDone = blinkCount >= m.cfg.BlinkCountThreshold

	// Register a new occurrence of the target word. An event already
	// consumed by a pass, or already registered, never re-registers.
	if heard == c.Keyword && m.freshEvent(heardAt) {
		m.registeredAt = heardAt
		c.KeywordDetectedAt = heardAt
	}
	// Expire a registration that slid out of the fusion window. The
	// occurrence is gone for good; only a fresh recognition can restore
	// the word signal.
	if !c.KeywordDetectedAt.IsZero() && now.Sub(c.KeywordDetectedAt) > m.cfg.ActionSpeechWindow {
		c.KeywordDetectedAt = time.Time{}
	}
	tick.WordDone = !c.KeywordDetectedAt.IsZero()

	if tick.ActionDone && tick.WordDone {
		c.ConsumedKeywordAt = c.KeywordDetectedAt
		m.consumedEventAt = c.KeywordDetectedAt
		m.resolve(c, ResultPass)
		tick.Active = false
		tick.Result = ResultPass
		return tick
	}
	return tick
}

// freshEvent reports whether a spotter event timestamp is strictly newer
// than everything already registered or consumed.
func (m *Manager) freshEvent(at time.Time) bool {
	if at.IsZero() {
		return false
	}
	return at.After(m.registeredAt) && at.After(m.consumedEventAt)
}

func (m *Manager) resolve(c *Challenge, r Result) {
	c.Result = r
	m.result = r
	m.active = nil
	if m.spotter != nil {
		m.spotter.Reset()
	}
	m.log.WithFields(logging.Fields{
		"action":  c.Action,
		"keyword": c.Keyword,
		"result":  r,
	}).Info("challenge resolved")
}
