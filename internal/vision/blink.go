package vision

import "time"

// BlinkState is the eye closure phase tracked by the monitor.
type BlinkState string

const (
	BlinkOpen    BlinkState = "open"
	BlinkClosing BlinkState = "closing"
	BlinkClosed  BlinkState = "closed"
	BlinkOpening BlinkState = "opening"
)

// BlinkConfig tunes the blink state machine.
type BlinkConfig struct {
	// EARThreshold is the eye-aspect ratio below which the eye counts
	// as closing/closed.
	EARThreshold float64
	// MinBlinkFrames is the minimum number of consecutive below-threshold
	// frames for a closure to count as a blink.
	MinBlinkFrames int
	// MinBlinkInterval is the minimum spacing between counted blinks.
	MinBlinkInterval time.Duration
	// ClosingDwell is how long the EAR must stay below threshold before
	// the state advances from closing to closed.
	ClosingDwell time.Duration
}

// BlinkMonitor turns a per-frame eye-aspect ratio into discrete blink
// events via a four-state hysteresis machine. The closing dwell filters
// single-frame EAR dips from landmark jitter; the inter-blink interval
// keeps one long squint from counting twice.
type BlinkMonitor struct {
	cfg         BlinkConfig
	state       BlinkState
	stateSince  time.Time
	framesBelow int
	counter     int
	lastBlink   time.Time
}

func NewBlinkMonitor(cfg BlinkConfig) *BlinkMonitor {
	if cfg.MinBlinkFrames < 1 {
		cfg.MinBlinkFrames = 1
	}
	return &BlinkMonitor{cfg: cfg, state: BlinkOpen}
}

// Process consumes one EAR sample and reports whether a blink completed
// on this frame.
func (m *BlinkMonitor) Process(ear float64, now time.Time) bool {
	if ear < m.cfg.EARThreshold {
		m.framesBelow++
		switch m.state {
		case BlinkOpen, BlinkOpening:
			m.state = BlinkClosing
			m.stateSince = now
		case BlinkClosing:
			if now.Sub(m.stateSince) > m.cfg.ClosingDwell {
				m.state = BlinkClosed
				m.stateSince = now
			}
		}
		return false
	}

	blinked := false
	if m.state == BlinkClosed &&
		m.framesBelow >= m.cfg.MinBlinkFrames &&
		(m.lastBlink.IsZero() || now.Sub(m.lastBlink) >= m.cfg.MinBlinkInterval) {
		m.counter++
		m.lastBlink = now
		blinked = true
	}

	// A closure that never reached closed was noise; drop straight back
	// to open without counting.
	if m.state == BlinkClosed {
		m.state = BlinkOpening
	} else {
		m.state = BlinkOpen
	}
	m.stateSince = now
	m.framesBelow = 0
	return blinked
}

// Counter returns the number of blinks counted since the last reset.
func (m *BlinkMonitor) Counter() int {
	return m.counter
}

// State returns the current closure phase.
func (m *BlinkMonitor) State() BlinkState {
	return m.state
}

// Reset zeroes the counter and returns to open. Called at the start of
// every new challenge attempt so stale blinks cannot satisfy it.
func (m *BlinkMonitor) Reset() {
	m.counter = 0
	m.framesBelow = 0
	m.state = BlinkOpen
	m.stateSince = time.Time{}
}
