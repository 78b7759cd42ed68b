package speech

import (
	"sync"
	"time"
)

// ScriptedSpotter is a test double that records the calls the core makes
// and lets tests inject keyword events directly.
type ScriptedSpotter struct {
	mu      sync.Mutex
	sink    func(KeywordEvent)
	Targets []string
	Resets  int
	Chunks  int
	Closes  int
}

func NewScriptedSpotter(sink func(KeywordEvent)) *ScriptedSpotter {
	return &ScriptedSpotter{sink: sink}
}

func (s *ScriptedSpotter) SetTarget(word string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Targets = append(s.Targets, word)
}

func (s *ScriptedSpotter) OnAudio(AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Chunks++
	return nil
}

func (s *ScriptedSpotter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
}

func (s *ScriptedSpotter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closes++
	return nil
}

// Recognize injects a keyword occurrence as if the engine had spotted it.
func (s *ScriptedSpotter) Recognize(word string, at time.Time) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(KeywordEvent{Word: word, Time: at})
	}
}

// LastTarget returns the most recently set target word, or "".
func (s *ScriptedSpotter) LastTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Targets) == 0 {
		return ""
	}
	return s.Targets[len(s.Targets)-1]
}
