package speech

import (
	"strings"
	"sync"
	"time"

	"github.com/abaumgartner/livegate/internal/logging"
	"github.com/sirupsen/logrus"
)

// repeatDebounce suppresses the same non-target word re-recognized in
// quick succession, which keyword spotters produce while a word is still
// being spoken.
const repeatDebounce = time.Second

// TranscriptSpotter scans recognized-text chunks for the target word and
// the configured keyword set. It stands in for a full acoustic keyword
// spotter when the verifier client runs recognition locally and ships
// transcripts with its audio.
type TranscriptSpotter struct {
	mu       sync.Mutex
	target   string
	keywords []string
	duress   string
	noise    string
	sink     func(KeywordEvent)
	lastWord string
	lastAt   time.Time
	closed   bool
	log      *logrus.Entry
}

// NewTranscriptSpotter builds a spotter over the given keyword set that
// delivers events to sink. The duress word takes precedence over every
// other match in a chunk; the noise word is never delivered.
func NewTranscriptSpotter(keywords []string, duressWord, noiseWord string, sink func(KeywordEvent)) *TranscriptSpotter {
	lowered := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			lowered = append(lowered, kw)
		}
	}
	return &TranscriptSpotter{
		keywords: lowered,
		duress:   strings.ToLower(strings.TrimSpace(duressWord)),
		noise:    strings.ToLower(strings.TrimSpace(noiseWord)),
		sink:     sink,
		log:      logging.Component("speech"),
	}
}

func (s *TranscriptSpotter) SetTarget(word string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = strings.ToLower(strings.TrimSpace(word))
}

// OnAudio scans one chunk's transcript. Chunks without a transcript are
// accepted and ignored; a server-side acoustic engine would consume the
// PCM instead.
func (s *TranscriptSpotter) OnAudio(chunk AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	text := strings.ToLower(strings.TrimSpace(chunk.Transcript))
	if text == "" {
		return nil
	}
	at := chunk.At
	if at.IsZero() {
		at = time.Now()
	}

	// The duress word outranks everything, including the active target:
	// a chunk carrying both must surface duress, or a subject saying the
	// duress word alongside the challenge word would still pass.
	if s.duress != "" && containsWord(text, s.duress) {
		s.emit(s.duress, at)
		return nil
	}

	// The active target wins over the general keyword scan.
	if s.target != "" && containsWord(text, s.target) {
		s.emit(s.target, at)
		return nil
	}

	for _, kw := range s.keywords {
		if !containsWord(text, kw) {
			continue
		}
		if kw == s.noise {
			s.log.WithField("word", kw).Debug("noise word ignored")
			return nil
		}
		if kw == s.lastWord && at.Sub(s.lastAt) <= repeatDebounce {
			return nil
		}
		s.emit(kw, at)
		return nil
	}
	return nil
}

func (s *TranscriptSpotter) emit(word string, at time.Time) {
	s.lastWord = word
	s.lastAt = at
	if s.sink != nil {
		s.sink(KeywordEvent{Word: word, Time: at})
	}
}

// Reset clears recognizer utterance state so the next challenge starts
// without a carried-over debounce window.
func (s *TranscriptSpotter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWord = ""
	s.lastAt = time.Time{}
}

// Close stops the spotter. Subsequent chunks are dropped; closing twice
// is a no-op.
func (s *TranscriptSpotter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '\''
}
