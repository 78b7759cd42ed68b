// Package speech wraps the keyword-spotting collaborator. The engine
// itself (acoustic model, decoding) lives outside the core; this package
// defines the interface the core drives, the event it consumes and the
// lock-protected cell the frame path reads keyword events from.
package speech

import (
	"sync"
	"time"
)

// KeywordEvent reports one recognized keyword occurrence.
type KeywordEvent struct {
	Word string
	Time time.Time
}

// AudioChunk is one audio tick from the verifier client. PCM carries raw
// samples for engines that decode server-side; Transcript carries
// recognized text for clients that run the spotter locally.
type AudioChunk struct {
	PCM        []byte
	Transcript string
	At         time.Time
}

// Spotter is the keyword-spotting collaborator interface. OnAudio is
// called from the audio path; recognized keywords surface asynchronously
// through the sink the implementation was built with. Close releases the
// listening stream and must be safe to call more than once.
type Spotter interface {
	SetTarget(word string)
	OnAudio(chunk AudioChunk) error
	Reset()
	Close() error
}

// Buffer is the session-owned "most recent keyword + timestamp" cell.
// The audio path writes it, the frame path reads it; the two producers
// are not ordered relative to each other, hence the mutex.
type Buffer struct {
	mu   sync.Mutex
	word string
	at   time.Time
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Store records a keyword occurrence, replacing any previous one.
func (b *Buffer) Store(ev KeywordEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.word = ev.Word
	b.at = ev.Time
}

// Latest returns the most recent keyword and when it was heard. The word
// is empty when nothing has been recognized since the last reset.
func (b *Buffer) Latest() (string, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.word, b.at
}

// Reset clears the cell. Called when a new challenge is issued so a
// word spoken for the previous challenge cannot leak into the next.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.word = ""
	b.at = time.Time{}
}
