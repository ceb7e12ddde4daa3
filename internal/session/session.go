// Package session drives one voice connection: it forwards inbound audio to
// the speech recogniser, speculates on partial transcripts, and answers each
// final transcript with a filler acknowledgement, a final_result message and
// synthesized audio.
//
// A session moves through [StateIdle], [StateAwaitingAudio],
// [StateSessionActive] and [StateClosed]. Every session owns its own
// speculative engine; nothing survives teardown.
package session

import (
	"context"
	"errors"
)

// State is the lifecycle state of one session.
type State int

const (
	// StateIdle is the state before the recogniser stream is opened.
	StateIdle State = iota

	// StateAwaitingAudio means the recogniser and engine are ready and no
	// audio has been forwarded yet.
	StateAwaitingAudio

	// StateSessionActive means audio is flowing.
	StateSessionActive

	// StateClosed is terminal.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAudio:
		return "awaiting_audio"
	case StateSessionActive:
		return "session_active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrTranscriptsClosed ends a session whose recogniser stream hung up. Run
// treats it as a normal end and returns nil.
var ErrTranscriptsClosed = errors.New("session: transcript stream closed")

// Conn is the client side of a session. ReadAudio is called from one
// goroutine and the Write methods from another; implementations need not
// serialise writes themselves.
type Conn interface {
	// ReadAudio blocks until the next inbound audio message. It returns
	// io.EOF when the client closed the connection normally.
	ReadAudio(ctx context.Context) ([]byte, error)

	// WriteJSON sends v as one text message.
	WriteJSON(ctx context.Context, v any) error

	// WriteAudio sends audio as one binary message.
	WriteAudio(ctx context.Context, audio []byte) error
}

// Message types sent to the client.
const (
	TypeFiller      = "filler"
	TypeFinalResult = "final_result"
)

// FillerMessage acknowledges a final transcript while the answer is prepared.
type FillerMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// RAGResult is the retrieval outcome embedded in [FinalResultMessage].
type RAGResult struct {
	Rewritten string   `json:"rewritten"`
	Results   []string `json:"results"`
}

// FinalResultMessage carries the answer for one final transcript. The audio
// follows as binary message(s).
type FinalResultMessage struct {
	Type       string    `json:"type"`
	Text       string    `json:"text"`
	RAG        RAGResult `json:"rag"`
	SpokenText string    `json:"spoken_text"`
}
