package messages

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
)

// Action is what the relay does with an upstream event of a given type.
type Action int

const (
	// LogUnknown drops the event and logs it so protocol drift is visible.
	LogUnknown Action = iota
	// Forward relays the event to the browser unchanged.
	Forward
	// Suppress drops an internal bookkeeping event quietly.
	Suppress
)

func (a Action) String() string {
	switch a {
	case Forward:
		return "forward"
	case Suppress:
		return "suppress"
	default:
		return "unknown"
	}
}

// Upstream event types
const (
	TypeSessionCreated        = "session.created"
	TypeSessionUpdated        = "session.updated"
	TypeSpeechStarted         = "input_audio_buffer.speech_started"
	TypeSpeechStopped         = "input_audio_buffer.speech_stopped"
	TypeTranscriptionComplete = "conversation.item.input_audio_transcription.completed"
	TypeTranscriptDelta       = "response.audio_transcript.delta"
	TypeTranscriptDone        = "response.audio_transcript.done"
	TypeAudioDelta            = "response.audio.delta"
	TypeAudioDone             = "response.audio.done"
	TypeResponseDone          = "response.done"
	TypeError                 = "error"

	TypeRateLimitsUpdated   = "rate_limits.updated"
	TypeResponseCreated     = "response.created"
	TypeOutputItemAdded     = "response.output_item.added"
	TypeContentPartAdded    = "response.content_part.added"
	TypeContentPartDone     = "response.content_part.done"
	TypeOutputItemDone      = "response.output_item.done"
	TypeConversationCreated = "conversation.item.created"
)

// Policy maps every recognised upstream event type to its relay action.
// Types missing from the table resolve to LogUnknown.
var Policy = map[string]Action{
	TypeSessionCreated:        Forward,
	TypeSessionUpdated:        Forward,
	TypeSpeechStarted:         Forward,
	TypeSpeechStopped:         Forward,
	TypeTranscriptionComplete: Forward,
	TypeTranscriptDelta:       Forward,
	TypeTranscriptDone:        Forward,
	TypeAudioDelta:            Forward,
	TypeAudioDone:             Forward,
	TypeResponseDone:          Forward,
	TypeError:                 Forward,

	TypeRateLimitsUpdated:   Suppress,
	TypeResponseCreated:     Suppress,
	TypeOutputItemAdded:     Suppress,
	TypeContentPartAdded:    Suppress,
	TypeContentPartDone:     Suppress,
	TypeOutputItemDone:      Suppress,
	TypeConversationCreated: Suppress,
}

// Classify returns the relay action for an upstream event type.
func Classify(eventType string) Action {
	if a, ok := Policy[eventType]; ok {
		return a
	}
	return LogUnknown
}

// TypesWith lists the event types mapped to a, sorted.
func TypesWith(a Action) []string {
	var out []string
	for t, action := range Policy {
		if action == a {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

var ErrMissingType = errors.New("event has no type")

// Envelope is the part of every JSON event the relay inspects.
type Envelope struct {
	Type string `json:"type"`
}

// DecodeEnvelope extracts the type discriminator from a JSON text frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid event json: %w", err)
	}
	if env.Type == "" {
		return env, ErrMissingType
	}
	return env, nil
}

// ErrCodeSessionFailed marks an error event sent when no session could be set up.
const ErrCodeSessionFailed = "SESSION_FAILED"

// ErrorEvent is the error message shown to the browser.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewErrorEvent creates an error event with a human-readable message
func NewErrorEvent(message string) *ErrorEvent {
	return &ErrorEvent{
		Type:  TypeError,
		Error: ErrorDetail{Message: message},
	}
}

// NewUpstreamErrorEvent reports a failure of the upstream connection.
func NewUpstreamErrorEvent(err error) *ErrorEvent {
	return NewErrorEvent("Azure VLA connection error: " + err.Error())
}

// NewSessionFailedEvent reports a session that could not be set up.
func NewSessionFailedEvent(err error) *ErrorEvent {
	ev := NewErrorEvent("Voice Live session failed: " + err.Error())
	ev.Error.Code = ErrCodeSessionFailed
	return ev
}

// Encode serializes the event for a websocket text frame.
func (e *ErrorEvent) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}
