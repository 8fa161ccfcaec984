package voicelive

import (
	"github.com/bytedance/sonic"
)

const (
	AudioFormatPCM16        = "pcm16"
	TranscriptionModelAzure = "azure-speech"
	VoiceTypeAzureStandard  = "azure-standard"
	TurnDetectionServerVAD  = "server_vad"
)

// SessionUpdate is the session.update event sent once per upstream connection.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	Modalities              []string            `json:"modalities"`
	Voice                   Voice               `json:"voice"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *AudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
}

type Voice struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type AudioTranscription struct {
	Model string `json:"model"`
}

// TurnDetection tunes server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// DefaultTurnDetection matches the tuning used by the demo pages.
func DefaultTurnDetection() *TurnDetection {
	return &TurnDetection{
		Type:              TurnDetectionServerVAD,
		Threshold:         0.5,
		PrefixPaddingMS:   300,
		SilenceDurationMS: 500,
	}
}

// NewSessionUpdate builds the text+audio PCM16 session configuration.
func NewSessionUpdate(voiceName, instructions string) SessionUpdate {
	return SessionUpdate{
		Type: "session.update",
		Session: SessionConfig{
			Modalities:        []string{"text", "audio"},
			Voice:             Voice{Name: voiceName, Type: VoiceTypeAzureStandard},
			Instructions:      instructions,
			InputAudioFormat:  AudioFormatPCM16,
			OutputAudioFormat: AudioFormatPCM16,
			InputAudioTranscription: &AudioTranscription{
				Model: TranscriptionModelAzure,
			},
			TurnDetection: DefaultTurnDetection(),
		},
	}
}

// Encode serializes the event for a websocket text frame.
func (u SessionUpdate) Encode() ([]byte, error) {
	return sonic.Marshal(u)
}
