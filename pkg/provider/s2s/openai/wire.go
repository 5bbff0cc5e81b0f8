package openai

import (
	"encoding/json"

	"github.com/MrWong99/vlink/pkg/provider/s2s"
)

// Realtime API events. Only the fields vlink reads or writes are modelled.

type sessionUpdate struct {
	Type    string `json:"type"`
	Session struct {
		Modalities              []string `json:"modalities,omitempty"`
		Voice                   string   `json:"voice,omitempty"`
		Instructions            string   `json:"instructions,omitempty"`
		InputAudioFormat        string   `json:"input_audio_format"`
		OutputAudioFormat       string   `json:"output_audio_format"`
		InputAudioTranscription *struct {
			Model string `json:"model"`
		} `json:"input_audio_transcription,omitempty"`
		TurnDetection struct {
			Type              string `json:"type"`
			InterruptResponse bool   `json:"interrupt_response"`
		} `json:"turn_detection"`
	} `json:"session"`
}

type bufferAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// serverEvent covers every inbound event type. Delta carries audio or text
// deltas, Transcript the finished input transcription.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Inbound event types. Both the beta and GA spellings of the output events
// are accepted.
const (
	evSessionUpdated   = "session.updated"
	evAudioDelta       = "response.audio.delta"
	evAudioDeltaGA     = "response.output_audio.delta"
	evTranscriptDelta  = "response.audio_transcript.delta"
	evTranscriptGA     = "response.output_audio_transcript.delta"
	evTextDelta        = "response.text.delta"
	evInputTranscribed = "conversation.item.input_audio_transcription.completed"
	evSpeechStarted    = "input_audio_buffer.speech_started"
	evResponseDone     = "response.done"
	evError            = "error"
)

// encodeSessionUpdate builds the session.update sent right after dialling.
// Server VAD is always on so barge-in reaches the client as speech_started.
func encodeSessionUpdate(cfg s2s.SessionConfig) ([]byte, error) {
	var u sessionUpdate
	u.Type = "session.update"
	u.Session.Modalities = modalities(cfg.ResponseModalities)
	u.Session.Voice = cfg.Voice
	u.Session.Instructions = cfg.SystemInstruction
	u.Session.InputAudioFormat = "pcm16"
	u.Session.OutputAudioFormat = "pcm16"
	u.Session.TurnDetection.Type = "server_vad"
	u.Session.TurnDetection.InterruptResponse = true
	if cfg.InputTranscription {
		u.Session.InputAudioTranscription = &struct {
			Model string `json:"model"`
		}{Model: transcriptionModel}
	}
	return json.Marshal(u)
}

func encodeAppend(b64 string) ([]byte, error) {
	return json.Marshal(bufferAppend{Type: "input_audio_buffer.append", Audio: b64})
}

// modalities maps response modalities onto Realtime names. The API cannot
// produce audio without text, so audio always brings text along.
func modalities(ms []s2s.Modality) []string {
	var textOnly bool
	for _, m := range ms {
		switch m {
		case s2s.ModalityAudio:
			return []string{"audio", "text"}
		case s2s.ModalityText:
			textOnly = true
		}
	}
	if textOnly {
		return []string{"text"}
	}
	return []string{"audio", "text"}
}
