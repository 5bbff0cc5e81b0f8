package gemini

import (
	"encoding/json"
	"mime"
	"strconv"
	"strings"

	"github.com/MrWong99/vlink/pkg/audio"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
)

// BidiGenerateContent frames. Only the fields vlink reads or writes are
// modelled.

// blob is base64 media tagged with its MIME type. It appears as inlineData
// in model turns and as a media chunk in realtime input.
type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

// content is both the system instruction and a model turn.
type content struct {
	Parts []part `json:"parts"`
}

type voice struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

// enabled marshals to {} and switches a server feature on with defaults.
type enabled struct{}

type setupFrame struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       *voice   `json:"speechConfig,omitempty"`
		} `json:"generationConfig"`
		SystemInstruction        *content `json:"systemInstruction,omitempty"`
		InputAudioTranscription  *enabled `json:"inputAudioTranscription,omitempty"`
		OutputAudioTranscription *enabled `json:"outputAudioTranscription,omitempty"`
	} `json:"setup"`
}

type inputFrame struct {
	RealtimeInput struct {
		MediaChunks []blob `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type serverFrame struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status,omitempty"`
	} `json:"error,omitempty"`
}

type text struct {
	Text string `json:"text"`
}

type serverContent struct {
	ModelTurn           *content `json:"modelTurn,omitempty"`
	TurnComplete        bool     `json:"turnComplete,omitempty"`
	Interrupted         bool     `json:"interrupted,omitempty"`
	InputTranscription  *text    `json:"inputTranscription,omitempty"`
	OutputTranscription *text    `json:"outputTranscription,omitempty"`
}

// encodeSetup builds the first frame of a session.
func encodeSetup(model string, cfg s2s.SessionConfig) ([]byte, error) {
	var f setupFrame
	f.Setup.Model = "models/" + model
	f.Setup.GenerationConfig.ResponseModalities = modalities(cfg.ResponseModalities)
	if cfg.Voice != "" {
		v := &voice{}
		v.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		f.Setup.GenerationConfig.SpeechConfig = v
	}
	if cfg.SystemInstruction != "" {
		f.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		f.Setup.InputAudioTranscription = &enabled{}
	}
	if cfg.OutputTranscription {
		f.Setup.OutputAudioTranscription = &enabled{}
	}
	return json.Marshal(f)
}

// encodeAudio wraps one microphone chunk as realtime input.
func encodeAudio(chunk audio.Chunk) ([]byte, error) {
	var f inputFrame
	f.RealtimeInput.MediaChunks = []blob{{MIMEType: chunk.MIMEType(), Data: chunk.Encoded()}}
	return json.Marshal(f)
}

// modalities maps response modalities onto the upper-case names the Live
// API expects. An empty list selects audio.
func modalities(ms []s2s.Modality) []string {
	if len(ms) == 0 {
		return []string{"AUDIO"}
	}
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = strings.ToUpper(string(m))
	}
	return out
}

// sampleRate reads the rate parameter of "audio/pcm;rate=N". Some models
// omit it, in which case the documented output rate applies.
func sampleRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return audio.OutputSampleRate
	}
	if rate, err := strconv.Atoi(params["rate"]); err == nil && rate > 0 {
		return rate
	}
	return audio.OutputSampleRate
}
