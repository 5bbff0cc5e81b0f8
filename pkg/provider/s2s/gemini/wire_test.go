package gemini

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/vlink/pkg/audio"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
)

func TestEncodeSetup(t *testing.T) {
	data, err := encodeSetup("m1", s2s.SessionConfig{
		Voice:               "Kore",
		SystemInstruction:   "be brief",
		ResponseModalities:  []s2s.Modality{"audio", "text"},
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"setup":{"model":"models/m1","generationConfig":{"responseModalities":["AUDIO","TEXT"],` +
		`"speechConfig":{"voiceConfig":{"prebuiltVoiceConfig":{"voiceName":"Kore"}}}},` +
		`"systemInstruction":{"parts":[{"text":"be brief"}]},"outputAudioTranscription":{}}}`
	if string(data) != want {
		t.Errorf("setup =\n%s\nwant\n%s", data, want)
	}
}

func TestEncodeAudio(t *testing.T) {
	data, err := encodeAudio(audio.Chunk{Data: []byte{1, 0}, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"realtimeInput":{"mediaChunks":[{"mimeType":"audio/pcm;rate=16000","data":"AQA="}]}}`
	if string(data) != want {
		t.Errorf("frame = %s, want %s", data, want)
	}
}

func TestSampleRate(t *testing.T) {
	for mt, want := range map[string]int{
		"audio/pcm;rate=24000":  24000,
		"audio/pcm; rate=16000": 16000,
		"audio/pcm":             audio.OutputSampleRate,
		"audio/pcm;rate=0":      audio.OutputSampleRate,
		"audio/pcm;rate=fast":   audio.OutputSampleRate,
		";;":                    audio.OutputSampleRate,
	} {
		if got := sampleRate(mt); got != want {
			t.Errorf("sampleRate(%q) = %d, want %d", mt, got, want)
		}
	}
}

func TestContentEvents_Order(t *testing.T) {
	var sc serverContent
	raw := `{"interrupted":true,"turnComplete":true,
		"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AQA="}},{"text":"hi"},
			{"inlineData":{"mimeType":"image/png","data":"AQA="}},{"inlineData":{"mimeType":"audio/pcm","data":"%%"}}]},
		"inputTranscription":{"text":"hello"},"outputTranscription":{"text":"hi there"}}`
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		t.Fatal(err)
	}

	want := []s2s.EventKind{
		s2s.EventInterrupted,
		s2s.EventAudio,
		s2s.EventOutputTranscript,
		s2s.EventInputTranscript,
		s2s.EventOutputTranscript,
		s2s.EventTurnComplete,
	}
	got := contentEvents(&sc)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want kinds %v", got, want)
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("event %d = %s, want %s", i, got[i].Kind, k)
		}
	}
	if a := got[1].Audio; a.SampleRate != 24000 || len(a.Data) != 2 {
		t.Errorf("audio = %+v", a)
	}
}

func TestNew_DefaultModel(t *testing.T) {
	p := New("k")
	if want := "gemini-2.5-flash-native-audio-preview-12-2025"; p.model != want {
		t.Errorf("default model = %q, want %q", p.model, want)
	}
	if p := New("k", WithModel("m1")); p.model != "m1" {
		t.Errorf("model = %q, want m1", p.model)
	}
}
