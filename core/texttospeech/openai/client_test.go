package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koscakluka/ema-voice/core/audio"
)

func TestSynthesizeRequestsPCM(t *testing.T) {
	var request map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &request)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0, 1, 2, 3, 4, 5})
	}))
	defer server.Close()

	synthesizer := NewSynthesizer("key", WithBaseURL(server.URL), WithMaxRetries(0), WithVoice("nova"))
	clip, err := synthesizer.Synthesize(context.Background(), "Hello. ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer clip.Release()

	if len(clip.Data) != 6 {
		t.Fatalf("expected 6 bytes, got %d", len(clip.Data))
	}
	if clip.EncodingInfo != audio.GetSynthesisEncodingInfo() {
		t.Fatalf("unexpected encoding %+v", clip.EncodingInfo)
	}
	if request["input"] != "Hello." || request["response_format"] != "pcm" {
		t.Fatalf("unexpected request %v", request)
	}
	if request["voice"] != "nova" || request["model"] != DefaultModel {
		t.Fatalf("unexpected voice or model in %v", request)
	}
}

func TestSynthesizeFailsOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"down"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	synthesizer := NewSynthesizer("key", WithBaseURL(server.URL), WithMaxRetries(0))
	if clip, err := synthesizer.Synthesize(context.Background(), "Hello."); err == nil {
		clip.Release()
		t.Fatalf("expected error")
	}
}
