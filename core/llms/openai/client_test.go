package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/koscakluka/ema-voice/core/llms"
)

func TestStreamYieldsContentDeltas(t *testing.T) {
	var requestBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &requestBody)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hello", " there."} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL), WithMaxRetries(0))
	stream := client.Stream(context.Background(), []llms.Message{
		llms.SystemMessage("be brief"),
		llms.UserMessage("hi"),
	})

	var content strings.Builder
	for token, err := range llms.Tokens(context.Background(), stream) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		content.WriteString(token)
	}

	if content.String() != "Hello there." {
		t.Fatalf("expected %q, got %q", "Hello there.", content.String())
	}
	if requestBody["model"] != DefaultModel {
		t.Fatalf("expected default model, got %v", requestBody["model"])
	}
	if requestBody["temperature"] != DefaultTemperature {
		t.Fatalf("expected default temperature, got %v", requestBody["temperature"])
	}
	if messages, ok := requestBody["messages"].([]any); !ok || len(messages) != 2 {
		t.Fatalf("expected two messages, got %v", requestBody["messages"])
	}
}

func TestStreamYieldsErrorOnFailedRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"nope"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient("bad-key", WithBaseURL(server.URL), WithMaxRetries(0))

	var gotErr error
	for _, err := range client.Stream(context.Background(), []llms.Message{llms.UserMessage("hi")}).Chunks(context.Background()) {
		if err != nil {
			gotErr = err
		}
	}

	if gotErr == nil {
		t.Fatalf("expected an error for unauthorized request")
	}
}
