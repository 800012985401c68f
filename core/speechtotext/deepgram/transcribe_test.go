package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/speechtotext"
)

func resultsMessage(transcript string, isFinal bool) []byte {
	msg, _ := json.Marshal(map[string]any{
		"type":     "Results",
		"is_final": isFinal,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": transcript, "confidence": 0.9}},
		},
	})
	return msg
}

type listenServer struct {
	server *httptest.Server
	audio  chan []byte
}

func newListenServer(t *testing.T, messages [][]byte) *listenServer {
	t.Helper()
	s := &listenServer{audio: make(chan []byte, 64)}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, msg := range messages {
			_ = conn.WriteMessage(websocket.TextMessage, msg)
		}
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				select {
				case s.audio <- msg:
				default:
				}
				continue
			}
			var control controlMessage
			_ = json.Unmarshal(msg, &control)
			if control.Type == "CloseStream" {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *listenServer) client(t *testing.T) *TranscriptionClient {
	t.Helper()
	endpoint, _ := url.Parse(s.server.URL)
	endpoint.Scheme = "ws"
	client, err := NewTranscriptionClient(WithAPIKey("key"), WithEndpoint(*endpoint))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestRecognizeReportsCumulativeResults(t *testing.T) {
	server := newListenServer(t, [][]byte{
		resultsMessage("hel", false),
		resultsMessage("hello there", true),
		resultsMessage("how", false),
	})

	var mu sync.Mutex
	var events []speechtotext.ResultEvent
	ended := make(chan struct{})
	segment, err := server.client(t).Recognize(context.Background(),
		speechtotext.WithResultCallback(func(event speechtotext.ResultEvent) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		}),
		speechtotext.WithEndCallback(func() { close(ended) }),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		count := len(events)
		mu.Unlock()
		if count == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 events, got %d", count)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	final, interim := events[1], events[2]
	mu.Unlock()
	if final.ResultIndex != 0 || !final.HasFinal() || final.Results[0].Transcript != "hello there" {
		t.Fatalf("unexpected final event %+v", final)
	}
	if interim.ResultIndex != 1 || interim.HasFinal() || interim.Results[1].Transcript != "how" {
		t.Fatalf("unexpected interim event %+v", interim)
	}

	if err := segment.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("failed to send audio: %v", err)
	}
	// Silence fill may arrive before the frame.
	received := false
	timeout := time.After(time.Second)
	for !received {
		select {
		case got := <-server.audio:
			received = len(got) == 2
		case <-timeout:
			t.Fatalf("server did not receive audio")
		}
	}

	if err := segment.Stop(); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatalf("end callback not called")
	}
	if err := segment.SendAudio([]byte{1}); err == nil {
		t.Fatalf("expected error sending audio after stop")
	}
}

func TestRecognizeFailsRecoverablyWhenUnreachable(t *testing.T) {
	client, _ := NewTranscriptionClient(WithAPIKey("key"),
		WithEndpoint(url.URL{Scheme: "ws", Host: "127.0.0.1:1", Path: "/v1/listen"}))

	_, err := client.Recognize(context.Background())
	if !speechtotext.IsRecoverable(err) {
		t.Fatalf("expected recoverable error, got %v", err)
	}
	if !errors.Is(err, speechtotext.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestAddResultReplacesInterimHypothesis(t *testing.T) {
	s := &segment{}

	s.addResult(speechtotext.Result{Transcript: "one", IsFinal: true})
	s.addResult(speechtotext.Result{Transcript: "tw"})
	event, ok := s.addResult(speechtotext.Result{Transcript: "two", IsFinal: true})

	if !ok || len(event.Results) != 2 || event.ResultIndex != 1 {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Results[1].Transcript != "two" || !event.Results[1].IsFinal {
		t.Fatalf("interim should have been replaced, got %+v", event.Results[1])
	}

	if _, ok := s.addResult(speechtotext.Result{IsFinal: true}); ok {
		t.Fatalf("empty final result should not produce an event")
	}
}

func TestListenEncodingRejectsUnsupportedRates(t *testing.T) {
	if _, err := listenEncodingFor(speechtotextEncoding(11025)); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("expected unsupported encoding error, got %v", err)
	}
	if _, err := listenEncodingFor(audio.EncodingInfo{SampleRate: 16000, Format: audio.EncodingMulaw}); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("expected mulaw at 16 kHz to be rejected, got %v", err)
	}

	encoding, err := listenEncodingFor(speechtotextEncoding(16000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	query := url.Values{}
	encoding.apply(query)
	if query.Get("encoding") != "linear16" || query.Get("sample_rate") != "16000" {
		t.Fatalf("unexpected query %v", query)
	}
}

func speechtotextEncoding(sampleRate int) audio.EncodingInfo {
	return audio.EncodingInfo{SampleRate: sampleRate, Format: audio.EncodingLinear16}
}
