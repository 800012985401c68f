// Package deepgram recognizes speech with Deepgram's streaming listen API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
)

var ErrMissingAPIKey = errors.New("deepgram api key not found")

const (
	DefaultModel = "nova-3"

	// closeTimeout bounds how long a stopped segment waits for Deepgram to
	// close the socket.
	closeTimeout = 2 * time.Second
)

type TranscriptionClient struct {
	apiKey   string
	model    string
	endpoint url.URL
	dialer   *websocket.Dialer
}

type ClientOption func(*TranscriptionClient)

// WithAPIKey overrides the DEEPGRAM_API_KEY environment variable.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *TranscriptionClient) {
		if apiKey != "" {
			c.apiKey = apiKey
		}
	}
}

func WithModel(model string) ClientOption {
	return func(c *TranscriptionClient) {
		if model != "" {
			c.model = model
		}
	}
}

func WithEndpoint(endpoint url.URL) ClientOption {
	return func(c *TranscriptionClient) {
		c.endpoint = endpoint
	}
}

func NewTranscriptionClient(opts ...ClientOption) (*TranscriptionClient, error) {
	client := &TranscriptionClient{
		apiKey:   os.Getenv("DEEPGRAM_API_KEY"),
		model:    DefaultModel,
		endpoint: url.URL{Scheme: "wss", Host: "api.deepgram.com", Path: "/v1/listen"},
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	return client, nil
}

// Recognize opens a listen socket and returns it as a segment. Results are
// reported cumulatively: every final phrase gets its own slot in
// [speechtotext.ResultEvent.Results] and the interim hypothesis occupies the
// slot after the last final one.
func (c *TranscriptionClient) Recognize(ctx context.Context, opts ...speechtotext.RecognitionOption) (speechtotext.Segment, error) {
	options := speechtotext.NewRecognitionOptions(opts...)

	encoding, err := listenEncodingFor(options.EncodingInfo)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "open listen socket")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.model", c.model),
		attribute.String("request.language", options.Language),
	)

	conn, err := c.connect(ctx, connectionOptions{
		encoding:       encoding,
		language:       options.Language,
		interimResults: options.InterimResults,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	segmentCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &segment{
		conn:      conn,
		options:   options,
		cancel:    cancel,
		lastMsgTs: time.Now(),
	}
	go s.readAndProcessMessages(segmentCtx)
	go s.generateSilence(segmentCtx, options.EncodingInfo)

	return s, nil
}

type connectionOptions struct {
	encoding       listenEncoding
	language       string
	interimResults bool
}

func (c *TranscriptionClient) connect(ctx context.Context, options connectionOptions) (*websocket.Conn, error) {
	listenUrl := c.endpoint
	queryParams := url.Values{}
	options.encoding.apply(queryParams)
	queryParams.Set("model", c.model)
	queryParams.Set("language", options.language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("punctuate", "true")
	if options.interimResults {
		queryParams.Set("interim_results", "true")
	}
	queryParams.Set("endpointing", "300")
	listenUrl.RawQuery = queryParams.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, listenUrl.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("failed to open socket connection to deepgram: %w", err)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, speechtotext.NewRecognitionError(speechtotext.ErrorCodeNotAllowed, false, err)
		}
		return nil, speechtotext.NewRecognitionError(speechtotext.ErrorCodeNetwork, true, err)
	}
	return conn, nil
}

type segment struct {
	conn      *websocket.Conn
	connMu    sync.Mutex
	lastMsgTs time.Time
	stopped   bool

	options speechtotext.RecognitionOptions
	cancel  context.CancelFunc

	resultsMu  sync.Mutex
	results    []speechtotext.Result
	finalCount int

	endOnce sync.Once
}

func (s *segment) SendAudio(audio []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.stopped {
		return fmt.Errorf("segment stopped")
	}
	s.lastMsgTs = time.Now()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

// Stop asks Deepgram to finish the stream. Remaining results still arrive
// before the end callback fires.
func (s *segment) Stop() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	time.AfterFunc(closeTimeout, s.end)
	if err := s.conn.WriteJSON(controlMessage{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		_ = s.conn.Close()
		return fmt.Errorf("failed to close deepgram stream: %w", err)
	}
	return nil
}

func (s *segment) isStopped() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.stopped
}

func (s *segment) end() {
	s.endOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		s.options.EndCallback()
	})
}

func (s *segment) readAndProcessMessages(ctx context.Context) {
	defer s.end()

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || s.isStopped() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			logger.Debug("failed to read deepgram websocket message", "error", err)
			s.options.ErrorCallback(speechtotext.NewRecognitionError(speechtotext.ErrorCodeNetwork, true, err))
			return
		}
		if msgType != websocket.BinaryMessage {
			s.processMessage(msg)
		}
	}
}

func (s *segment) processMessage(msg []byte) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		logger.Debug("failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.Debug("failed to unmarshal deepgram results", "error", err)
			return
		}
		if len(msgResp.Channel.Alternatives) == 0 {
			return
		}
		alternative := msgResp.Channel.Alternatives[0]
		event, ok := s.addResult(speechtotext.Result{
			Transcript: strings.TrimSpace(alternative.Transcript),
			IsFinal:    msgResp.IsFinal,
			Confidence: alternative.Confidence,
		})
		if ok {
			s.options.ResultCallback(event)
		}

	case api.TypeResponse("Error"):
		var errResp struct {
			Description string `json:"description"`
		}
		_ = json.Unmarshal(msg, &errResp)
		s.options.ErrorCallback(speechtotext.NewRecognitionError(speechtotext.ErrorCodeAborted, true,
			fmt.Errorf("deepgram error: %s", errResp.Description)))
	}
}

// addResult places result in the slot after the last final one. Empty
// results only clear a stale interim hypothesis.
func (s *segment) addResult(result speechtotext.Result) (speechtotext.ResultEvent, bool) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	s.results = s.results[:s.finalCount]
	index := s.finalCount
	if result.Transcript == "" {
		if result.IsFinal {
			return speechtotext.ResultEvent{}, false
		}
	} else {
		s.results = append(s.results, result)
		if result.IsFinal {
			s.finalCount++
		}
	}

	results := make([]speechtotext.Result, len(s.results))
	copy(results, s.results)
	return speechtotext.ResultEvent{ResultIndex: index, Results: results}, true
}

func (s *segment) sendControl(msg controlMessage) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopped {
		return nil
	}
	return s.conn.WriteJSON(msg)
}

func (s *segment) sendSilence(chunk []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopped {
		return nil
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

func (s *segment) sinceLastAudio() time.Duration {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return time.Since(s.lastMsgTs)
}

// generateSilence keeps the socket alive while no audio arrives. Short gaps
// are filled with silence so endpointing still works, longer ones fall back
// to keep alive messages.
func (s *segment) generateSilence(ctx context.Context, encoding audio.EncodingInfo) {
	type silenceGeneratorState string
	const (
		silenceGeneratorStateWaiting   silenceGeneratorState = "waiting"
		silenceGeneratorStateSilence   silenceGeneratorState = "silence"
		silenceGeneratorStateKeepAlive silenceGeneratorState = "keepAlive"
	)

	const chunkDuration = 50 * time.Millisecond
	ticker := time.NewTicker(chunkDuration)
	defer ticker.Stop()

	chunk := make([]byte, encoding.BytesPerSecond()*int(chunkDuration/time.Millisecond)/1000)
	for i := range chunk {
		chunk[i] = encoding.SilenceValue()
	}

	state := silenceGeneratorStateWaiting
	var firstSilenceTime, lastKeepAliveTime time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := s.sinceLastAudio() > chunkDuration
			switch state {
			case silenceGeneratorStateWaiting:
				if idle {
					state = silenceGeneratorStateSilence
					firstSilenceTime = time.Now()
				}

			case silenceGeneratorStateSilence:
				if !idle {
					state = silenceGeneratorStateWaiting
					continue
				}
				if time.Since(firstSilenceTime) >= time.Second {
					state = silenceGeneratorStateKeepAlive
					lastKeepAliveTime = time.Now()
					continue
				}
				if err := s.sendSilence(chunk); err != nil {
					logger.Debug("sending silence audio failed", "error", err)
				}

			case silenceGeneratorStateKeepAlive:
				if !idle {
					state = silenceGeneratorStateWaiting
					continue
				}
				if time.Since(lastKeepAliveTime) >= 5*time.Second {
					lastKeepAliveTime = time.Now()
					if err := s.sendControl(controlMessage{Type: "KeepAlive"}); err != nil {
						logger.Debug("sending keep alive failed", "error", err)
					}
				}
			}
		}
	}
}

type controlMessage struct {
	Type string `json:"type"`
}
