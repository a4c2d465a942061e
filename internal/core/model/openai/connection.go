package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/model/provider"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

// Adapter is one OpenAI realtime session over websocket. One adapter per
// call; it is not reusable after Close.
type Adapter struct {
	cfg      *config.EngineConfig
	observer provider.SessionObserver

	conn    *websocket.Conn
	writeMu sync.Mutex

	params    *provider.SessionParams
	closed    atomic.Bool
	closeOnce sync.Once
	readyOnce sync.Once
	readDone  chan struct{}
}

// NewAdapter creates an adapter delivering events to observer.
func NewAdapter(cfg *config.EngineConfig, observer provider.SessionObserver) *Adapter {
	return &Adapter{
		cfg:      cfg,
		observer: observer,
		readDone: make(chan struct{}),
	}
}

func (a *Adapter) realtimeURL() string {
	base := strings.TrimRight(a.cfg.OpenAIBaseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/v1/realtime?model=" + a.cfg.OpenAIModel
}

// Connect dials the realtime endpoint and configures the session. The
// server's acknowledgement arrives later as OnSessionReady.
func (a *Adapter) Connect(ctx context.Context, params *provider.SessionParams) error {
	if a.cfg.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY not configured")
	}
	a.params = params

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+a.cfg.OpenAIAPIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.realtimeURL(), headers)
	if err != nil {
		return fmt.Errorf("dial realtime websocket: %w", err)
	}
	a.conn = conn

	if err := a.sendEvent(a.buildSessionUpdate(params)); err != nil {
		a.Close()
		return fmt.Errorf("send session config: %w", err)
	}

	go a.readLoop()

	logger.Base().Info("Realtime session connected",
		zap.String("call_sid", params.CallSID),
		zap.String("model", a.cfg.OpenAIModel),
		zap.String("voice", params.Voice))
	return nil
}

// AppendAudio streams model-rate PCM16 into the input buffer.
func (a *Adapter) AppendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return a.sendEvent(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CreateResponse asks the model to speak, optionally with one-off
// instructions that do not touch the session-level prompt.
func (a *Adapter) CreateResponse(instructions string) error {
	event := map[string]interface{}{
		"type": "response.create",
	}
	if instructions != "" {
		event["response"] = map[string]interface{}{
			"instructions": instructions,
		}
	}
	return a.sendEvent(event)
}

// CancelResponse cancels the response by id. A cancel that loses the race
// with natural completion comes back as a benign error event, not a failure
// of this call.
func (a *Adapter) CancelResponse(responseID string) error {
	return a.sendEvent(map[string]interface{}{
		"type":        "response.cancel",
		"response_id": responseID,
	})
}

// Close tears the connection down. Further sends fail; the read loop exits
// without reporting a disconnect.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		if a.conn != nil {
			a.writeMu.Lock()
			_ = a.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			a.writeMu.Unlock()
			_ = a.conn.Close()
		}
	})
	return nil
}

func (a *Adapter) sendEvent(event map[string]interface{}) error {
	if a.closed.Load() {
		return fmt.Errorf("realtime session closed")
	}
	if a.conn == nil {
		return fmt.Errorf("realtime session not connected")
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(event)
}

func (a *Adapter) readLoop() {
	defer close(a.readDone)
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if !a.closed.Load() {
				logger.Base().Warn("Realtime connection dropped",
					zap.String("call_sid", a.callSID()),
					zap.Error(err))
				a.observer.OnDisconnected(err)
			}
			return
		}
		a.dispatchEvent(data)
	}
}

func (a *Adapter) callSID() string {
	if a.params == nil {
		return ""
	}
	return a.params.CallSID
}
