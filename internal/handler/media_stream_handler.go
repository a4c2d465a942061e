package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"github.com/relaymesh/relay-voice-engine/internal/services/call"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamReadTimeout  = 90 * time.Second
	streamPingEvery    = 30 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Twilio connects server-to-server without an Origin header
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamMessage is one JSON event on the media stream socket, inbound or
// outbound. Only the fields for the active event type are populated.
type streamMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *streamStart  `json:"start,omitempty"`
	Media     *streamMedia  `json:"media,omitempty"`
	Mark      *streamMark   `json:"mark,omitempty"`
	Stop      *streamStop   `json:"stop,omitempty"`
}

type streamStart struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

type streamStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// MediaStreamHandler serves the media stream websocket. Each accepted
// connection becomes the wire transport of one call runtime.
type MediaStreamHandler struct {
	callService *call.CallService
}

// NewMediaStreamHandler creates the media stream handler.
func NewMediaStreamHandler(callService *call.CallService) *MediaStreamHandler {
	return &MediaStreamHandler{callService: callService}
}

// streamConn adapts one websocket connection to call.WireTransport. Writes
// are serialized; the carrier tags every outbound event with the stream id.
type streamConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	streamSID string
	closeOnce sync.Once
}

func (c *streamConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return c.conn.WriteJSON(v)
}

// SendMedia sends one wire frame to the caller.
func (c *streamConn) SendMedia(payload []byte) error {
	return c.writeJSON(&streamMessage{
		Event:     "media",
		StreamSID: c.streamSID,
		Media:     &streamMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// SendClear tells the carrier to drop its buffered playback audio. This is
// the barge-in control message: without it the caller keeps hearing audio
// the carrier already holds even though we stopped sending.
func (c *streamConn) SendClear() error {
	return c.writeJSON(&streamMessage{
		Event:     "clear",
		StreamSID: c.streamSID,
	})
}

// SendMark asks the carrier to echo a named marker once playback reaches it.
func (c *streamConn) SendMark(name string) error {
	return c.writeJSON(&streamMessage{
		Event:     "mark",
		StreamSID: c.streamSID,
		Mark:      &streamMark{Name: name},
	})
}

// Close closes the socket. Safe to call more than once.
func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

// HandleStream upgrades the request and runs the read loop until the stream
// ends. The first start event binds the socket to its admitted call.
func (h *MediaStreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("Media stream upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	sc := &streamConn{conn: conn}
	defer sc.Close()

	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go h.pingLoop(sc, pingDone)

	var runtime *call.CallRuntime
	defer func() {
		if runtime != nil {
			// Normal stops come through the stop event; landing here means
			// the socket died underneath the call.
			runtime.End(domain.EndReasonTransportError)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if runtime != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Base().Warn("Media stream read failed",
					zap.String("call_sid", runtime.CallSID),
					zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Base().Debug("Discarding unparseable stream message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "connected":
			// Handshake preamble; the start event follows

		case "start":
			if msg.Start == nil || runtime != nil {
				continue
			}
			runtime = h.handleStart(r.Context(), sc, msg.Start)
			if runtime == nil {
				return
			}

		case "media":
			if runtime == nil || msg.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				logger.Base().Debug("Discarding undecodable media payload",
					zap.String("call_sid", runtime.CallSID),
					zap.Error(err))
				continue
			}
			runtime.HandleMedia(payload)

		case "mark":
			if runtime != nil && msg.Mark != nil {
				runtime.HandleMark(msg.Mark.Name)
			}

		case "stop":
			if runtime != nil {
				runtime.HandleStop()
				runtime = nil
			}
			return
		}
	}
}

func (h *MediaStreamHandler) handleStart(ctx context.Context, sc *streamConn, start *streamStart) *call.CallRuntime {
	sc.streamSID = start.StreamSID

	params := call.StartParams{
		CallSID:   start.CallSID,
		StreamSID: start.StreamSID,
		TenantID:  start.CustomParameters["tenant_id"],
		From:      start.CustomParameters["from"],
		To:        start.CustomParameters["to"],
		Direction: start.CustomParameters["direction"],
	}

	logger.Base().Info("Media stream started",
		zap.String("call_sid", params.CallSID),
		zap.String("stream_sid", params.StreamSID),
		zap.String("tenant_id", params.TenantID))

	runtime, err := h.callService.StartSession(ctx, sc, params)
	if err != nil {
		logger.Base().Error("Failed to start call session for stream",
			zap.String("call_sid", params.CallSID),
			zap.Error(err))
		return nil
	}
	return runtime
}

func (h *MediaStreamHandler) pingLoop(sc *streamConn, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sc.writeMu.Lock()
			sc.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			err := sc.conn.WriteMessage(websocket.PingMessage, nil)
			sc.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
