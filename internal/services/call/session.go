package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/admission"
	"github.com/relaymesh/relay-voice-engine/internal/core/audio"
	"github.com/relaymesh/relay-voice-engine/internal/core/event"
	"github.com/relaymesh/relay-voice-engine/internal/core/model/provider"
	"github.com/relaymesh/relay-voice-engine/internal/core/turn"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"github.com/relaymesh/relay-voice-engine/internal/prompts"
	"github.com/relaymesh/relay-voice-engine/internal/storage"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

// WireTransport is the outbound half of the telephony media stream. The
// websocket handler implements it; all methods must be safe for concurrent
// use.
type WireTransport interface {
	// SendMedia sends one wire-format audio frame to the caller.
	SendMedia(payload []byte) error
	// SendClear drops any audio the carrier has buffered beyond us.
	SendClear() error
	// SendMark asks the carrier to echo a marker once playback reaches it.
	SendMark(name string) error
	// Close closes the media stream socket.
	Close() error
}

// responseMeta is what the model reported about a response, held until the
// pacer finishes draining its audio.
type responseMeta struct {
	transcript string
	cancelled  bool
}

// CallRuntime is one live call: the media stream, the AI session, the turn
// arbiter and the outbound pacer, glued together.
type CallRuntime struct {
	svc *CallService
	cfg *config.EngineConfig

	CallSID   string
	StreamSID string
	Tenant    *domain.VoiceTenant
	Direction domain.CallDirection
	From      string
	To        string

	row       *domain.CallSession
	slot      *admission.Slot
	transport WireTransport
	arbiter   *turn.Arbiter
	pacer     *audio.Pacer
	recorder  *storage.Recorder
	promptGen *prompts.TenantPromptGenerator

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	adapter          provider.SessionAdapter
	responseMeta     map[string]*responseMeta
	turns            []*domain.CallTurn
	responseCount    int
	interruptedCount int
	framesSent       int64
	bytesSent        int64
	pendingEndReason string
	silenceTimer     *time.Timer
	silenceRetries   int
	maxDurTimer      *time.Timer
	closingTimer     *time.Timer
	greeted          bool

	lastActivity atomic.Int64
	remoteGone   atomic.Bool
	ended        atomic.Bool
	endOnce      sync.Once
	createdAt    time.Time
}

func newCallRuntime(svc *CallService, transport WireTransport, p *pendingCall, row *domain.CallSession, streamSID string) *CallRuntime {
	ctx, cancel := context.WithCancel(context.Background())

	r := &CallRuntime{
		svc:          svc,
		cfg:          svc.cfg,
		CallSID:      p.slot.CallSID,
		StreamSID:    streamSID,
		Tenant:       p.tenant,
		Direction:    p.direction,
		From:         p.from,
		To:           p.to,
		row:          row,
		slot:         p.slot,
		transport:    transport,
		promptGen:    prompts.NewTenantPromptGenerator(p.tenant),
		ctx:          ctx,
		cancel:       cancel,
		responseMeta: make(map[string]*responseMeta),
		createdAt:    time.Now(),
	}
	r.touch()

	r.arbiter = turn.NewArbiter(r.CallSID, r, svc.cfg.CancelTimeout)
	r.pacer = audio.NewPacer(r.sinkFrame, config.ModelSampleRate, config.WireFrameBytes, config.WireFrameDuration, r.onPacerDone)
	r.pacer.Start(ctx)

	if svc.cfg.RecordingEnabled && svc.uploader != nil {
		r.recorder = storage.NewRecorder(r.CallSID)
	}

	r.maxDurTimer = time.AfterFunc(svc.cfg.MaxCallDuration, func() {
		logger.Base().Warn("Call hit maximum duration",
			zap.String("call_sid", r.CallSID),
			zap.Duration("limit", svc.cfg.MaxCallDuration))
		r.End(domain.EndReasonMaxDuration)
	})

	return r
}

// startAI brings the realtime session up. One failed attempt is retried
// once before the call is abandoned.
func (r *CallRuntime) startAI(ctx context.Context) error {
	voice := r.Tenant.Voice
	if voice == "" {
		voice = r.cfg.Voice
	}
	language := r.Tenant.Language
	if language == "" {
		language = r.cfg.DefaultLanguage
	}
	var speed float64
	if r.Tenant.CustomConfig != nil {
		speed, _ = r.Tenant.CustomConfig["speed"].(float64)
	}

	params := &provider.SessionParams{
		CallSID:       r.CallSID,
		TenantID:      r.Tenant.TenantID,
		Instructions:  r.promptGen.GenerateSessionInstructions(language),
		Voice:         voice,
		Speed:         speed,
		Language:      language,
		TurnDetection: r.cfg.TurnDetection.Resolve(voice),
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		adapter, err := r.svc.adapters.CreateAdapter(provider.ProviderTypeOpenAI, r.cfg, r)
		if err != nil {
			return err
		}

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = adapter.Connect(connectCtx, params)
		cancel()
		if err == nil {
			r.mu.Lock()
			r.adapter = adapter
			r.mu.Unlock()
			return nil
		}

		lastErr = err
		logger.Base().Warn("AI session setup failed",
			zap.String("call_sid", r.CallSID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.ctx.Done():
			return lastErr
		}
	}

	r.svc.eventBus.Publish(event.AISessionFailed, &event.CallLifecycleData{
		CallSID:  r.CallSID,
		TenantID: r.Tenant.TenantID,
	})
	return lastErr
}

func (r *CallRuntime) getAdapter() provider.SessionAdapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapter
}

func (r *CallRuntime) touch() {
	r.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time anything last moved on this call.
func (r *CallRuntime) LastActivity() time.Time {
	return time.Unix(0, r.lastActivity.Load())
}

// Summary returns the operator view of this call.
func (r *CallRuntime) Summary() CallSummary {
	r.mu.Lock()
	responseCount := r.responseCount
	r.mu.Unlock()

	return CallSummary{
		CallSID:       r.CallSID,
		StreamSID:     r.StreamSID,
		TenantID:      r.Tenant.TenantID,
		Direction:     string(r.Direction),
		From:          r.From,
		To:            r.To,
		StartedAt:     r.createdAt,
		TurnState:     r.arbiter.State().String(),
		ResponseCount: responseCount,
	}
}

// ==========================================
// Media stream inputs
// ==========================================

// HandleMedia feeds one chunk of caller audio through to the model.
func (r *CallRuntime) HandleMedia(payload []byte) {
	if r.ended.Load() || len(payload) == 0 {
		return
	}
	r.touch()

	if r.recorder != nil {
		r.recorder.AppendInbound(payload)
	}

	adapter := r.getAdapter()
	if adapter == nil {
		return // AI session still coming up; nothing to feed yet
	}

	pcm := audio.WireToModel(payload, config.ModelSampleRate)
	if err := adapter.AppendAudio(pcm); err != nil && !r.ended.Load() {
		logger.Base().Warn("Failed to forward caller audio",
			zap.String("call_sid", r.CallSID),
			zap.Error(err))
	}
}

// HandleStop reacts to the carrier closing the stream: the caller hung up.
func (r *CallRuntime) HandleStop() {
	r.remoteGone.Store(true)
	r.End(domain.EndReasonCallerHangup)
}

// HandleMark logs a playback marker echoed back by the carrier.
func (r *CallRuntime) HandleMark(name string) {
	logger.Base().Debug("Playback mark reached",
		zap.String("call_sid", r.CallSID),
		zap.String("mark", name))
}

// sinkFrame is the pacer's output: one wire frame per cadence tick.
func (r *CallRuntime) sinkFrame(frame []byte) error {
	if r.recorder != nil {
		r.recorder.AppendOutbound(frame)
	}
	return r.transport.SendMedia(frame)
}

// ==========================================
// Turn arbiter actions (barge-in)
// ==========================================

// FlushPlayback drops buffered assistant audio locally and at the carrier.
func (r *CallRuntime) FlushPlayback() {
	r.pacer.Flush()
	if err := r.transport.SendClear(); err != nil {
		logger.Base().Warn("Failed to clear carrier buffer",
			zap.String("call_sid", r.CallSID),
			zap.Error(err))
	}
	r.svc.eventBus.Publish(event.BargeInDetected, &event.ResponseEventData{
		CallSID: r.CallSID,
	})
}

// CancelResponse forwards the arbiter's cancel to the model.
func (r *CallRuntime) CancelResponse(responseID string) {
	adapter := r.getAdapter()
	if adapter == nil {
		return
	}
	if err := adapter.CancelResponse(responseID); err != nil {
		logger.Base().Warn("Failed to send response cancel",
			zap.String("call_sid", r.CallSID),
			zap.String("response_id", responseID),
			zap.Error(err))
	}
}

// ==========================================
// Model session observer
// ==========================================

// OnSessionReady greets the caller once the session is configured.
func (r *CallRuntime) OnSessionReady() {
	r.mu.Lock()
	if r.greeted {
		r.mu.Unlock()
		return
	}
	r.greeted = true
	r.mu.Unlock()

	adapter := r.getAdapter()
	if adapter == nil {
		return
	}
	if err := adapter.CreateResponse(r.promptGen.GenerateGreetingInstruction()); err != nil {
		logger.Base().Error("Failed to request greeting",
			zap.String("call_sid", r.CallSID),
			zap.Error(err))
	}
}

func (r *CallRuntime) OnResponseStarted(responseID string) {
	if r.ended.Load() {
		return
	}
	r.touch()
	r.stopSilenceTimer()
	r.arbiter.OnResponseStarted(responseID)
	r.pacer.BeginResponse(responseID)

	r.svc.eventBus.Publish(event.AIResponseStarted, &event.ResponseEventData{
		CallSID:    r.CallSID,
		ResponseID: responseID,
	})
}

func (r *CallRuntime) OnResponseAudio(responseID string, pcm []byte) {
	if r.ended.Load() {
		return
	}
	r.touch()
	r.pacer.Append(responseID, pcm)
}

func (r *CallRuntime) OnResponseDone(responseID, transcript string, cancelled bool) {
	if r.ended.Load() {
		return
	}
	r.touch()

	r.mu.Lock()
	r.responseMeta[responseID] = &responseMeta{transcript: transcript, cancelled: cancelled}
	r.mu.Unlock()

	r.arbiter.OnResponseDone(responseID)
	// Counters, transcript persistence and any end-of-call decision wait
	// for the pacer to finish draining this response's audio.
	r.pacer.CompleteResponse(responseID, cancelled)
}

func (r *CallRuntime) OnUserSpeechStarted() {
	if r.ended.Load() {
		return
	}
	r.touch()
	r.stopSilenceTimer()
	r.arbiter.OnUserSpeechStarted()
}

func (r *CallRuntime) OnUserTranscript(transcript string) {
	if r.ended.Load() {
		return
	}
	r.touch()
	r.arbiter.OnUserTurnEnded()

	r.mu.Lock()
	r.silenceRetries = 0
	r.turns = append(r.turns, &domain.CallTurn{
		Role:    domain.TurnRoleUser,
		Content: transcript,
	})
	r.mu.Unlock()

	r.svc.eventBus.Publish(event.AIUserTranscript, &event.ResponseEventData{
		CallSID:    r.CallSID,
		Transcript: transcript,
	})

	if r.isGoodbye(transcript) {
		r.onUserGoodbye()
	}
}

func (r *CallRuntime) OnSessionError(err error) {
	if r.ended.Load() {
		return
	}
	logger.Base().Error("AI session error, ending call",
		zap.String("call_sid", r.CallSID),
		zap.Error(err))
	r.svc.eventBus.Publish(event.AISessionFailed, &event.CallLifecycleData{
		CallSID:  r.CallSID,
		TenantID: r.Tenant.TenantID,
	})
	r.End(domain.EndReasonAIError)
}

func (r *CallRuntime) OnDisconnected(err error) {
	if r.ended.Load() {
		return
	}
	logger.Base().Warn("AI session disconnected mid-call",
		zap.String("call_sid", r.CallSID),
		zap.Error(err))
	r.End(domain.EndReasonAIError)
}

// onPacerDone runs after a response's audio fully drained (or was flushed).
func (r *CallRuntime) onPacerDone(stats audio.ResponseStats) {
	r.mu.Lock()
	meta := r.responseMeta[stats.ResponseID]
	delete(r.responseMeta, stats.ResponseID)
	if meta == nil {
		meta = &responseMeta{cancelled: stats.Cancelled}
	}

	r.responseCount++
	r.framesSent += stats.FramesSent
	r.bytesSent += stats.BytesSent
	if meta.cancelled {
		r.interruptedCount++
	}
	if meta.transcript != "" {
		r.turns = append(r.turns, &domain.CallTurn{
			Role:        domain.TurnRoleAssistant,
			Content:     meta.transcript,
			ResponseID:  stats.ResponseID,
			Interrupted: meta.cancelled,
		})
	}
	pendingEnd := r.pendingEndReason
	r.mu.Unlock()

	eventType := event.AIResponseCompleted
	if meta.cancelled {
		eventType = event.AIResponseCancelled
	}
	r.svc.eventBus.Publish(eventType, &event.ResponseEventData{
		CallSID:    r.CallSID,
		ResponseID: stats.ResponseID,
		Transcript: meta.transcript,
		FramesSent: stats.FramesSent,
		BytesSent:  stats.BytesSent,
		Cancelled:  meta.cancelled,
	})

	if r.ended.Load() {
		return
	}

	// End-of-call decisions happen only after the farewell audio has
	// actually been sent down the wire.
	if pendingEnd != "" {
		r.End(pendingEnd)
		return
	}
	if !meta.cancelled && r.isGoodbye(meta.transcript) {
		logger.Base().Info("Assistant said goodbye, ending call",
			zap.String("call_sid", r.CallSID),
			zap.String("response_id", stats.ResponseID))
		r.svc.eventBus.Publish(event.GoodbyeMatched, &event.ResponseEventData{
			CallSID:    r.CallSID,
			ResponseID: stats.ResponseID,
			Transcript: meta.transcript,
		})
		r.End(domain.EndReasonAssistantGoodbye)
		return
	}

	r.armSilenceTimer()
}

// ==========================================
// Silence handling
// ==========================================

func (r *CallRuntime) armSilenceTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.silenceTimer != nil {
		r.silenceTimer.Stop()
	}
	r.silenceTimer = time.AfterFunc(r.cfg.SilenceTimeout, r.onSilenceTimeout)
}

func (r *CallRuntime) stopSilenceTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.silenceTimer != nil {
		r.silenceTimer.Stop()
		r.silenceTimer = nil
	}
}

func (r *CallRuntime) onSilenceTimeout() {
	if r.ended.Load() {
		return
	}

	r.mu.Lock()
	r.silenceRetries++
	attempt := r.silenceRetries
	final := attempt > r.cfg.SilenceRetries
	if final {
		r.pendingEndReason = domain.EndReasonSilenceTimeout
	}
	r.mu.Unlock()

	logger.Base().Info("Caller silent, nudging",
		zap.String("call_sid", r.CallSID),
		zap.Int("attempt", attempt),
		zap.Bool("final", final))

	adapter := r.getAdapter()
	if adapter == nil {
		r.End(domain.EndReasonSilenceTimeout)
		return
	}
	if err := adapter.CreateResponse(r.promptGen.GenerateSilenceNudgeInstruction(final)); err != nil {
		logger.Base().Warn("Failed to request silence nudge",
			zap.String("call_sid", r.CallSID),
			zap.Error(err))
		r.End(domain.EndReasonSilenceTimeout)
	}
}

// onUserGoodbye lets the model answer the farewell, then ends the call once
// that reply has drained. A fallback timer covers the model never replying.
func (r *CallRuntime) onUserGoodbye() {
	r.mu.Lock()
	if r.pendingEndReason != "" {
		r.mu.Unlock()
		return
	}
	r.pendingEndReason = domain.EndReasonUserGoodbye
	r.closingTimer = time.AfterFunc(5*time.Second, func() {
		logger.Base().Warn("No farewell response after user goodbye, ending call",
			zap.String("call_sid", r.CallSID))
		r.End(domain.EndReasonUserGoodbye)
	})
	r.mu.Unlock()

	logger.Base().Info("User said goodbye",
		zap.String("call_sid", r.CallSID))
	r.svc.eventBus.Publish(event.GoodbyeMatched, &event.ResponseEventData{
		CallSID: r.CallSID,
	})
}
