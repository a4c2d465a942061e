package call

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/relay-voice-engine/internal/core/event"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"github.com/relaymesh/relay-voice-engine/pkg/pubsub"
	"go.uber.org/zap"
)

// builtinGoodbyePhrases always count as a farewell, in the languages the
// engine ships with. Operators extend the list via GOODBYE_PHRASES and
// tenants via their custom config; nothing ever shrinks it.
var builtinGoodbyePhrases = []string{
	"goodbye",
	"good bye",
	"bye bye",
	"bye-bye",
	"talk to you later",
	"have a great day",
	"have a good day",
	"have a nice day",
	"hasta luego",
	"adiós",
	"adios",
	"au revoir",
	"auf wiedersehen",
	"tschüss",
	"arrivederci",
	"até logo",
	"tchau",
	"再見",
	"再见",
	"拜拜",
	"さようなら",
	"またね",
	"안녕히 가세요",
	"अलविदा",
}

// matchGoodbye reports whether the utterance reads as a farewell. Matching
// is substring-based on the lowercased text: farewells arrive embedded in
// longer sentences ("okay, goodbye then!") far more often than alone. A bare
// "bye" only counts as the whole utterance, otherwise it fires inside words
// and phrases like "buy" mis-transcriptions never would.
func matchGoodbye(transcript string, extra []string) bool {
	text := strings.ToLower(strings.TrimSpace(transcript))
	if text == "" {
		return false
	}

	trimmed := strings.Trim(text, ".,!?¡¿ ")
	if trimmed == "bye" {
		return true
	}

	for _, phrase := range builtinGoodbyePhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	for _, phrase := range extra {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// goodbyeExtras merges the operator-configured phrases with any the tenant
// added in its profile.
func (r *CallRuntime) goodbyeExtras() []string {
	extras := r.cfg.GoodbyePhrases
	if r.Tenant == nil || r.Tenant.CustomConfig == nil {
		return extras
	}
	raw, ok := r.Tenant.CustomConfig["goodbye_phrases"].([]interface{})
	if !ok {
		return extras
	}
	merged := append([]string(nil), extras...)
	for _, v := range raw {
		if s, ok := v.(string); ok {
			merged = append(merged, s)
		}
	}
	return merged
}

func (r *CallRuntime) isGoodbye(transcript string) bool {
	return matchGoodbye(transcript, r.goodbyeExtras())
}

// End tears the call down. Safe to call from any goroutine and any number of
// times; only the first call does work. The admission slot release and local
// state removal are unconditional: they happen even when the remote hangup
// command, persistence or event publishing fail.
func (r *CallRuntime) End(reason string) {
	r.endOnce.Do(func() {
		r.ended.Store(true)
		r.cancel()

		logger.Base().Info("Ending call",
			zap.String("call_sid", r.CallSID),
			zap.String("tenant_id", r.Tenant.TenantID),
			zap.String("reason", reason),
			zap.Duration("duration", time.Since(r.createdAt)))

		defer func() {
			r.svc.removeCall(r.CallSID)
			r.svc.admissionCtrl.Release(r.slot)
		}()

		r.stopTimers()
		r.arbiter.Close()

		// Stop the pacer before the transport goes away so no tick races a
		// frame into a closing socket.
		r.pacer.Stop()

		if adapter := r.getAdapter(); adapter != nil {
			if err := adapter.Close(); err != nil {
				logger.Base().Debug("AI session close",
					zap.String("call_sid", r.CallSID),
					zap.Error(err))
			}
		}

		r.hangupRemote(reason)

		if err := r.transport.Close(); err != nil {
			logger.Base().Debug("Media stream close",
				zap.String("call_sid", r.CallSID),
				zap.Error(err))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		recordingURL := r.finishRecording(ctx)
		turnCount := r.persist(ctx, reason, recordingURL)
		r.publishUsage(ctx, reason, turnCount)

		endedAt := time.Now()
		r.svc.eventBus.Publish(event.CallEnded, &event.CallLifecycleData{
			CallSID:    r.CallSID,
			StreamSID:  r.StreamSID,
			TenantID:   r.Tenant.TenantID,
			Direction:  string(r.Direction),
			FromNumber: r.From,
			ToNumber:   r.To,
			EndReason:  reason,
			StartedAt:  r.createdAt,
			EndedAt:    &endedAt,
		})
	})
}

func (r *CallRuntime) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.silenceTimer != nil {
		r.silenceTimer.Stop()
		r.silenceTimer = nil
	}
	if r.maxDurTimer != nil {
		r.maxDurTimer.Stop()
		r.maxDurTimer = nil
	}
	if r.closingTimer != nil {
		r.closingTimer.Stop()
		r.closingTimer = nil
	}
}

// hangupRemote forces the provider to drop the remote leg. Closing our media
// socket alone leaves the carrier leg up and the caller listening to dead
// air, so the REST command is authoritative; the controller retries it once
// and a persistent failure only costs us the remote leg, never local
// cleanup.
func (r *CallRuntime) hangupRemote(reason string) {
	if r.remoteGone.Load() {
		return // the caller already hung up; nothing to terminate
	}
	if r.svc.callControl == nil || !r.svc.callControl.IsEnabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.svc.callControl.Hangup(ctx, r.CallSID); err != nil {
		logger.Base().Error("Remote hangup command failed, proceeding with local teardown",
			zap.String("call_sid", r.CallSID),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}

	r.svc.eventBus.Publish(event.HangupIssued, &event.CallLifecycleData{
		CallSID:   r.CallSID,
		TenantID:  r.Tenant.TenantID,
		EndReason: reason,
	})
}

func (r *CallRuntime) finishRecording(ctx context.Context) string {
	if r.recorder == nil || r.svc.uploader == nil {
		return ""
	}
	url, err := r.recorder.Finish(ctx, r.svc.uploader)
	if err != nil {
		logger.Base().Warn("Failed to store call recording",
			zap.String("call_sid", r.CallSID),
			zap.Error(err))
		return ""
	}
	return url
}

// persist finalizes the session row and writes the transcript. History is
// best effort; a dead database never blocks teardown.
func (r *CallRuntime) persist(ctx context.Context, reason, recordingURL string) int {
	r.mu.Lock()
	turns := r.turns
	r.turns = nil
	r.row.ResponseCount = r.responseCount
	r.row.FramesSent = r.framesSent
	r.row.BytesSent = r.bytesSent
	r.mu.Unlock()

	r.row.EndReason = reason
	if reason == domain.EndReasonAIError || reason == domain.EndReasonTransportError {
		r.row.Status = domain.CallStatusFailed
	}
	if recordingURL != "" {
		r.row.RecordingURL = recordingURL
	}

	if err := r.svc.repos.CallSession().Finalize(ctx, r.row); err != nil {
		logger.Base().Error("Failed to finalize call session record",
			zap.String("call_sid", r.CallSID),
			zap.Error(err))
	}

	if len(turns) == 0 {
		return 0
	}
	for _, t := range turns {
		t.CallSessionID = r.row.ID
	}
	if err := r.svc.repos.CallTurn().CreateBatch(ctx, turns); err != nil {
		logger.Base().Error("Failed to persist call transcript",
			zap.String("call_sid", r.CallSID),
			zap.Int("turns", len(turns)),
			zap.Error(err))
	}
	return len(turns)
}

// publishUsage emits the billing and metrics events for the finished call.
func (r *CallRuntime) publishUsage(ctx context.Context, reason string, turnCount int) {
	if r.svc.pubsubSvc == nil {
		return
	}

	duration := int(time.Since(r.createdAt).Seconds())
	if err := r.svc.pubsubSvc.PublishCallUsageEvent(ctx, r.Tenant.TenantID, r.CallSID, duration); err != nil {
		logger.Base().Warn("Failed to publish usage event",
			zap.String("call_sid", r.CallSID),
			zap.Error(err))
	}

	r.mu.Lock()
	metrics := pubsub.CallMetricsEvent{
		ID:               uuid.New().String(),
		TenantID:         r.Tenant.TenantID,
		CallSID:          r.CallSID,
		Direction:        string(r.Direction),
		Language:         r.Tenant.Language,
		Status:           r.row.Status,
		EndReason:        reason,
		StartAt:          r.createdAt,
		Duration:         duration,
		TurnCount:        turnCount,
		ResponseCount:    r.responseCount,
		InterruptedCount: r.interruptedCount,
		FramesSent:       r.framesSent,
		BytesSent:        r.bytesSent,
		CreatedAt:        time.Now(),
	}
	r.mu.Unlock()

	endAt := time.Now()
	metrics.EndAt = &endAt

	if err := r.svc.pubsubSvc.PublishCallMetricsEvent(ctx, metrics); err != nil {
		logger.Base().Warn("Failed to publish call metrics",
			zap.String("call_sid", r.CallSID),
			zap.Error(err))
	}
}
