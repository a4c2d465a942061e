package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/admission"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"github.com/relaymesh/relay-voice-engine/internal/services/call"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

// VoiceWebhookHandler answers the carrier's call webhooks. The answer
// webhook is where admission happens: a denied call gets a spoken busy
// message and never reaches the media stream or the AI provider.
type VoiceWebhookHandler struct {
	cfg         *config.EngineConfig
	callService *call.CallService
}

// NewVoiceWebhookHandler creates the webhook handler.
func NewVoiceWebhookHandler(cfg *config.EngineConfig, callService *call.CallService) *VoiceWebhookHandler {
	return &VoiceWebhookHandler{cfg: cfg, callService: callService}
}

// HandleAnswer serves POST /voice/answer for both inbound calls and the
// answer leg of outbound ones.
func (h *VoiceWebhookHandler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	to := r.FormValue("To")
	if callSID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}

	logger.Base().Info("Answer webhook received",
		zap.String("call_sid", callSID),
		zap.String("from", from),
		zap.String("to", to))

	tenant, err := h.callService.AdmitCall(r.Context(), callSID, from, to)
	if err != nil {
		h.writeRejection(w, callSID, err)
		return
	}

	direction := domain.CallDirectionInbound
	if tenant.PhoneNumber == from {
		direction = domain.CallDirectionOutbound
	}

	writeTwiML(w, fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s">
            <Parameter name="tenant_id" value="%s"/>
            <Parameter name="from" value="%s"/>
            <Parameter name="to" value="%s"/>
            <Parameter name="direction" value="%s"/>
        </Stream>
    </Connect>
</Response>`,
		xmlEscape(h.cfg.StreamURL()),
		xmlEscape(tenant.TenantID),
		xmlEscape(from),
		xmlEscape(to),
		direction))
}

// writeRejection answers a refused call. Admission denials get the spoken
// busy message; unknown numbers are rejected outright. Either way no AI
// session was opened and no media stream will connect.
func (h *VoiceWebhookHandler) writeRejection(w http.ResponseWriter, callSID string, err error) {
	var denied *admission.DeniedError
	switch {
	case errors.As(err, &denied):
		logger.Base().Warn("Answering call with busy message",
			zap.String("call_sid", callSID),
			zap.String("scope", denied.Scope))
	case errors.Is(err, call.ErrUnknownNumber):
		writeTwiML(w, `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Reject reason="rejected"/>
</Response>`)
		return
	default:
		// Admission could not be verified (store unreachable or similar).
		// Fail closed: the caller hears busy rather than sneaking past the
		// ceiling.
		logger.Base().Error("Admission check errored, answering with busy message",
			zap.String("call_sid", callSID),
			zap.Error(err))
	}

	writeTwiML(w, fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Say>%s</Say>
    <Hangup/>
</Response>`, xmlEscape(h.cfg.BusyMessage)))
}

// HandleStatus serves POST /voice/status, the carrier's call status
// callbacks. A terminal status for a call still running locally means the
// remote leg is gone.
func (h *VoiceWebhookHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")

	logger.Base().Info("Call status callback",
		zap.String("call_sid", callSID),
		zap.String("status", status))

	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
		if runtime := h.callService.GetRuntime(callSID); runtime != nil {
			runtime.HandleStop()
		}
	}

	w.WriteHeader(http.StatusOK)
}

func writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}
