package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/admission"
	"github.com/relaymesh/relay-voice-engine/internal/core/session"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"github.com/relaymesh/relay-voice-engine/internal/repository"
	"github.com/relaymesh/relay-voice-engine/internal/services/call"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"github.com/relaymesh/relay-voice-engine/pkg/telephony"
	"go.uber.org/zap"
)

// CallAPIHandler is the operator surface: health, live calls, admission
// state and outbound dialing.
type CallAPIHandler struct {
	cfg           *config.EngineConfig
	callService   *call.CallService
	admissionCtrl *admission.Controller
	sessionMgr    *session.Manager
	callControl   telephony.CallController
	repos         repository.RepositoryManager
}

// NewCallAPIHandler creates the operator API handler.
func NewCallAPIHandler(
	cfg *config.EngineConfig,
	callService *call.CallService,
	admissionCtrl *admission.Controller,
	sessionMgr *session.Manager,
	callControl telephony.CallController,
	repos repository.RepositoryManager,
) *CallAPIHandler {
	return &CallAPIHandler{
		cfg:           cfg,
		callService:   callService,
		admissionCtrl: admissionCtrl,
		sessionMgr:    sessionMgr,
		callControl:   callControl,
		repos:         repos,
	}
}

// HandleHealth serves GET /healthz. Reports degraded (still 200) when the
// database is down, since live calls survive that.
func (h *CallAPIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	if err := h.repos.Ping(ctx); err != nil {
		status = "degraded"
		logger.Base().Warn("Health check: database unreachable", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"active_calls": h.callService.GetConnectionCount(),
		"time":         time.Now().UTC(),
	})
}

// HandleListCalls serves GET /api/calls: the live calls on this pod.
func (h *CallAPIHandler) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls": h.callService.ListActiveCalls(),
		"count": h.callService.GetConnectionCount(),
	})
}

// HandleGetCall serves GET /api/calls/{call_sid}. Falls back to the
// cross-pod registry when the call is not local.
func (h *CallAPIHandler) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	callSID := mux.Vars(r)["call_sid"]

	if runtime := h.callService.GetRuntime(callSID); runtime != nil {
		writeJSON(w, http.StatusOK, runtime.Summary())
		return
	}

	if h.sessionMgr != nil {
		info, err := h.sessionMgr.Get(r.Context(), callSID)
		if err == nil && info != nil {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}

	writeJSONError(w, http.StatusNotFound, "call not found")
}

// HandleHangupCall serves POST /api/calls/{call_sid}/hangup. Routes through
// the task bus when the call lives on another pod.
func (h *CallAPIHandler) HandleHangupCall(w http.ResponseWriter, r *http.Request) {
	callSID := mux.Vars(r)["call_sid"]

	if err := h.callService.EndCall(r.Context(), callSID, domain.EndReasonShutdown); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "hangup requested", "call_sid": callSID})
}

// HandleAdmissionStatus serves GET /api/admission: the shared counter and
// the configured ceiling.
func (h *CallAPIHandler) HandleAdmissionStatus(w http.ResponseWriter, r *http.Request) {
	count, err := h.admissionCtrl.GetCurrentCount(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "admission counter unreachable")
		return
	}

	resp := map[string]interface{}{
		"current_count": count,
		"ceiling":       h.admissionCtrl.Ceiling(),
		"pod_calls":     h.callService.GetConnectionCount(),
	}

	if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
		tenantCount, err := h.admissionCtrl.GetTenantCount(r.Context(), tenantID)
		if err == nil {
			resp["tenant_id"] = tenantID
			resp["tenant_count"] = tenantCount
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// DialRequest is the body of POST /api/calls/dial.
type DialRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
}

// HandleDial places an outbound call. The carrier calls the number and, once
// answered, hits the answer webhook like any inbound call; admission happens
// there.
func (h *CallAPIHandler) HandleDial(w http.ResponseWriter, r *http.Request) {
	var req DialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" {
		writeJSONError(w, http.StatusBadRequest, "to is required")
		return
	}
	if h.callControl == nil || !h.callControl.IsEnabled() {
		writeJSONError(w, http.StatusServiceUnavailable, "call control is not configured")
		return
	}

	answerURL := "https://" + trimScheme(h.cfg.PublicHost) + "/voice/answer"
	callSID, err := h.callControl.Dial(r.Context(), req.To, req.From, answerURL, h.cfg.StatusCallbackURL())
	if err != nil {
		logger.Base().Error("Outbound dial failed",
			zap.String("to", req.To),
			zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "failed to place call")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"call_sid": callSID, "to": req.To})
}

// HandleCallHistory serves GET /api/tenants/{tenant_id}/calls: recent
// finished sessions with their transcripts available separately.
func (h *CallAPIHandler) HandleCallHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	sessions, err := h.repos.CallSession().ListByTenantID(r.Context(), tenantID, 50)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list call history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// HandleCallTranscript serves GET /api/calls/{call_sid}/transcript.
func (h *CallAPIHandler) HandleCallTranscript(w http.ResponseWriter, r *http.Request) {
	callSID := mux.Vars(r)["call_sid"]

	sess, err := h.repos.CallSession().GetByCallSID(r.Context(), callSID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load call session")
		return
	}
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "call not found")
		return
	}

	turns, err := h.repos.CallTurn().GetByCallSessionID(r.Context(), sess.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess, "turns": turns})
}

func trimScheme(host string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if len(host) > len(prefix) && host[:len(prefix)] == prefix {
			return host[len(prefix):]
		}
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Base().Warn("Failed to encode response", zap.Error(err))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
