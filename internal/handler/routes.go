package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/admission"
	"github.com/relaymesh/relay-voice-engine/internal/core/session"
	"github.com/relaymesh/relay-voice-engine/internal/repository"
	"github.com/relaymesh/relay-voice-engine/internal/services/call"
	"github.com/relaymesh/relay-voice-engine/pkg/telephony"
)

// Manager wires the HTTP surface: carrier webhooks, the media stream socket
// and the operator API.
type Manager struct {
	cfg *config.EngineConfig

	webhookHandler *VoiceWebhookHandler
	streamHandler  *MediaStreamHandler
	callAPIHandler *CallAPIHandler
	tenantHandler  *TenantHandler
}

// NewManager creates all handlers from the already-wired services.
func NewManager(
	cfg *config.EngineConfig,
	callService *call.CallService,
	admissionCtrl *admission.Controller,
	sessionMgr *session.Manager,
	callControl telephony.CallController,
	repos repository.RepositoryManager,
) *Manager {
	return &Manager{
		cfg:            cfg,
		webhookHandler: NewVoiceWebhookHandler(cfg, callService),
		streamHandler:  NewMediaStreamHandler(callService),
		callAPIHandler: NewCallAPIHandler(cfg, callService, admissionCtrl, sessionMgr, callControl, repos),
		tenantHandler:  NewTenantHandler(repos, callService),
	}
}

// SetupRoutes builds the router. Carrier-facing endpoints stay open (Twilio
// signs its requests at the transport layer); the operator API sits behind
// the key guard.
func (m *Manager) SetupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(RecoveryMiddleware, LoggingMiddleware)

	// Carrier webhooks + media stream
	router.HandleFunc("/voice/answer", m.webhookHandler.HandleAnswer).Methods(http.MethodPost)
	router.HandleFunc("/voice/status", m.webhookHandler.HandleStatus).Methods(http.MethodPost)
	router.HandleFunc("/voice/stream", m.streamHandler.HandleStream)

	// Health
	router.HandleFunc("/healthz", m.callAPIHandler.HandleHealth).Methods(http.MethodGet)

	// Operator API
	api := router.PathPrefix("/api").Subrouter()
	api.Use(CORSMiddleware, APIKeyMiddleware(m.cfg.SecretKey))

	api.HandleFunc("/admission", m.callAPIHandler.HandleAdmissionStatus).Methods(http.MethodGet)
	api.HandleFunc("/calls", m.callAPIHandler.HandleListCalls).Methods(http.MethodGet)
	api.HandleFunc("/calls/dial", m.callAPIHandler.HandleDial).Methods(http.MethodPost)
	api.HandleFunc("/calls/{call_sid}", m.callAPIHandler.HandleGetCall).Methods(http.MethodGet)
	api.HandleFunc("/calls/{call_sid}/hangup", m.callAPIHandler.HandleHangupCall).Methods(http.MethodPost)
	api.HandleFunc("/calls/{call_sid}/transcript", m.callAPIHandler.HandleCallTranscript).Methods(http.MethodGet)

	api.HandleFunc("/tenants", m.tenantHandler.HandleCreate).Methods(http.MethodPost)
	api.HandleFunc("/tenants", m.tenantHandler.HandleList).Methods(http.MethodGet)
	api.HandleFunc("/tenants/{tenant_id}", m.tenantHandler.HandleGet).Methods(http.MethodGet)
	api.HandleFunc("/tenants/{tenant_id}", m.tenantHandler.HandleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/tenants/{tenant_id}", m.tenantHandler.HandleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/tenants/{tenant_id}/calls", m.callAPIHandler.HandleCallHistory).Methods(http.MethodGet)

	return router
}
