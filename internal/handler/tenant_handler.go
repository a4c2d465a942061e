package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"github.com/relaymesh/relay-voice-engine/internal/repository"
	"github.com/relaymesh/relay-voice-engine/internal/services/call"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

// TenantHandler manages tenant profiles. Every write triggers a cache
// refresh broadcast so all pods pick the change up without a restart.
type TenantHandler struct {
	repos       repository.RepositoryManager
	callService *call.CallService
}

// NewTenantHandler creates the tenant admin handler.
func NewTenantHandler(repos repository.RepositoryManager, callService *call.CallService) *TenantHandler {
	return &TenantHandler{repos: repos, callService: callService}
}

// HandleCreate serves POST /api/tenants.
func (h *TenantHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateVoiceTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.TenantName == "" {
		writeJSONError(w, http.StatusBadRequest, "tenant_id and tenant_name are required")
		return
	}

	exists, err := h.repos.VoiceTenant().ExistsByTenantID(r.Context(), req.TenantID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to check tenant")
		return
	}
	if exists {
		writeJSONError(w, http.StatusConflict, "tenant already exists")
		return
	}

	tenant, err := h.repos.VoiceTenant().Create(r.Context(), &req)
	if err != nil {
		logger.Base().Error("Failed to create tenant",
			zap.String("tenant_id", req.TenantID),
			zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	h.callService.RequestTenantRefresh(r.Context())
	writeJSON(w, http.StatusCreated, tenant)
}

// HandleList serves GET /api/tenants.
func (h *TenantHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("include_disabled") == "true"

	tenants, err := h.repos.VoiceTenant().GetAll(r.Context(), includeDisabled)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": tenants})
}

// HandleGet serves GET /api/tenants/{tenant_id}.
func (h *TenantHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	tenant, err := h.repos.VoiceTenant().GetByTenantID(r.Context(), tenantID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load tenant")
		return
	}
	if tenant == nil {
		writeJSONError(w, http.StatusNotFound, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

// HandleUpdate serves PUT /api/tenants/{tenant_id}.
func (h *TenantHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	var req domain.UpdateVoiceTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	existing, err := h.repos.VoiceTenant().GetByTenantID(r.Context(), tenantID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load tenant")
		return
	}
	if existing == nil {
		writeJSONError(w, http.StatusNotFound, "tenant not found")
		return
	}

	tenant, err := h.repos.VoiceTenant().Update(r.Context(), existing.ID, &req)
	if err != nil {
		logger.Base().Error("Failed to update tenant",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to update tenant")
		return
	}

	h.callService.RequestTenantRefresh(r.Context())
	writeJSON(w, http.StatusOK, tenant)
}

// HandleDelete serves DELETE /api/tenants/{tenant_id} (soft delete).
func (h *TenantHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	existing, err := h.repos.VoiceTenant().GetByTenantID(r.Context(), tenantID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load tenant")
		return
	}
	if existing == nil {
		writeJSONError(w, http.StatusNotFound, "tenant not found")
		return
	}

	if err := h.repos.VoiceTenant().Delete(r.Context(), existing.ID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to delete tenant")
		return
	}

	h.callService.RequestTenantRefresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "tenant_id": tenantID})
}
