package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/relay-voice-engine/internal/cache"
	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/admission"
	"github.com/relaymesh/relay-voice-engine/internal/core/event"
	"github.com/relaymesh/relay-voice-engine/internal/core/model"
	"github.com/relaymesh/relay-voice-engine/internal/core/session"
	"github.com/relaymesh/relay-voice-engine/internal/core/task"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"github.com/relaymesh/relay-voice-engine/internal/repository"
	"github.com/relaymesh/relay-voice-engine/internal/storage"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"github.com/relaymesh/relay-voice-engine/pkg/pubsub"
	"github.com/relaymesh/relay-voice-engine/pkg/telephony"
	"go.uber.org/zap"
)

// ErrUnknownNumber means no enabled tenant owns the dialed number.
var ErrUnknownNumber = errors.New("no tenant configured for number")

// pendingCall is an admitted call whose media stream has not arrived yet.
// Admission happens at the webhook; the stream websocket lands moments later
// and claims the slot.
type pendingCall struct {
	slot      *admission.Slot
	tenant    *domain.VoiceTenant
	direction domain.CallDirection
	from      string
	to        string
	parkedAt  time.Time
}

// CallService owns every live call on this pod.
type CallService struct {
	cfg           *config.EngineConfig
	repos         repository.RepositoryManager
	tenants       *cache.TenantCache
	admissionCtrl *admission.Controller
	adapters      *model.DefaultAdapterRegistry
	sessionMgr    *session.Manager
	taskBus       task.Bus
	eventBus      event.EventBus
	pubsubSvc     *pubsub.PubSubService
	callControl   telephony.CallController
	uploader      storage.Uploader

	calls   map[string]*CallRuntime
	pending map[string]*pendingCall
	mutex   sync.RWMutex
	podID   string
}

// NewCallService wires the call service. pubsubSvc and uploader may be nil
// when those integrations are not configured.
func NewCallService(
	cfg *config.EngineConfig,
	repos repository.RepositoryManager,
	tenants *cache.TenantCache,
	admissionCtrl *admission.Controller,
	adapters *model.DefaultAdapterRegistry,
	sessionMgr *session.Manager,
	taskBus task.Bus,
	eventBus event.EventBus,
	pubsubSvc *pubsub.PubSubService,
	callControl telephony.CallController,
	uploader storage.Uploader,
) *CallService {
	return &CallService{
		cfg:           cfg,
		repos:         repos,
		tenants:       tenants,
		admissionCtrl: admissionCtrl,
		adapters:      adapters,
		sessionMgr:    sessionMgr,
		taskBus:       taskBus,
		eventBus:      eventBus,
		pubsubSvc:     pubsubSvc,
		callControl:   callControl,
		uploader:      uploader,
		calls:         make(map[string]*CallRuntime),
		pending:       make(map[string]*pendingCall),
		podID:         cfg.InstanceID,
	}
}

// Start begins the background loops: task bus subscription, admission
// reconcile and the inactivity reaper.
func (s *CallService) Start(ctx context.Context) error {
	if s.taskBus != nil {
		if err := s.taskBus.Subscribe(ctx, s.handleSessionTask); err != nil {
			return fmt.Errorf("subscribe task bus: %w", err)
		}
	}
	s.admissionCtrl.StartReconcileLoop(ctx)
	go s.reaperLoop(ctx)
	return nil
}

// resolveTenant maps the call's numbers to an enabled tenant. The dialed
// number owns inbound calls; the caller id owns outbound ones.
func (s *CallService) resolveTenant(from, to string) (*domain.VoiceTenant, domain.CallDirection) {
	if tenant, err := s.tenants.GetByPhoneNumber(to); err == nil && tenant != nil {
		return tenant, domain.CallDirectionInbound
	}
	if tenant, err := s.tenants.GetByPhoneNumber(from); err == nil && tenant != nil {
		return tenant, domain.CallDirectionOutbound
	}
	return nil, ""
}

// AdmitCall decides at webhook time whether the call gets in. On success the
// slot is parked until the media stream arrives and claims it. Callers turn
// any error into a busy response.
func (s *CallService) AdmitCall(ctx context.Context, callSID, from, to string) (*domain.VoiceTenant, error) {
	tenant, direction := s.resolveTenant(from, to)
	if tenant == nil {
		logger.Base().Warn("Call for unknown number refused",
			zap.String("call_sid", callSID),
			zap.String("from", from),
			zap.String("to", to))
		return nil, ErrUnknownNumber
	}

	slot, err := s.admissionCtrl.Acquire(ctx, callSID, tenant.TenantID, tenant.MaxConcurrentCalls)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	s.pending[callSID] = &pendingCall{
		slot:      slot,
		tenant:    tenant,
		direction: direction,
		from:      from,
		to:        to,
		parkedAt:  time.Now(),
	}
	s.mutex.Unlock()

	return tenant, nil
}

// claimPending pops the parked admission for a call, if this pod has one.
func (s *CallService) claimPending(callSID string) *pendingCall {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	p, ok := s.pending[callSID]
	if !ok {
		return nil
	}
	delete(s.pending, callSID)
	return p
}

// StartParams identifies the call a media stream belongs to. Tenant and
// numbers come from the stream's custom parameters so a pod that did not
// serve the webhook can still claim the call.
type StartParams struct {
	CallSID   string
	StreamSID string
	TenantID  string
	From      string
	To        string
	Direction string
}

// StartSession binds an arriving media stream to its admitted call and
// brings the AI session up. The returned runtime consumes the stream's
// messages until the call ends.
func (s *CallService) StartSession(ctx context.Context, transport WireTransport, params StartParams) (*CallRuntime, error) {
	p := s.claimPending(params.CallSID)
	if p == nil {
		// The webhook was served by another pod. Resolve and admit here;
		// the other pod's parked slot times out and frees itself.
		var err error
		p, err = s.admitForStream(ctx, params)
		if err != nil {
			return nil, err
		}
	}

	row := &domain.CallSession{
		CallSID:    params.CallSID,
		StreamSID:  params.StreamSID,
		TenantID:   p.tenant.TenantID,
		Direction:  p.direction,
		FromNumber: p.from,
		ToNumber:   p.to,
	}
	if err := s.repos.CallSession().Create(ctx, row); err != nil {
		logger.Base().Error("Failed to persist call session",
			zap.String("call_sid", params.CallSID),
			zap.Error(err))
		// The call still runs; only history is degraded
	}

	runtime := newCallRuntime(s, transport, p, row, params.StreamSID)

	s.mutex.Lock()
	s.calls[params.CallSID] = runtime
	s.mutex.Unlock()

	if s.sessionMgr != nil {
		go func() {
			regCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.sessionMgr.Register(regCtx, session.SessionInfo{
				CallSID:   params.CallSID,
				StreamSID: params.StreamSID,
				TenantID:  p.tenant.TenantID,
				Direction: string(p.direction),
				StartTime: runtime.createdAt,
			})
		}()
	}

	s.eventBus.Publish(event.CallStarted, &event.CallLifecycleData{
		CallSID:    params.CallSID,
		StreamSID:  params.StreamSID,
		TenantID:   p.tenant.TenantID,
		Direction:  string(p.direction),
		FromNumber: p.from,
		ToNumber:   p.to,
		StartedAt:  runtime.createdAt,
	})

	if err := runtime.startAI(ctx); err != nil {
		runtime.End(domain.EndReasonAIError)
		return nil, err
	}

	return runtime, nil
}

// admitForStream admits a stream whose webhook landed on another pod.
func (s *CallService) admitForStream(ctx context.Context, params StartParams) (*pendingCall, error) {
	var tenant *domain.VoiceTenant
	var direction domain.CallDirection

	if params.TenantID != "" {
		if t, err := s.tenants.GetTenant(params.TenantID); err == nil && t != nil {
			tenant = t
			direction = domain.CallDirection(params.Direction)
		}
	}
	if tenant == nil {
		tenant, direction = s.resolveTenant(params.From, params.To)
	}
	if tenant == nil {
		return nil, ErrUnknownNumber
	}
	if direction == "" {
		direction = domain.CallDirectionInbound
	}

	slot, err := s.admissionCtrl.Acquire(ctx, params.CallSID, tenant.TenantID, tenant.MaxConcurrentCalls)
	if err != nil {
		return nil, err
	}

	logger.Base().Info("Stream admitted without parked webhook slot",
		zap.String("call_sid", params.CallSID),
		zap.String("tenant_id", tenant.TenantID))

	return &pendingCall{
		slot:      slot,
		tenant:    tenant,
		direction: direction,
		from:      params.From,
		to:        params.To,
		parkedAt:  time.Now(),
	}, nil
}

// GetRuntime returns the local runtime for a call, or nil.
func (s *CallService) GetRuntime(callSID string) *CallRuntime {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.calls[callSID]
}

// GetConnectionCount returns the number of live calls on this pod.
func (s *CallService) GetConnectionCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.calls)
}

// CallSummary is the operator view of one live call.
type CallSummary struct {
	CallSID       string    `json:"call_sid"`
	StreamSID     string    `json:"stream_sid"`
	TenantID      string    `json:"tenant_id"`
	Direction     string    `json:"direction"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	StartedAt     time.Time `json:"started_at"`
	TurnState     string    `json:"turn_state"`
	ResponseCount int       `json:"response_count"`
}

// ListActiveCalls summarizes this pod's live calls.
func (s *CallService) ListActiveCalls() []CallSummary {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	summaries := make([]CallSummary, 0, len(s.calls))
	for _, r := range s.calls {
		summaries = append(summaries, r.Summary())
	}
	return summaries
}

// EndCall ends a call wherever it lives. Local calls are torn down
// directly; everything else goes over the task bus.
func (s *CallService) EndCall(ctx context.Context, callSID, reason string) error {
	if runtime := s.GetRuntime(callSID); runtime != nil {
		runtime.End(reason)
		return nil
	}
	if s.taskBus == nil {
		return fmt.Errorf("call %s not on this pod and no task bus configured", callSID)
	}
	return s.taskBus.Publish(ctx, task.SessionTask{
		Type:    task.TaskTypeHangup,
		CallSID: callSID,
		Reason:  reason,
		PodID:   s.podID,
	})
}

// RequestTenantRefresh asks every pod to reload the tenant cache.
func (s *CallService) RequestTenantRefresh(ctx context.Context) {
	s.refreshTenants()
	if s.taskBus != nil {
		if err := s.taskBus.Publish(ctx, task.SessionTask{
			Type:  task.TaskTypeTenantRefresh,
			PodID: s.podID,
		}); err != nil {
			logger.Base().Warn("Failed to broadcast tenant refresh", zap.Error(err))
		}
	}
}

func (s *CallService) handleSessionTask(t task.SessionTask) {
	switch t.Type {
	case task.TaskTypeHangup:
		if runtime := s.GetRuntime(t.CallSID); runtime != nil {
			reason := t.Reason
			if reason == "" {
				reason = domain.EndReasonShutdown
			}
			logger.Base().Info("Hangup task received for local call",
				zap.String("call_sid", t.CallSID),
				zap.String("reason", reason))
			runtime.End(reason)
		}
	case task.TaskTypeTenantRefresh:
		if t.PodID == s.podID {
			return // we refreshed before broadcasting
		}
		s.refreshTenants()
	}
}

func (s *CallService) refreshTenants() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tenants, err := s.repos.VoiceTenant().GetAll(ctx, true)
	if err != nil {
		logger.Base().Error("Failed to reload tenants", zap.Error(err))
		return
	}
	if err := s.tenants.UpdateTenantsAsync(tenants); err != nil {
		logger.Base().Warn("Tenant cache refresh not queued", zap.Error(err))
	}
}

// removeCall drops the runtime from the registry. Called from teardown.
func (s *CallService) removeCall(callSID string) {
	s.mutex.Lock()
	delete(s.calls, callSID)
	s.mutex.Unlock()

	if s.sessionMgr != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.sessionMgr.Unregister(ctx, callSID)
		}()
	}
}

// reaperLoop ends calls that have gone quiet and releases admission slots
// whose media stream never showed up.
func (s *CallService) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.InactivityCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapInactive()
			s.reapUnclaimed()
		}
	}
}

func (s *CallService) reapInactive() {
	s.mutex.RLock()
	stale := make([]*CallRuntime, 0)
	for _, r := range s.calls {
		if time.Since(r.LastActivity()) > s.cfg.InactivityLimit {
			stale = append(stale, r)
		}
	}
	s.mutex.RUnlock()

	for _, r := range stale {
		logger.Base().Warn("Reaping inactive call",
			zap.String("call_sid", r.CallSID),
			zap.Time("last_activity", r.LastActivity()))
		r.End(domain.EndReasonInactivity)
	}
}

func (s *CallService) reapUnclaimed() {
	s.mutex.Lock()
	var orphans []*pendingCall
	for callSID, p := range s.pending {
		if time.Since(p.parkedAt) > s.cfg.SlotTTL {
			orphans = append(orphans, p)
			delete(s.pending, callSID)
		}
	}
	s.mutex.Unlock()

	for _, p := range orphans {
		logger.Base().Warn("Releasing admission slot for stream that never arrived",
			zap.String("call_sid", p.slot.CallSID),
			zap.String("tenant_id", p.tenant.TenantID))
		s.admissionCtrl.Release(p.slot)
	}
}

// Shutdown ends every live call and releases every parked slot.
func (s *CallService) Shutdown(ctx context.Context) {
	s.mutex.RLock()
	runtimes := make([]*CallRuntime, 0, len(s.calls))
	for _, r := range s.calls {
		runtimes = append(runtimes, r)
	}
	s.mutex.RUnlock()

	logger.Base().Info("Shutting down call service", zap.Int("active_calls", len(runtimes)))
	for _, r := range runtimes {
		r.End(domain.EndReasonShutdown)
	}

	s.mutex.Lock()
	parked := make([]*pendingCall, 0, len(s.pending))
	for callSID, p := range s.pending {
		parked = append(parked, p)
		delete(s.pending, callSID)
	}
	s.mutex.Unlock()
	for _, p := range parked {
		s.admissionCtrl.Release(p.slot)
	}
}
