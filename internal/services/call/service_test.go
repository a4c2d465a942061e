package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay-voice-engine/internal/cache"
	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/admission"
	"github.com/relaymesh/relay-voice-engine/internal/core/event"
	"github.com/relaymesh/relay-voice-engine/internal/core/model"
	"github.com/relaymesh/relay-voice-engine/internal/core/model/provider"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"github.com/relaymesh/relay-voice-engine/internal/repository"
	"github.com/relaymesh/relay-voice-engine/pkg/redis"
)

// ==========================================
// Fakes
// ==========================================

// fakeStore is an in-memory counter store standing in for Redis.
type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string]string)}
}

func (f *fakeStore) GenerateKey(keyType redis.KeyType, identifier string) string {
	return fmt.Sprintf("%s:%s", string(keyType), identifier)
}

func (f *fakeStore) GetValue(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", redis.ErrKeyNotExist
	}
	return v, nil
}

func (f *fakeStore) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeStore) DelValue(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeStore) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(f.values[key], 10, 64)
	n++
	f.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeStore) Decr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(f.values[key], 10, 64)
	if n--; n < 0 {
		n = 0
	}
	f.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeStore) GetInt(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (f *fakeStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (f *fakeStore) CountKeys(ctx context.Context, pattern string) (int64, error) {
	keys, err := f.ScanKeys(ctx, pattern)
	return int64(len(keys)), err
}

func (f *fakeStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range f.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeStore) Publish(ctx context.Context, channel string, message interface{}) error {
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	return nil
}

func (f *fakeStore) globalCount(t *testing.T) int64 {
	t.Helper()
	n, err := f.GetInt(context.Background(), f.GenerateKey(redis.ADMISSION_COUNT, "global"))
	require.NoError(t, err)
	return n
}

// fakeTransport records everything sent down the media stream.
type fakeTransport struct {
	mu     sync.Mutex
	frames int
	clears int
	marks  []string
	closes int
}

func (tr *fakeTransport) SendMedia(payload []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.frames++
	return nil
}

func (tr *fakeTransport) SendClear() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.clears++
	return nil
}

func (tr *fakeTransport) SendMark(name string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.marks = append(tr.marks, name)
	return nil
}

func (tr *fakeTransport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.closes++
	return nil
}

func (tr *fakeTransport) frameCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.frames
}

func (tr *fakeTransport) clearCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.clears
}

func (tr *fakeTransport) closeCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closes
}

// fakeAdapter is a scripted model session.
type fakeAdapter struct {
	mu          sync.Mutex
	failConnect bool
	connected   bool
	appended    int
	responses   []string
	cancels     []string
	closes      int
}

func (a *fakeAdapter) Connect(ctx context.Context, params *provider.SessionParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failConnect {
		return errors.New("connect refused")
	}
	a.connected = true
	return nil
}

func (a *fakeAdapter) AppendAudio(pcm []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.appended += len(pcm)
	return nil
}

func (a *fakeAdapter) CreateResponse(instructions string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses = append(a.responses, instructions)
	return nil
}

func (a *fakeAdapter) CancelResponse(responseID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, responseID)
	return nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	return nil
}

func (a *fakeAdapter) cancelled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancels...)
}

// fakeAdapterFactory hands out adapters, optionally failing the first N
// connects to exercise the retry path.
type fakeAdapterFactory struct {
	mu           sync.Mutex
	failConnects int
	adapters     []*fakeAdapter
}

func (f *fakeAdapterFactory) build(cfg *config.EngineConfig, observer provider.SessionObserver) provider.SessionAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeAdapter{}
	if f.failConnects > 0 {
		f.failConnects--
		a.failConnect = true
	}
	f.adapters = append(f.adapters, a)
	return a
}

func (f *fakeAdapterFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

func (f *fakeAdapterFactory) last() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.adapters) == 0 {
		return nil
	}
	return f.adapters[len(f.adapters)-1]
}

// fakeCallControl records remote hangup commands.
type fakeCallControl struct {
	mu      sync.Mutex
	err     error
	hangups []string
}

func (c *fakeCallControl) Hangup(ctx context.Context, callSID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups = append(c.hangups, callSID)
	return c.err
}

func (c *fakeCallControl) Dial(ctx context.Context, to, from, twimlURL, statusCallbackURL string) (string, error) {
	return "CA_outbound", nil
}

func (c *fakeCallControl) IsEnabled() bool { return true }

func (c *fakeCallControl) hangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hangups)
}

// fakeRepos is an in-memory RepositoryManager.
type fakeRepos struct {
	mu        sync.Mutex
	tenants   []*domain.VoiceTenant
	sessions  map[string]*domain.CallSession
	finalized map[string]*domain.CallSession
	turns     []*domain.CallTurn
}

func newFakeRepos(tenants ...*domain.VoiceTenant) *fakeRepos {
	return &fakeRepos{
		tenants:   tenants,
		sessions:  make(map[string]*domain.CallSession),
		finalized: make(map[string]*domain.CallSession),
	}
}

func (f *fakeRepos) VoiceTenant() repository.VoiceTenantRepository { return &fakeTenantRepo{f} }
func (f *fakeRepos) CallSession() repository.CallSessionRepository { return &fakeSessionRepo{f} }
func (f *fakeRepos) CallTurn() repository.CallTurnRepository       { return &fakeTurnRepo{f} }

func (f *fakeRepos) WithTx(ctx context.Context, fn func(ctx context.Context, repos repository.RepositoryManager) error) error {
	return fn(ctx, f)
}

func (f *fakeRepos) Ping(ctx context.Context) error { return nil }
func (f *fakeRepos) Close() error                   { return nil }

func (f *fakeRepos) finalizedSession(callSID string) *domain.CallSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized[callSID]
}

func (f *fakeRepos) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func (f *fakeRepos) turnRoles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	roles := make([]string, 0, len(f.turns))
	for _, turn := range f.turns {
		roles = append(roles, turn.Role)
	}
	return roles
}

type fakeTenantRepo struct{ f *fakeRepos }

func (r *fakeTenantRepo) Create(ctx context.Context, req *domain.CreateVoiceTenantRequest) (*domain.VoiceTenant, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeTenantRepo) GetByID(ctx context.Context, id string) (*domain.VoiceTenant, error) {
	return nil, nil
}

func (r *fakeTenantRepo) GetByTenantID(ctx context.Context, tenantID string) (*domain.VoiceTenant, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, t := range r.f.tenants {
		if t.TenantID == tenantID {
			return t, nil
		}
	}
	return nil, nil
}

func (r *fakeTenantRepo) GetByPhoneNumber(ctx context.Context, phoneNumber string) (*domain.VoiceTenant, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, t := range r.f.tenants {
		if t.PhoneNumber == phoneNumber {
			return t, nil
		}
	}
	return nil, nil
}

func (r *fakeTenantRepo) GetAll(ctx context.Context, includeDisabled bool) ([]*domain.VoiceTenant, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	return append([]*domain.VoiceTenant(nil), r.f.tenants...), nil
}

func (r *fakeTenantRepo) Update(ctx context.Context, id string, req *domain.UpdateVoiceTenantRequest) (*domain.VoiceTenant, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeTenantRepo) Delete(ctx context.Context, id string) error { return nil }

func (r *fakeTenantRepo) Exists(ctx context.Context, id string) (bool, error) { return false, nil }

func (r *fakeTenantRepo) ExistsByTenantID(ctx context.Context, tenantID string) (bool, error) {
	t, _ := r.GetByTenantID(ctx, tenantID)
	return t != nil, nil
}

type fakeSessionRepo struct{ f *fakeRepos }

func (r *fakeSessionRepo) Create(ctx context.Context, session *domain.CallSession) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	session.ID = "row_" + session.CallSID
	r.f.sessions[session.CallSID] = session
	return nil
}

func (r *fakeSessionRepo) Update(ctx context.Context, session *domain.CallSession) error {
	return nil
}

func (r *fakeSessionRepo) Finalize(ctx context.Context, session *domain.CallSession) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	copied := *session
	r.f.finalized[session.CallSID] = &copied
	return nil
}

func (r *fakeSessionRepo) GetByID(ctx context.Context, id string) (*domain.CallSession, error) {
	return nil, nil
}

func (r *fakeSessionRepo) GetByCallSID(ctx context.Context, callSID string) (*domain.CallSession, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	return r.f.sessions[callSID], nil
}

func (r *fakeSessionRepo) ListActive(ctx context.Context) ([]*domain.CallSession, error) {
	return nil, nil
}

func (r *fakeSessionRepo) ListByTenantID(ctx context.Context, tenantID string, limit int) ([]*domain.CallSession, error) {
	return nil, nil
}

type fakeTurnRepo struct{ f *fakeRepos }

func (r *fakeTurnRepo) Create(ctx context.Context, turn *domain.CallTurn) error {
	return r.CreateBatch(ctx, []*domain.CallTurn{turn})
}

func (r *fakeTurnRepo) CreateBatch(ctx context.Context, turns []*domain.CallTurn) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	r.f.turns = append(r.f.turns, turns...)
	return nil
}

func (r *fakeTurnRepo) GetByCallSessionID(ctx context.Context, callSessionID string) ([]*domain.CallTurn, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []*domain.CallTurn
	for _, t := range r.f.turns {
		if t.CallSessionID == callSessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

// ==========================================
// Harness
// ==========================================

type testEnv struct {
	svc     *CallService
	store   *fakeStore
	repos   *fakeRepos
	factory *fakeAdapterFactory
	control *fakeCallControl
}

func testTenant() *domain.VoiceTenant {
	return &domain.VoiceTenant{
		ID:          "id_tenant_a",
		TenantID:    "tenant_a",
		TenantName:  "Tenant A",
		PhoneNumber: "+15550001111",
		Voice:       "marin",
		Language:    "en",
	}
}

func newTestEnv(t *testing.T, ceiling int, tenants ...*domain.VoiceTenant) *testEnv {
	t.Helper()

	if len(tenants) == 0 {
		tenants = []*domain.VoiceTenant{testTenant()}
	}

	cfg := &config.EngineConfig{
		InstanceID:         "pod_test",
		MaxConcurrentCalls: ceiling,
		SlotTTL:            time.Minute,
		SlotRefreshEvery:   time.Minute,
		ReconcileEvery:     time.Minute,
		DefaultLanguage:    "en",
		Voice:              "marin",
		CancelTimeout:      200 * time.Millisecond,
		SilenceTimeout:     time.Minute,
		SilenceRetries:     2,
		MaxCallDuration:    time.Minute,
		InactivityCheck:    time.Minute,
		InactivityLimit:    time.Minute,
	}

	store := newFakeStore()
	repos := newFakeRepos(tenants...)
	factory := &fakeAdapterFactory{}
	control := &fakeCallControl{}

	tenantCache := cache.NewTenantCache()
	require.NoError(t, tenantCache.UpdateTenantsAsync(tenants))
	require.Eventually(t, func() bool {
		return tenantCache.GetTenantCount() == len(tenants)
	}, 2*time.Second, 5*time.Millisecond)

	adapters := model.NewAdapterRegistry()
	adapters.RegisterFactory(provider.ProviderTypeOpenAI, factory.build)

	admissionCtrl := admission.NewController(store, ceiling, cfg.SlotTTL, cfg.SlotRefreshEvery, cfg.ReconcileEvery, nil)

	svc := NewCallService(cfg, repos, tenantCache, admissionCtrl, adapters, nil, nil, event.NewEventBus(), nil, control, nil)

	return &testEnv{svc: svc, store: store, repos: repos, factory: factory, control: control}
}

func (e *testEnv) startCall(t *testing.T, callSID string) (*CallRuntime, *fakeTransport) {
	t.Helper()
	ctx := context.Background()

	_, err := e.svc.AdmitCall(ctx, callSID, "+15559998888", "+15550001111")
	require.NoError(t, err)

	transport := &fakeTransport{}
	runtime, err := e.svc.StartSession(ctx, transport, StartParams{
		CallSID:   callSID,
		StreamSID: "MZ_" + callSID,
	})
	require.NoError(t, err)
	return runtime, transport
}

// ==========================================
// Tests
// ==========================================

func TestAdmitCallUnknownNumber(t *testing.T) {
	env := newTestEnv(t, 5)

	_, err := env.svc.AdmitCall(context.Background(), "CA_1", "+15559998888", "+19990000000")
	assert.ErrorIs(t, err, ErrUnknownNumber)
	assert.Equal(t, int64(0), env.store.globalCount(t))
}

func TestAdmitCallDeniedAtCeiling(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	_, err := env.svc.AdmitCall(ctx, "CA_1", "+15559998888", "+15550001111")
	require.NoError(t, err)

	_, err = env.svc.AdmitCall(ctx, "CA_2", "+15557776666", "+15550001111")
	var denied *admission.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "global", denied.Scope)
	assert.Equal(t, int64(1), env.store.globalCount(t))
}

func TestCallerHangupTearsDownOnce(t *testing.T) {
	env := newTestEnv(t, 5)
	runtime, transport := env.startCall(t, "CA_1")

	assert.Equal(t, 1, env.svc.GetConnectionCount())
	assert.Equal(t, int64(1), env.store.globalCount(t))

	runtime.HandleStop()
	runtime.HandleStop()

	assert.Equal(t, 0, env.svc.GetConnectionCount())
	assert.Equal(t, int64(0), env.store.globalCount(t))
	assert.Equal(t, 1, transport.closeCount())

	// The caller already hung up; no remote hangup command goes out.
	assert.Equal(t, 0, env.control.hangupCount())

	finalized := env.repos.finalizedSession("CA_1")
	require.NotNil(t, finalized)
	assert.Equal(t, domain.EndReasonCallerHangup, finalized.EndReason)
}

func TestOperatorHangupIssuesRemoteCommandOnce(t *testing.T) {
	env := newTestEnv(t, 5)
	runtime, _ := env.startCall(t, "CA_1")

	runtime.End(domain.EndReasonShutdown)
	runtime.End(domain.EndReasonShutdown)

	assert.Equal(t, 1, env.control.hangupCount())
	assert.Equal(t, int64(0), env.store.globalCount(t))
}

func TestHangupFailureStillReleasesSlot(t *testing.T) {
	env := newTestEnv(t, 5)
	env.control.err = errors.New("provider 500")
	runtime, transport := env.startCall(t, "CA_1")

	runtime.End(domain.EndReasonSilenceTimeout)

	// The remote command failed but local teardown ran to completion.
	assert.Equal(t, 1, env.control.hangupCount())
	assert.Equal(t, int64(0), env.store.globalCount(t))
	assert.Equal(t, 1, transport.closeCount())
	require.NotNil(t, env.repos.finalizedSession("CA_1"))
}

func TestBargeInFlushesAndCancels(t *testing.T) {
	env := newTestEnv(t, 5)
	runtime, transport := env.startCall(t, "CA_1")
	defer runtime.End(domain.EndReasonShutdown)

	runtime.OnResponseStarted("resp_1")
	runtime.OnUserSpeechStarted()

	assert.Equal(t, 1, transport.clearCount())
	adapter := env.factory.last()
	require.NotNil(t, adapter)
	assert.Equal(t, []string{"resp_1"}, adapter.cancelled())
}

func TestBargeInDropsLateResponseAudio(t *testing.T) {
	env := newTestEnv(t, 5)
	runtime, transport := env.startCall(t, "CA_1")
	defer runtime.End(domain.EndReasonShutdown)

	runtime.OnResponseStarted("resp_1")
	runtime.OnUserSpeechStarted()
	assert.Equal(t, 1, transport.clearCount())

	// Deltas for the interrupted response are still in flight from the
	// model. Enough audio for a dozen wire frames, then several pacer
	// cadences: not one frame of it may reach the caller.
	runtime.OnResponseAudio("resp_1", make([]byte, config.WireFrameBytes*12*6))
	time.Sleep(config.WireFrameDuration * 15)
	assert.Equal(t, 0, transport.frameCount())

	runtime.OnResponseDone("resp_1", "", true)
	assert.Equal(t, 0, transport.frameCount())
}

func TestUserGoodbyeEndsAfterFarewellResponse(t *testing.T) {
	env := newTestEnv(t, 5)
	runtime, _ := env.startCall(t, "CA_1")

	runtime.OnUserTranscript("okay, goodbye then!")

	// The call waits for the model's farewell before hanging up.
	assert.Equal(t, 1, env.svc.GetConnectionCount())

	runtime.OnResponseStarted("resp_1")
	runtime.OnResponseDone("resp_1", "Goodbye, thanks for calling!", false)

	require.Eventually(t, func() bool {
		return env.repos.finalizedSession("CA_1") != nil
	}, 2*time.Second, 5*time.Millisecond)

	finalized := env.repos.finalizedSession("CA_1")
	assert.Equal(t, domain.EndReasonUserGoodbye, finalized.EndReason)
	assert.Equal(t, int64(0), env.store.globalCount(t))
	assert.Equal(t, 1, env.control.hangupCount())

	// Both sides of the farewell made it into the transcript.
	assert.Equal(t, 2, env.repos.turnCount())
	assert.Equal(t, []string{domain.TurnRoleUser, domain.TurnRoleAssistant}, env.repos.turnRoles())
}

func TestAssistantGoodbyeEndsCall(t *testing.T) {
	env := newTestEnv(t, 5)
	runtime, _ := env.startCall(t, "CA_1")

	runtime.OnResponseStarted("resp_1")
	runtime.OnResponseDone("resp_1", "Thanks for calling, have a great day!", false)

	require.Eventually(t, func() bool {
		return env.repos.finalizedSession("CA_1") != nil
	}, 2*time.Second, 5*time.Millisecond)

	finalized := env.repos.finalizedSession("CA_1")
	assert.Equal(t, domain.EndReasonAssistantGoodbye, finalized.EndReason)
}

func TestCancelledFarewellDoesNotEndCall(t *testing.T) {
	env := newTestEnv(t, 5)
	runtime, _ := env.startCall(t, "CA_1")
	defer runtime.End(domain.EndReasonShutdown)

	// A goodbye the caller interrupted is not a completed farewell.
	runtime.OnResponseStarted("resp_1")
	runtime.OnResponseDone("resp_1", "Goodbye, thanks", true)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, env.svc.GetConnectionCount())
	assert.Nil(t, env.repos.finalizedSession("CA_1"))
}

func TestStartAIRetriesOnce(t *testing.T) {
	env := newTestEnv(t, 5)
	env.factory.failConnects = 1

	_, err := env.svc.AdmitCall(context.Background(), "CA_1", "+15559998888", "+15550001111")
	require.NoError(t, err)

	runtime, err := env.svc.StartSession(context.Background(), &fakeTransport{}, StartParams{
		CallSID:   "CA_1",
		StreamSID: "MZ_1",
	})
	require.NoError(t, err)
	defer runtime.End(domain.EndReasonShutdown)

	assert.Equal(t, 2, env.factory.created())
}

func TestStartAIGivesUpAfterRetry(t *testing.T) {
	env := newTestEnv(t, 5)
	env.factory.failConnects = 2

	_, err := env.svc.AdmitCall(context.Background(), "CA_1", "+15559998888", "+15550001111")
	require.NoError(t, err)

	_, err = env.svc.StartSession(context.Background(), &fakeTransport{}, StartParams{
		CallSID:   "CA_1",
		StreamSID: "MZ_1",
	})
	require.Error(t, err)

	// The failed call released its slot and was recorded as failed.
	assert.Equal(t, int64(0), env.store.globalCount(t))
	finalized := env.repos.finalizedSession("CA_1")
	require.NotNil(t, finalized)
	assert.Equal(t, domain.CallStatusFailed, finalized.Status)
	assert.Equal(t, domain.EndReasonAIError, finalized.EndReason)
}

func TestStreamWithoutParkedSlotAdmitsItself(t *testing.T) {
	env := newTestEnv(t, 5)

	// No AdmitCall first: the webhook landed on another pod.
	runtime, err := env.svc.StartSession(context.Background(), &fakeTransport{}, StartParams{
		CallSID:   "CA_1",
		StreamSID: "MZ_1",
		TenantID:  "tenant_a",
		From:      "+15559998888",
		To:        "+15550001111",
		Direction: "inbound",
	})
	require.NoError(t, err)
	defer runtime.End(domain.EndReasonShutdown)

	assert.Equal(t, int64(1), env.store.globalCount(t))
	assert.Equal(t, "tenant_a", runtime.Tenant.TenantID)
}

func TestShutdownReleasesParkedSlots(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	_, err := env.svc.AdmitCall(ctx, "CA_parked", "+15559998888", "+15550001111")
	require.NoError(t, err)
	runtime, _ := env.startCall(t, "CA_live")

	assert.Equal(t, int64(2), env.store.globalCount(t))

	env.svc.Shutdown(ctx)

	assert.True(t, runtime.ended.Load())
	assert.Equal(t, int64(0), env.store.globalCount(t))
	assert.Equal(t, 0, env.svc.GetConnectionCount())
}

func TestCallerAudioForwardedToModel(t *testing.T) {
	env := newTestEnv(t, 5)
	runtime, _ := env.startCall(t, "CA_1")
	defer runtime.End(domain.EndReasonShutdown)

	frame := make([]byte, config.WireFrameBytes)
	for i := range frame {
		frame[i] = 0xFF
	}
	runtime.HandleMedia(frame)

	adapter := env.factory.last()
	adapter.mu.Lock()
	appended := adapter.appended
	adapter.mu.Unlock()

	// One 160-byte mu-law frame becomes 480 samples of PCM16 at 24kHz.
	assert.Equal(t, 960, appended)
}
