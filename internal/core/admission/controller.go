package admission

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/relay-voice-engine/internal/core/event"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"github.com/relaymesh/relay-voice-engine/pkg/redis"
	"go.uber.org/zap"
)

const opTimeout = 5 * time.Second

// DeniedError reports that a call was refused a slot. Scope says which
// ceiling was hit.
type DeniedError struct {
	CallSID  string
	TenantID string
	Scope    string // "global" or "tenant"
	Count    int64
	Ceiling  int
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied for call %s: %s ceiling %d reached (count %d)",
		e.CallSID, e.Scope, e.Ceiling, e.Count)
}

// Slot is a held admission slot. Release it exactly once through the
// controller; extra releases are no-ops.
type Slot struct {
	CallSID      string
	TenantID     string
	AcquiredAt   time.Time
	tenantCapped bool
	released     atomic.Bool
	stopRefresh  chan struct{}
	refreshDone  sync.WaitGroup
}

// Released reports whether the slot has already been given back.
func (s *Slot) Released() bool {
	return s.released.Load()
}

// Controller admits or refuses calls against a shared Redis counter. Every
// pod talks to the same counter, so the ceiling holds across the whole
// deployment, not per instance. Each admitted call also writes a TTL slot
// key that it refreshes while alive; if a pod dies without releasing, the
// slot expires and the reconcile loop pulls the counter back in line.
type Controller struct {
	rdb            redis.RedisServiceInterface
	ceiling        int
	slotTTL        time.Duration
	refreshEvery   time.Duration
	reconcileEvery time.Duration
	bus            event.EventBus
}

// NewController creates the admission controller. bus may be nil.
func NewController(rdb redis.RedisServiceInterface, ceiling int, slotTTL, refreshEvery, reconcileEvery time.Duration, bus event.EventBus) *Controller {
	return &Controller{
		rdb:            rdb,
		ceiling:        ceiling,
		slotTTL:        slotTTL,
		refreshEvery:   refreshEvery,
		reconcileEvery: reconcileEvery,
		bus:            bus,
	}
}

// Ceiling returns the engine-wide concurrent call ceiling.
func (c *Controller) Ceiling() int {
	return c.ceiling
}

func (c *Controller) globalCountKey() string {
	return c.rdb.GenerateKey(redis.ADMISSION_COUNT, "global")
}

func (c *Controller) tenantCountKey(tenantID string) string {
	return c.rdb.GenerateKey(redis.ADMISSION_COUNT, "tenant:"+tenantID)
}

func (c *Controller) slotKey(tenantID, callSID string) string {
	return c.rdb.GenerateKey(redis.ADMISSION_SLOT, tenantID+":"+callSID)
}

// Acquire takes a slot for the call or refuses it. tenantCeiling > 0 adds a
// second, tenant-scoped ceiling on top of the engine one. Any Redis failure
// counts as a refusal: when capacity cannot be verified the call does not
// get in.
func (c *Controller) Acquire(ctx context.Context, callSID, tenantID string, tenantCeiling int) (*Slot, error) {
	countKey := c.globalCountKey()

	count, err := c.rdb.Incr(ctx, countKey)
	if err != nil {
		return nil, fmt.Errorf("admission check failed: %w", err)
	}
	if count > int64(c.ceiling) {
		c.rollback(countKey)
		c.publishDenied(callSID, tenantID, count, c.ceiling)
		return nil, &DeniedError{CallSID: callSID, TenantID: tenantID, Scope: "global", Count: count, Ceiling: c.ceiling}
	}

	tenantCapped := tenantCeiling > 0
	if tenantCapped {
		tenantKey := c.tenantCountKey(tenantID)
		tenantCount, err := c.rdb.Incr(ctx, tenantKey)
		if err != nil {
			c.rollback(countKey)
			return nil, fmt.Errorf("admission check failed: %w", err)
		}
		if tenantCount > int64(tenantCeiling) {
			c.rollback(tenantKey)
			c.rollback(countKey)
			c.publishDenied(callSID, tenantID, tenantCount, tenantCeiling)
			return nil, &DeniedError{CallSID: callSID, TenantID: tenantID, Scope: "tenant", Count: tenantCount, Ceiling: tenantCeiling}
		}
	}

	slot := &Slot{
		CallSID:      callSID,
		TenantID:     tenantID,
		AcquiredAt:   time.Now(),
		tenantCapped: tenantCapped,
		stopRefresh:  make(chan struct{}),
	}

	if err := c.rdb.SetValue(ctx, c.slotKey(tenantID, callSID), strconv.FormatInt(slot.AcquiredAt.Unix(), 10), c.slotTTL); err != nil {
		c.releaseCounters(slot)
		return nil, fmt.Errorf("admission check failed: %w", err)
	}

	c.startRefresh(slot)

	logger.Base().Info("Admission granted",
		zap.String("call_sid", callSID),
		zap.String("tenant_id", tenantID),
		zap.Int64("count", count),
		zap.Int("ceiling", c.ceiling))

	if c.bus != nil {
		c.bus.Publish(event.AdmissionGranted, &event.AdmissionEventData{
			CallSID:  callSID,
			TenantID: tenantID,
			Count:    count,
			Ceiling:  c.ceiling,
		})
	}

	return slot, nil
}

// Release gives the slot back. Safe to call any number of times and from
// any teardown path; only the first call decrements.
func (c *Controller) Release(slot *Slot) {
	if slot == nil {
		return
	}
	if !slot.released.CompareAndSwap(false, true) {
		return
	}

	close(slot.stopRefresh)
	slot.refreshDone.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := c.rdb.DelValue(ctx, c.slotKey(slot.TenantID, slot.CallSID)); err != nil {
		logger.Base().Warn("Failed to delete admission slot key",
			zap.String("call_sid", slot.CallSID),
			zap.Error(err))
	}

	count := c.releaseCounters(slot)

	logger.Base().Info("Admission released",
		zap.String("call_sid", slot.CallSID),
		zap.String("tenant_id", slot.TenantID),
		zap.Int64("count", count))

	if c.bus != nil {
		c.bus.Publish(event.AdmissionReleased, &event.AdmissionEventData{
			CallSID:  slot.CallSID,
			TenantID: slot.TenantID,
			Count:    count,
			Ceiling:  c.ceiling,
		})
	}
}

// GetCurrentCount returns the number of admitted calls across all pods.
func (c *Controller) GetCurrentCount(ctx context.Context) (int64, error) {
	return c.rdb.GetInt(ctx, c.globalCountKey())
}

// GetTenantCount returns the number of admitted calls for one tenant. Only
// tenants with their own ceiling keep a counter; everyone else reads zero.
func (c *Controller) GetTenantCount(ctx context.Context, tenantID string) (int64, error) {
	return c.rdb.GetInt(ctx, c.tenantCountKey(tenantID))
}

// releaseCounters decrements whichever counters the slot took. Returns the
// remaining global count.
func (c *Controller) releaseCounters(slot *Slot) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	count, err := c.rdb.Decr(ctx, c.globalCountKey())
	if err != nil {
		logger.Base().Error("Failed to decrement admission counter",
			zap.String("call_sid", slot.CallSID),
			zap.Error(err))
	}
	if slot.tenantCapped {
		if _, err := c.rdb.Decr(ctx, c.tenantCountKey(slot.TenantID)); err != nil {
			logger.Base().Error("Failed to decrement tenant admission counter",
				zap.String("call_sid", slot.CallSID),
				zap.String("tenant_id", slot.TenantID),
				zap.Error(err))
		}
	}
	return count
}

func (c *Controller) rollback(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := c.rdb.Decr(ctx, key); err != nil {
		logger.Base().Error("Failed to roll back admission counter", zap.String("key", key), zap.Error(err))
	}
}

func (c *Controller) publishDenied(callSID, tenantID string, count int64, ceiling int) {
	logger.Base().Warn("Admission denied",
		zap.String("call_sid", callSID),
		zap.String("tenant_id", tenantID),
		zap.Int64("count", count),
		zap.Int("ceiling", ceiling))

	if c.bus != nil {
		c.bus.Publish(event.AdmissionDenied, &event.AdmissionEventData{
			CallSID:  callSID,
			TenantID: tenantID,
			Count:    count,
			Ceiling:  ceiling,
		})
	}
}

// startRefresh keeps the slot key alive while the call runs. Without the
// refresh a long call would outlive its TTL and look dead to reconcile.
func (c *Controller) startRefresh(slot *Slot) {
	slot.refreshDone.Add(1)
	go func() {
		defer slot.refreshDone.Done()
		ticker := time.NewTicker(c.refreshEvery)
		defer ticker.Stop()

		for {
			select {
			case <-slot.stopRefresh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
				err := c.rdb.Expire(ctx, c.slotKey(slot.TenantID, slot.CallSID), c.slotTTL)
				cancel()
				if err != nil {
					logger.Base().Warn("Failed to refresh admission slot TTL",
						zap.String("call_sid", slot.CallSID),
						zap.Error(err))
				}
			}
		}
	}()
}

// StartReconcileLoop periodically recomputes the counters from the live
// slot keys. Crashed pods leave counters high until their slot keys expire;
// this loop is what brings the count back down afterwards.
func (c *Controller) StartReconcileLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.reconcileEvery)
		defer ticker.Stop()

		logger.Base().Info("Admission reconcile loop started", zap.Duration("interval", c.reconcileEvery))

		for {
			select {
			case <-ctx.Done():
				logger.Base().Info("Admission reconcile loop stopped")
				return
			case <-ticker.C:
				c.reconcile(ctx)
			}
		}
	}()
}

func (c *Controller) reconcile(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	slotPrefix := string(redis.ADMISSION_SLOT) + ":"
	slotKeys, err := c.rdb.ScanKeys(opCtx, slotPrefix+"*")
	if err != nil {
		logger.Base().Error("Admission reconcile scan failed", zap.Error(err))
		return
	}

	perTenant := make(map[string]int64)
	for _, key := range slotKeys {
		rest := strings.TrimPrefix(key, slotPrefix)
		tenantID, _, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		perTenant[tenantID]++
	}

	observed := int64(len(slotKeys))
	recorded, err := c.rdb.GetInt(opCtx, c.globalCountKey())
	if err != nil {
		logger.Base().Error("Admission reconcile read failed", zap.Error(err))
		return
	}

	if observed != recorded {
		logger.Base().Warn("Admission counter drifted, correcting",
			zap.Int64("recorded", recorded),
			zap.Int64("observed", observed))
		if err := c.rdb.SetValue(opCtx, c.globalCountKey(), strconv.FormatInt(observed, 10), 0); err != nil {
			logger.Base().Error("Admission reconcile write failed", zap.Error(err))
			return
		}
	}

	// Correct tenant counters the same way, including ones whose slots
	// have all expired.
	tenantPrefix := string(redis.ADMISSION_COUNT) + ":tenant:"
	counterKeys, err := c.rdb.ScanKeys(opCtx, tenantPrefix+"*")
	if err != nil {
		logger.Base().Error("Admission reconcile tenant scan failed", zap.Error(err))
		return
	}
	for _, key := range counterKeys {
		tenantID := strings.TrimPrefix(key, tenantPrefix)
		want := perTenant[tenantID]
		have, err := c.rdb.GetInt(opCtx, key)
		if err != nil || have == want {
			continue
		}
		logger.Base().Warn("Tenant admission counter drifted, correcting",
			zap.String("tenant_id", tenantID),
			zap.Int64("recorded", have),
			zap.Int64("observed", want))
		if err := c.rdb.SetValue(opCtx, key, strconv.FormatInt(want, 10), 0); err != nil {
			logger.Base().Error("Admission reconcile tenant write failed", zap.Error(err))
		}
	}
}
