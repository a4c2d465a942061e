package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

var (
	instance *TenantCache
	once     sync.Once
)

// TenantLoader loads the full tenant set from the backing store.
type TenantLoader func(ctx context.Context) ([]*domain.VoiceTenant, error)

// TenantCache provides thread-safe tenant profile lookup backed by the
// database. Webhook handling resolves the called number to a tenant on every
// inbound call, so lookups stay in memory and a background refresh keeps the
// cache in step with the store.
type TenantCache struct {
	tenants    map[string]*domain.VoiceTenant // tenant_id -> tenant
	phoneIndex map[string]string              // phone_number -> tenant_id
	mutex      sync.RWMutex
	updateChan chan []*domain.VoiceTenant
	ctx        context.Context
	cancel     context.CancelFunc
	isStarted  bool
	startMutex sync.Mutex
}

// NewTenantCache returns the tenant cache (internally managed as singleton)
func NewTenantCache() *TenantCache {
	once.Do(func() {
		instance = createTenantCache()
	})
	return instance
}

// createTenantCache is the internal constructor for the singleton
func createTenantCache() *TenantCache {
	ctx, cancel := context.WithCancel(context.Background())

	cache := &TenantCache{
		tenants:    make(map[string]*domain.VoiceTenant),
		phoneIndex: make(map[string]string),
		mutex:      sync.RWMutex{},
		updateChan: make(chan []*domain.VoiceTenant, 1000),
		ctx:        ctx,
		cancel:     cancel,
	}

	// Start async update processor
	cache.startAsyncProcessor()

	logger.Base().Info("TenantCache initialized (empty cache, waiting for database load)")
	return cache
}

// GetTenant retrieves a tenant by tenant ID (thread-safe read)
func (c *TenantCache) GetTenant(tenantID string) (*domain.VoiceTenant, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	tenant, exists := c.tenants[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant not found: %s", tenantID)
	}

	return c.copyTenant(tenant), nil
}

// GetByPhoneNumber resolves the tenant owning a business number (thread-safe read)
func (c *TenantCache) GetByPhoneNumber(phoneNumber string) (*domain.VoiceTenant, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	tenantID, exists := c.phoneIndex[phoneNumber]
	if !exists {
		return nil, fmt.Errorf("no tenant owns phone number: %s", phoneNumber)
	}

	tenant, exists := c.tenants[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant not found: %s", tenantID)
	}

	return c.copyTenant(tenant), nil
}

// GetAllTenants retrieves all cached tenants (thread-safe read)
func (c *TenantCache) GetAllTenants() []*domain.VoiceTenant {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	tenants := make([]*domain.VoiceTenant, 0, len(c.tenants))
	for _, tenant := range c.tenants {
		tenants = append(tenants, c.copyTenant(tenant))
	}

	return tenants
}

// GetTenantCount returns the total number of cached tenants (thread-safe read)
func (c *TenantCache) GetTenantCount() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.tenants)
}

// copyTenant creates a deep copy of a tenant profile to prevent external modifications
// Uses github.com/jinzhu/copier for automatic deep copy - no need to manually update when adding new fields
func (c *TenantCache) copyTenant(original *domain.VoiceTenant) *domain.VoiceTenant {
	if original == nil {
		return nil
	}

	var copy domain.VoiceTenant
	if err := copier.CopyWithOption(&copy, original, copier.Option{DeepCopy: true}); err != nil {
		logger.Base().Warn("Failed to copy tenant profile", zap.Error(err))
		return original // Fallback to returning original if copy fails
	}

	return &copy
}

// UpdateTenantsAsync performs asynchronous bulk replacement with all provided
// tenants. This is the single method for external systems to update the cache.
func (c *TenantCache) UpdateTenantsAsync(tenants []*domain.VoiceTenant) error {
	if tenants == nil {
		tenants = make([]*domain.VoiceTenant, 0)
	}

	// Check if cache is shutdown
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("cache is shutdown")
	default:
	}

	// Send to async processor (non-blocking)
	select {
	case c.updateChan <- tenants:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("cache is shutdown")
	default:
		return fmt.Errorf("update queue is full, please try again later")
	}
}

// StartRefreshLoop reloads the cache from the store at the given interval.
// The first load runs immediately so webhooks can resolve tenants at startup.
func (c *TenantCache) StartRefreshLoop(interval time.Duration, load TenantLoader) {
	go func() {
		refresh := func() {
			ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
			defer cancel()

			tenants, err := load(ctx)
			if err != nil {
				logger.Base().Error("Tenant cache refresh failed", zap.Error(err))
				return
			}
			if err := c.UpdateTenantsAsync(tenants); err != nil {
				logger.Base().Warn("Tenant cache update rejected", zap.Error(err))
			}
		}

		refresh()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()
}

// startAsyncProcessor starts the background goroutine to process updates
func (c *TenantCache) startAsyncProcessor() {
	c.startMutex.Lock()
	defer c.startMutex.Unlock()

	if c.isStarted {
		return
	}

	c.isStarted = true

	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case tenants := <-c.updateChan:
				c.processUpdate(tenants)
			}
		}
	}()
}

// processUpdate handles the actual update logic
func (c *TenantCache) processUpdate(tenants []*domain.VoiceTenant) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	oldCount := len(c.tenants)

	// Create new tenant map and phone number index
	newTenants := make(map[string]*domain.VoiceTenant)
	newPhoneIndex := make(map[string]string)

	seenIDs := make(map[string]bool) // Track duplicates within this batch

	for _, tenant := range tenants {
		if err := c.validateTenant(tenant); err != nil {
			logger.Base().Warn("Skipping invalid tenant in update batch", zap.Error(err))
			continue
		}

		if seenIDs[tenant.TenantID] {
			continue
		}
		seenIDs[tenant.TenantID] = true

		// Disabled tenants stay out of the cache entirely so number lookup
		// fails closed for them.
		if tenant.Disabled {
			continue
		}

		// Store deep copy to prevent external modifications
		copiedTenant := c.copyTenant(tenant)
		newTenants[tenant.TenantID] = copiedTenant

		if copiedTenant.PhoneNumber != "" {
			newPhoneIndex[copiedTenant.PhoneNumber] = copiedTenant.TenantID
		}
	}

	// Atomic replacement of both tenant map and phone index
	c.tenants = newTenants
	c.phoneIndex = newPhoneIndex

	newCount := len(c.tenants)
	logger.Base().Info("Async update completed", zap.Int("old_count", oldCount), zap.Int("new_count", newCount), zap.Int("provided_count", len(tenants)))
}

// validateTenant validates a single tenant profile
func (c *TenantCache) validateTenant(tenant *domain.VoiceTenant) error {
	if tenant == nil {
		return fmt.Errorf("tenant is nil")
	}

	if tenant.TenantID == "" {
		return fmt.Errorf("tenant has empty tenant ID")
	}

	if tenant.TenantName == "" {
		return fmt.Errorf("tenant %s has empty name", tenant.TenantID)
	}

	return nil
}

// Shutdown gracefully shuts down the tenant cache
func (c *TenantCache) Shutdown() {
	c.cancel()
	close(c.updateChan)
	logger.Base().Info("TenantCache shutdown completed")
}

// ShutdownGlobal gracefully shuts down the global singleton instance
func ShutdownGlobal() {
	if instance != nil {
		instance.Shutdown()
		// Reset the singleton for potential restart
		instance = nil
		once = sync.Once{}
	}
}
