package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

// LoggingMiddleware provides logging for all events
func LoggingMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		start := time.Now()

		defer func() {
			duration := time.Since(start)
			if event.IsError() {
				logger.Base().Error("Event handler failed", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSID), zap.Error(event.Error))
			} else {
				logger.Base().Debug("Event handler completed", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSID), zap.Duration("duration", duration))
			}
		}()

		next(event)
	}
}

// RecoveryMiddleware provides panic recovery for event handlers
func RecoveryMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		defer func() {
			if r := recover(); r != nil {
				logger.Base().Error("Panic in event handler", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSID), zap.Any("panic", r))
			}
		}()

		next(event)
	}
}

// TimeoutMiddleware provides timeout functionality for event handlers
func TimeoutMiddleware(timeout time.Duration) EventMiddleware {
	return func(next EventHandler) EventHandler {
		return func(event *CallEvent) {
			done := make(chan struct{})

			go func() {
				defer close(done)
				next(event)
			}()

			select {
			case <-done:
				// Handler completed
			case <-time.After(timeout):
				logger.Base().Warn("Event handler timeout", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSID), zap.Duration("timeout", timeout))
			}
		}
	}
}

// ValidationMiddleware validates events before processing
func ValidationMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		if event == nil {
			logger.Base().Error("Received nil event")
			return
		}

		if event.Type == "" {
			logger.Base().Error("Event type is empty", zap.String("call_sid", event.CallSID))
			return
		}

		if err := validateEventData(event); err != nil {
			logger.Base().Error("Invalid event data", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSID), zap.Error(err))
			return
		}

		next(event)
	}
}

// DeduplicationMiddleware prevents duplicate events within a time window
func DeduplicationMiddleware(windowSize time.Duration) EventMiddleware {
	var mu sync.Mutex
	eventCache := make(map[string]time.Time)

	return func(next EventHandler) EventHandler {
		return func(event *CallEvent) {
			key := fmt.Sprintf("%s:%s", event.Type, event.CallSID)

			mu.Lock()
			if lastSeen, exists := eventCache[key]; exists && time.Since(lastSeen) < windowSize {
				mu.Unlock()
				logger.Base().Debug("Duplicate event within window", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSID))
				return
			}
			eventCache[key] = time.Now()

			// Drop stale entries while we hold the lock
			for k, seen := range eventCache {
				if time.Since(seen) > windowSize*2 {
					delete(eventCache, k)
				}
			}
			mu.Unlock()

			next(event)
		}
	}
}

// validateEventData validates event-specific data
func validateEventData(event *CallEvent) error {
	switch event.Type {
	case CallStarted, CallEnded:
		if data, ok := event.GetLifecycleData(); ok {
			if data.CallSID == "" {
				return fmt.Errorf("call SID is required for %s", event.Type)
			}
		} else {
			return fmt.Errorf("lifecycle data is required for %s", event.Type)
		}

	case AdmissionGranted, AdmissionDenied, AdmissionReleased:
		if _, ok := event.GetAdmissionData(); !ok {
			return fmt.Errorf("admission data is required for %s", event.Type)
		}

	case AIResponseStarted, AIResponseCompleted, AIResponseCancelled:
		if data, ok := event.GetResponseData(); ok {
			if data.ResponseID == "" {
				return fmt.Errorf("response ID is required for %s", event.Type)
			}
		} else {
			return fmt.Errorf("response data is required for %s", event.Type)
		}
	}

	return nil
}

// CreateDefaultMiddlewareChain creates a default middleware chain with common middleware
func CreateDefaultMiddlewareChain() []EventMiddleware {
	return []EventMiddleware{
		RecoveryMiddleware,
		ValidationMiddleware,
		LoggingMiddleware,
	}
}
