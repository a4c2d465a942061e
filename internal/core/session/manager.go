package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"github.com/relaymesh/relay-voice-engine/pkg/redis"
	"go.uber.org/zap"
)

const SessionTTL = 1 * time.Hour

// SessionInfo is the cross-pod registry entry for one live call. Operators
// and other pods read it to find which pod holds the media stream.
type SessionInfo struct {
	CallSID   string    `json:"callSid"`
	StreamSID string    `json:"streamSid"`
	PodID     string    `json:"podId"`
	TenantID  string    `json:"tenantId"`
	Direction string    `json:"direction"`
	StartTime time.Time `json:"startTime"`
}

type Manager struct {
	redisSvc redis.RedisServiceInterface
	podID    string
}

func NewManager(redisSvc redis.RedisServiceInterface, podID string) *Manager {
	return &Manager{
		redisSvc: redisSvc,
		podID:    podID,
	}
}

// Register puts the call in the cross-pod registry.
func (m *Manager) Register(ctx context.Context, info SessionInfo) error {
	info.PodID = m.podID
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}

	data, _ := json.Marshal(info)
	key := m.redisSvc.GenerateKey(redis.SESSION_INFO, info.CallSID)

	err := m.redisSvc.SetValue(ctx, key, string(data), SessionTTL)
	if err == nil {
		logger.Base().Info("Session registered in Redis",
			zap.String("call_sid", info.CallSID),
			zap.String("pod_id", m.podID))
	}
	return err
}

// Unregister removes the call from the registry.
func (m *Manager) Unregister(ctx context.Context, callSID string) error {
	key := m.redisSvc.GenerateKey(redis.SESSION_INFO, callSID)
	return m.redisSvc.DelValue(ctx, key)
}

// Get returns the registry entry for a call, or nil when none exists.
func (m *Manager) Get(ctx context.Context, callSID string) (*SessionInfo, error) {
	key := m.redisSvc.GenerateKey(redis.SESSION_INFO, callSID)
	data, err := m.redisSvc.GetValue(ctx, key)
	if err != nil {
		if err == redis.ErrKeyNotExist {
			return nil, nil
		}
		return nil, err
	}

	var info SessionInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, err
	}
	return &info, nil
}
