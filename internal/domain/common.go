package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB represents a PostgreSQL JSONB field
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// CallStatus constants for call session status
const (
	CallStatusActive    = "active"
	CallStatusEnded     = "ended"
	CallStatusFailed    = "failed"
	CallStatusCancelled = "cancelled"
)

// CallDirection represents who originated the call
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

// TurnRole constants for who produced a call turn
const (
	TurnRoleUser      = "user"
	TurnRoleAssistant = "assistant"
)

// EndReason constants recorded when a call session closes
const (
	EndReasonCallerHangup     = "caller_hangup"
	EndReasonAssistantGoodbye = "assistant_goodbye"
	EndReasonUserGoodbye      = "user_goodbye"
	EndReasonSilenceTimeout   = "silence_timeout"
	EndReasonMaxDuration      = "max_duration"
	EndReasonInactivity       = "inactivity"
	EndReasonAIError          = "ai_error"
	EndReasonTransportError   = "transport_error"
	EndReasonShutdown         = "shutdown"
)
