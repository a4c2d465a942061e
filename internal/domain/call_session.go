package domain

import (
	"time"
)

// CallSession is the persisted record of one phone call handled by the
// engine. The live runtime state is held by the call service; this row is
// created at admission and finalized at teardown.
type CallSession struct {
	ID         string        `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CallSID    string        `json:"call_sid" gorm:"type:varchar(255);uniqueIndex:uni_voice_call_sessions_call_sid;not null"`
	StreamSID  string        `json:"stream_sid" gorm:"type:varchar(255)"`
	TenantID   string        `json:"tenant_id" gorm:"type:varchar(255);index;not null"`
	Direction  CallDirection `json:"direction" gorm:"type:varchar(16);not null"`
	FromNumber string        `json:"from_number" gorm:"type:varchar(64)"`
	ToNumber   string        `json:"to_number" gorm:"type:varchar(64)"`
	Status     string        `json:"status" gorm:"type:varchar(32);index;not null"`
	EndReason  string        `json:"end_reason" gorm:"type:varchar(64)"`

	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds" gorm:"default:0"`

	// Aggregate audio accounting across all assistant responses in the call.
	ResponseCount int   `json:"response_count" gorm:"default:0"`
	FramesSent    int64 `json:"frames_sent" gorm:"default:0"`
	BytesSent     int64 `json:"bytes_sent" gorm:"default:0"`

	RecordingURL string `json:"recording_url,omitempty" gorm:"type:varchar(512)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for CallSession
func (CallSession) TableName() string {
	return "voice_call_sessions"
}

// CallTurn is one utterance in a call, either side. Assistant turns carry the
// response id they were spoken under and whether the caller cut them off.
type CallTurn struct {
	ID            string    `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CallSessionID string    `json:"call_session_id" gorm:"type:uuid;index;not null"`
	Role          string    `json:"role" gorm:"type:varchar(16);not null"` // user, assistant
	Content       string    `json:"content" gorm:"type:text"`
	ResponseID    string    `json:"response_id,omitempty" gorm:"type:varchar(255)"`
	Interrupted   bool      `json:"interrupted" gorm:"default:false"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for CallTurn
func (CallTurn) TableName() string {
	return "voice_call_turns"
}
