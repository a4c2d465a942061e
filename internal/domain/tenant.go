package domain

import (
	"time"
)

// VoiceTenant represents a tenant account in the voice engine. Numbers map to
// tenants at webhook time; the profile carries the prompt and any per-tenant
// overrides of the engine defaults.
type VoiceTenant struct {
	ID           string    `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID     string    `json:"tenant_id" gorm:"type:varchar(255);uniqueIndex:uni_voice_tenants_tenant_id;not null"`
	TenantName   string    `json:"tenant_name" gorm:"type:varchar(255);not null"`
	BusinessName string    `json:"business_name" gorm:"type:varchar(255)"`
	PhoneNumber  string    `json:"phone_number" gorm:"type:varchar(64);uniqueIndex:uni_voice_tenants_phone_number"`
	Greeting     string    `json:"greeting" gorm:"type:text"`
	Instructions string    `json:"instructions" gorm:"type:text"`
	Voice        string    `json:"voice" gorm:"type:varchar(64)"`
	Language     string    `json:"language" gorm:"type:varchar(16)"`
	// MaxConcurrentCalls overrides the engine ceiling when > 0.
	MaxConcurrentCalls int       `json:"max_concurrent_calls" gorm:"default:0"`
	CustomConfig       JSONB     `json:"custom_config" gorm:"type:jsonb"`
	CreatedAt          time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time `json:"updated_at" gorm:"autoUpdateTime"`
	Disabled           bool      `json:"disabled" gorm:"default:false"`
}

// TableName sets the table name for VoiceTenant
func (VoiceTenant) TableName() string {
	return "voice_tenants"
}

// CreateVoiceTenantRequest represents the request to create a new voice tenant
type CreateVoiceTenantRequest struct {
	TenantID     string `json:"tenant_id" validate:"required"`
	TenantName   string `json:"tenant_name" validate:"required"`
	BusinessName string `json:"business_name,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Language     string `json:"language,omitempty"`
	CustomConfig JSONB  `json:"custom_config,omitempty"`
}

// UpdateVoiceTenantRequest represents the request to update a voice tenant
type UpdateVoiceTenantRequest struct {
	TenantName         *string `json:"tenant_name,omitempty"`
	BusinessName       *string `json:"business_name,omitempty"`
	Greeting           *string `json:"greeting,omitempty"`
	Instructions       *string `json:"instructions,omitempty"`
	Voice              *string `json:"voice,omitempty"`
	Language           *string `json:"language,omitempty"`
	MaxConcurrentCalls *int    `json:"max_concurrent_calls,omitempty"`
	CustomConfig       *JSONB  `json:"custom_config,omitempty"`
	Disabled           *bool   `json:"disabled,omitempty"`
}
