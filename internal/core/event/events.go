package event

import (
	"time"
)

// EventType represents the type of event
type EventType string

// Call lifecycle events
const (
	// Call lifecycle
	CallStarted    EventType = "call.started"
	CallEnded      EventType = "call.ended"
	GoodbyeMatched EventType = "call.goodbye_matched"
	HangupIssued   EventType = "call.hangup_issued"

	// Admission events
	AdmissionGranted  EventType = "admission.granted"
	AdmissionDenied   EventType = "admission.denied"
	AdmissionReleased EventType = "admission.released"

	// Model events
	AIResponseStarted   EventType = "ai.response_started"
	AIResponseCompleted EventType = "ai.response_completed"
	AIResponseCancelled EventType = "ai.response_cancelled"
	AIUserTranscript    EventType = "ai.user_transcript"
	AISessionFailed     EventType = "ai.session_failed"

	// Turn taking events
	BargeInDetected EventType = "turn.barge_in"

	// Internal/system events
	HandlerPanic EventType = "handler.panic"
)

// CallEvent represents a call-scoped event on the bus
type CallEvent struct {
	Type      EventType   `json:"type"`
	CallSID   string      `json:"call_sid"`
	TenantID  string      `json:"tenant_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     error       `json:"error,omitempty"`
}

// CallLifecycleData carries call identity for start/end events
type CallLifecycleData struct {
	CallSID    string     `json:"call_sid"`
	StreamSID  string     `json:"stream_sid,omitempty"`
	TenantID   string     `json:"tenant_id"`
	Direction  string     `json:"direction,omitempty"`
	FromNumber string     `json:"from_number,omitempty"`
	ToNumber   string     `json:"to_number,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// AdmissionEventData carries counter state for admission events
type AdmissionEventData struct {
	CallSID  string `json:"call_sid"`
	TenantID string `json:"tenant_id"`
	Count    int64  `json:"count"`
	Ceiling  int    `json:"ceiling"`
}

// ResponseEventData carries per-response accounting for model events
type ResponseEventData struct {
	CallSID    string `json:"call_sid"`
	ResponseID string `json:"response_id"`
	Transcript string `json:"transcript,omitempty"`
	FramesSent int64  `json:"frames_sent"`
	BytesSent  int64  `json:"bytes_sent"`
	Cancelled  bool   `json:"cancelled"`
}

// NewCallEvent creates a new call event
func NewCallEvent(eventType EventType, callSID string) *CallEvent {
	return &CallEvent{
		Type:      eventType,
		CallSID:   callSID,
		Timestamp: time.Now(),
	}
}

// WithTenantID adds tenant ID to the event
func (e *CallEvent) WithTenantID(tenantID string) *CallEvent {
	e.TenantID = tenantID
	return e
}

// WithData adds data to the event
func (e *CallEvent) WithData(data interface{}) *CallEvent {
	e.Data = data
	return e
}

// WithError adds error to the event
func (e *CallEvent) WithError(err error) *CallEvent {
	e.Error = err
	return e
}

// IsError returns true if the event contains an error
func (e *CallEvent) IsError() bool {
	return e.Error != nil
}

// GetLifecycleData returns call lifecycle data if available
func (e *CallEvent) GetLifecycleData() (*CallLifecycleData, bool) {
	if data, ok := e.Data.(*CallLifecycleData); ok {
		return data, true
	}
	return nil, false
}

// GetAdmissionData returns admission event data if available
func (e *CallEvent) GetAdmissionData() (*AdmissionEventData, bool) {
	if data, ok := e.Data.(*AdmissionEventData); ok {
		return data, true
	}
	return nil, false
}

// GetResponseData returns model response data if available
func (e *CallEvent) GetResponseData() (*ResponseEventData, bool) {
	if data, ok := e.Data.(*ResponseEventData); ok {
		return data, true
	}
	return nil, false
}
