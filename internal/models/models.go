package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates every envelope exchanged over the transport.
// New types go through this enum and the registry dispatch table, nowhere else.
type MessageType string

const (
	MessageTypeSystem       MessageType = "system"
	MessageTypeChat         MessageType = "chat"
	MessageTypeNotification MessageType = "notification"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeError        MessageType = "error"
	MessageTypeAuth         MessageType = "auth"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
)

var validMessageTypes = map[MessageType]struct{}{
	MessageTypeSystem:       {},
	MessageTypeChat:         {},
	MessageTypeNotification: {},
	MessageTypeHeartbeat:    {},
	MessageTypeError:        {},
	MessageTypeAuth:         {},
	MessageTypeSubscribe:    {},
	MessageTypeUnsubscribe:  {},
}

func (t MessageType) Valid() bool {
	_, ok := validMessageTypes[t]
	return ok
}

// Envelope is the wire-level unit exchanged over the transport.
// Immutable once constructed; the data schema is keyed by Type.
type Envelope struct {
	MessageID     string         `json:"message_id"`
	Type          MessageType    `json:"type"`
	Data          map[string]any `json:"data"`
	Timestamp     time.Time      `json:"timestamp"`
	SenderID      string         `json:"sender_id,omitempty"`
	RecipientID   string         `json:"recipient_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewEnvelope stamps a fresh id and timestamp.
func NewEnvelope(t MessageType, data map[string]any) *Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return &Envelope{
		MessageID: uuid.New().String(),
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Severity classifies a domain event and drives channel selection.
type Severity string

const (
	SeverityLow       Severity = "low"
	SeverityMedium    Severity = "medium"
	SeverityHigh      Severity = "high"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

var severityRank = map[Severity]int{
	SeverityLow:       1,
	SeverityMedium:    2,
	SeverityHigh:      3,
	SeverityCritical:  4,
	SeverityEmergency: 5,
}

// Rank orders severities: emergency > critical > high > medium > low.
func (s Severity) Rank() int { return severityRank[s] }

// Priority is derived from severity; only high and critical requests
// are ever retried or escalated.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func PriorityFor(s Severity) Priority {
	switch s {
	case SeverityEmergency, SeverityCritical:
		return PriorityCritical
	case SeverityHigh:
		return PriorityHigh
	case SeverityMedium:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// AlertType is the guardian-facing category a preference can opt into.
type AlertType string

const (
	AlertTypeSafety    AlertType = "safety_alert"
	AlertTypeBehavior  AlertType = "behavior_alert"
	AlertTypeUsage     AlertType = "usage_limit"
	AlertTypeEmergency AlertType = "emergency"
)

// ChannelName identifies one delivery medium.
type ChannelName string

const (
	ChannelWebSocket ChannelName = "websocket"
	ChannelPush      ChannelName = "push"
	ChannelEmail     ChannelName = "email"
	ChannelSMS       ChannelName = "sms"
)

// SafetyEvent is the detector's input: a scored observation about a child
// plus the concrete issues the detector flagged.
type SafetyEvent struct {
	ChildID        string         `json:"child_id"`
	SafetyScore    int            `json:"safety_score"`
	DetectedIssues []string       `json:"detected_issues"`
	Context        map[string]any `json:"context,omitempty"`
}

// NotificationRequest is the unit of orchestrated multi-channel delivery.
// Immutable after creation; referenced by its DeliveryResult.
type NotificationRequest struct {
	RequestID     string         `json:"request_id"`
	AlertType     AlertType      `json:"alert_type"`
	Severity      Severity       `json:"severity"`
	Priority      Priority       `json:"priority"`
	GuardianID    string         `json:"guardian_id"`
	ChildID       string         `json:"child_id,omitempty"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Payload       map[string]any `json:"payload,omitempty"`
	Channels      []ChannelName  `json:"channels"`
	ForceDelivery bool           `json:"force_delivery"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	SafetyContext map[string]any `json:"safety_context,omitempty"`
}

// DeliveryStatus is the aggregate outcome of one request.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryPartial   DeliveryStatus = "partially_delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetrying  DeliveryStatus = "retrying"
)

// ChannelAttempt records a single channel's outcome for one request.
type ChannelAttempt struct {
	Success     bool      `json:"success"`
	AttemptedAt time.Time `json:"attempted_at"`
	Error       string    `json:"error,omitempty"`
}

// DeliveryResult records only channels actually attempted for its request,
// never a channel the request did not select.
type DeliveryResult struct {
	RequestID      string                         `json:"request_id"`
	OverallStatus  DeliveryStatus                 `json:"overall_status"`
	PerChannel     map[ChannelName]ChannelAttempt `json:"per_channel"`
	DeliveredCount int                            `json:"delivered_count"`
	FailedCount    int                            `json:"failed_count"`
	RetryCount     int                            `json:"retry_count"`
	CompletedAt    time.Time                      `json:"completed_at"`
}

// APIResponse is the common HTTP response envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

// SafetyAlertRequest is the detector-facing body for a safety alert.
type SafetyAlertRequest struct {
	ChildID        string         `json:"child_id" binding:"required"`
	SafetyScore    int            `json:"safety_score"`
	DetectedIssues []string       `json:"detected_issues"`
	Context        map[string]any `json:"context"`
}

type BehaviorAlertRequest struct {
	ChildID     string         `json:"child_id" binding:"required"`
	Behavior    string         `json:"behavior" binding:"required"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context"`
}

type UsageLimitAlertRequest struct {
	ChildID     string `json:"child_id" binding:"required"`
	LimitType   string `json:"limit_type" binding:"required"`
	UsedMinutes int    `json:"used_minutes"`
	CapMinutes  int    `json:"cap_minutes"`
}

type EmergencyAlertRequest struct {
	ChildID       string         `json:"child_id"`
	GuardianID    string         `json:"guardian_id"`
	EmergencyType string         `json:"emergency_type" binding:"required"`
	Details       map[string]any `json:"details"`
}

type PreferencesRequest struct {
	AlertTypes []AlertType `json:"alert_types" binding:"required"`
}

type MapChildRequest struct {
	ChildID string `json:"child_id" binding:"required"`
}

// AlertResponse is the API acknowledgement for an ingested alert.
type AlertResponse struct {
	RequestID string         `json:"request_id"`
	Status    DeliveryStatus `json:"status"`
	Severity  Severity       `json:"severity"`
	QueuedAt  time.Time      `json:"queued_at"`
}
