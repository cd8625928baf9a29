// Package events defines event types and structures for enrollment
// lifecycle notifications.
package events

import (
	"time"
)

type EventType string

// Kafka topic for drip lifecycle events.
const Topic = "drip.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Enrollment lifecycle events.
	EnrollmentCreatedEvent   EventType = "enrollment.created"
	EnrollmentPausedEvent    EventType = "enrollment.paused"
	EnrollmentResumedEvent   EventType = "enrollment.resumed"
	EnrollmentCancelledEvent EventType = "enrollment.cancelled"
	EnrollmentCompletedEvent EventType = "enrollment.completed"
	EnrollmentFailedEvent    EventType = "enrollment.failed"

	// Step events emitted by the scheduler tick.
	StepSentEvent       EventType = "step.sent"
	StepSendFailedEvent EventType = "step.send_failed"

	// A/B test lifecycle events.
	ABTestCompletedEvent EventType = "abtest.completed"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type EnrollmentCreated struct {
	BaseEvent

	EnrollmentID string     `json:"enrollment_id"`
	EntityID     string     `json:"entity_id"`
	NextSendAt   *time.Time `json:"next_send_at,omitempty"`
	ABTestGroup  *string    `json:"ab_test_group,omitempty"`
}

func (e EnrollmentCreated) GetType() EventType {
	return EnrollmentCreatedEvent
}

type EnrollmentPaused struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
}

func (e EnrollmentPaused) GetType() EventType {
	return EnrollmentPausedEvent
}

type EnrollmentResumed struct {
	BaseEvent

	EnrollmentID string     `json:"enrollment_id"`
	NextSendAt   *time.Time `json:"next_send_at,omitempty"`
}

func (e EnrollmentResumed) GetType() EventType {
	return EnrollmentResumedEvent
}

type EnrollmentCancelled struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
}

func (e EnrollmentCancelled) GetType() EventType {
	return EnrollmentCancelledEvent
}

type EnrollmentCompleted struct {
	BaseEvent

	EnrollmentID string    `json:"enrollment_id"`
	EntityID     string    `json:"entity_id"`
	CompletedAt  time.Time `json:"completed_at"`
}

func (e EnrollmentCompleted) GetType() EventType {
	return EnrollmentCompletedEvent
}

type EnrollmentFailed struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	EntityID     string `json:"entity_id"`
	Step         int    `json:"step"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error"`
}

func (e EnrollmentFailed) GetType() EventType {
	return EnrollmentFailedEvent
}

type StepSent struct {
	BaseEvent

	EnrollmentID      string  `json:"enrollment_id"`
	EntityID          string  `json:"entity_id"`
	Step              int     `json:"step"`
	VariantID         *string `json:"variant_id,omitempty"`
	ExternalMessageID string  `json:"external_message_id,omitempty"`
}

func (e StepSent) GetType() EventType {
	return StepSentEvent
}

type StepSendFailed struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	EntityID     string `json:"entity_id"`
	Step         int    `json:"step"`
	Error        string `json:"error"`
	WillRetry    bool   `json:"will_retry"`
}

func (e StepSendFailed) GetType() EventType {
	return StepSendFailedEvent
}

type ABTestCompleted struct {
	BaseEvent

	TestID   string  `json:"test_id"`
	WinnerID string  `json:"winner_id"`
	Rate     float64 `json:"conversion_rate"`
}

func (e ABTestCompleted) GetType() EventType {
	return ABTestCompletedEvent
}
