package db

import (
	"time"

	"github.com/google/uuid"
)

// Project is the owning scope for sequences and subscribers. The sender
// name on outgoing mail falls back to the project name.
type Project struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	SenderName *string   `json:"sender_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TriggerKind identifies the event that activates a sequence.
type TriggerKind string

const (
	TriggerLeadMagnetDownload  TriggerKind = "lead_magnet_download"
	TriggerSubscriberConfirmed TriggerKind = "subscriber_confirmed"
	TriggerManual              TriggerKind = "manual"
)

// Valid reports whether k is a known trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerLeadMagnetDownload, TriggerSubscriberConfirmed, TriggerManual:
		return true
	}
	return false
}

// SequenceStatus is the lifecycle state of a sequence.
type SequenceStatus string

const (
	SequenceDraft  SequenceStatus = "draft"
	SequenceActive SequenceStatus = "active"
	SequencePaused SequenceStatus = "paused"
)

func (s SequenceStatus) Valid() bool {
	switch s {
	case SequenceDraft, SequenceActive, SequencePaused:
		return true
	}
	return false
}

// Sequence is an automation definition: a trigger mapped to an ordered
// list of timed email steps.
type Sequence struct {
	ID             uuid.UUID      `json:"id"`
	ProjectID      uuid.UUID      `json:"project_id"`
	Name           string         `json:"name"`
	TriggerKind    TriggerKind    `json:"trigger_kind"`
	TriggerScopeID *uuid.UUID     `json:"trigger_scope_id,omitempty"`
	Status         SequenceStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StepStatus is the lifecycle state of a step within a sequence.
type StepStatus string

const (
	StepActive StepStatus = "active"
	StepPaused StepStatus = "paused"
)

// Step is one templated email within a sequence. Subject and body may
// contain {{first_name}}, {{email}} and {{subscriber_id}} tokens.
type Step struct {
	ID         uuid.UUID  `json:"id"`
	SequenceID uuid.UUID  `json:"sequence_id"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	DelayDays  int        `json:"delay_days"`
	DelayHours int        `json:"delay_hours"`
	Position   int        `json:"position"`
	Status     StepStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TotalDelay is the relative send delay for the step, computed from the
// day and hour components.
func (s *Step) TotalDelay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// SubscriberStatus is the lifecycle state of a subscriber.
type SubscriberStatus string

const (
	SubscriberPending      SubscriberStatus = "pending"
	SubscriberConfirmed    SubscriberStatus = "confirmed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
)

// Subscriber is a mail recipient. Email is stored lower-cased and is
// unique per project. Consent metadata is kept for compliance and plays
// no part in scheduling.
type Subscriber struct {
	ID          uuid.UUID        `json:"id"`
	ProjectID   uuid.UUID        `json:"project_id"`
	Email       string           `json:"email"`
	FirstName   *string          `json:"first_name,omitempty"`
	Status      SubscriberStatus `json:"status"`
	SourceKind  string           `json:"source_kind"`
	SourceID    *uuid.UUID       `json:"source_id,omitempty"`
	ConsentedAt *time.Time       `json:"consented_at,omitempty"`
	ConsentIP   *string          `json:"consent_ip,omitempty"`
	ConsentUA   *string          `json:"consent_user_agent,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// DeliveryStatus is the state of one (subscriber, step) delivery.
//
/// Transitions:
//
//	scheduled -> pending    worker picked the job up
//	scheduled -> cancelled  subscriber unsubscribed before dispatch
//	pending   -> sent       transport accepted the message
//	pending   -> failed     transport rejected the message
//	failed    -> pending    retry coordinator re-enqueued the delivery
//	sent      -> opened     tracking pixel hit
//	opened    -> clicked    tracked link followed
//
// sent/opened/clicked are one-way; a delivery never leaves them except
// to move further along the tracking chain.
type DeliveryStatus string

const (
	DeliveryScheduled DeliveryStatus = "scheduled"
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryClicked   DeliveryStatus = "clicked"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// Delivered reports whether the message has already gone out. Deliveries
// in these states must never be sent again.
func (s DeliveryStatus) Delivered() bool {
	return s == DeliverySent || s == DeliveryOpened || s == DeliveryClicked
}

// CanTransition reports whether moving from s to next is legal.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	switch s {
	case DeliveryScheduled:
		return next == DeliveryPending || next == DeliveryCancelled
	case DeliveryPending:
		return next == DeliverySent || next == DeliveryFailed
	case DeliveryFailed:
		return next == DeliveryPending
	case DeliverySent:
		return next == DeliveryOpened
	case DeliveryOpened:
		return next == DeliveryClicked
	}
	return false
}

// Delivery is the unit of work: one step sent to one subscriber. The
// (subscriber_id, step_id) pair is unique, which makes materialization
// idempotent.
type Delivery struct {
	ID           uuid.UUID      `json:"id"`
	SubscriberID uuid.UUID      `json:"subscriber_id"`
	StepID       uuid.UUID      `json:"step_id"`
	Status       DeliveryStatus `json:"status"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	OpenedAt     *time.Time     `json:"opened_at,omitempty"`
	ClickedAt    *time.Time     `json:"clicked_at,omitempty"`
	LastError    *string        `json:"last_error,omitempty"`
	Attempts     int            `json:"attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DeliveryDetail is a delivery joined with everything the worker needs to
// render and send it.
type DeliveryDetail struct {
	Delivery    Delivery
	Subscriber  Subscriber
	Step        Step
	Sequence    Sequence
	ProjectName string
	SenderName  *string
}

// StepStats is a per-step breakdown of delivery counts by status.
type StepStats struct {
	StepID   uuid.UUID                `json:"step_id"`
	Position int                      `json:"position"`
	Counts   map[DeliveryStatus]int64 `json:"counts"`
}
