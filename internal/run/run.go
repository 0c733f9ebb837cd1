// Package run holds the domain model for category runs: the run record
// itself, its status state machine, and the delivery/alert outcome
// sub-records written by the pipeline stages.
package run

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a run.
//
// Transitions are monotonic: pending -> running -> completed|failed.
// Anything else is rejected by the ledger.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TriggerOrigin records how a run was initiated.
type TriggerOrigin string

const (
	TriggerScheduled TriggerOrigin = "scheduled"
	TriggerManual    TriggerOrigin = "manual"
)

// ErrInvalidTransition is returned when a status change would move
// backwards or skip a state.
var ErrInvalidTransition = errors.New("invalid run status transition")

// CanTransition reports whether to is reachable from from.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		// completed and failed are terminal
		return false
	}
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ValidOrigin reports whether o is a known trigger origin.
func ValidOrigin(o TriggerOrigin) bool {
	return o == TriggerScheduled || o == TriggerManual
}

// DeliveryStatus is the outcome of a digest delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped" // no recipients configured
)

// DeliveryOutcome is written back to the run after the delivery stage,
// whether it succeeded, degraded, or failed outright.
type DeliveryOutcome struct {
	Status         DeliveryStatus `json:"status"`
	SentAt         time.Time      `json:"sent_at,omitzero"`
	RecipientCount int            `json:"recipient_count"`
	PDFGenerated   bool           `json:"pdf_generated"`
	PDFSizeBytes   int64          `json:"pdf_size_bytes,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// AlertStatus is the outcome of the critical alert stage.
type AlertStatus string

const (
	AlertNone    AlertStatus = "none"    // no critical findings
	AlertSent    AlertStatus = "sent"    // notification accepted by transport
	AlertSkipped AlertStatus = "skipped" // critical findings, but no recipients
	AlertError   AlertStatus = "error"   // transport failed; run continues
)

// AlertOutcome is written back to the run after the alert stage.
type AlertOutcome struct {
	Status        AlertStatus `json:"status"`
	Sent          bool        `json:"sent"`
	SentAt        time.Time   `json:"sent_at,omitzero"`
	CriticalCount int         `json:"critical_count"`
	ErrorMessage  string      `json:"error_message,omitempty"`
}

// Run is one execution attempt of the category pipeline.
//
// After creation the ledger owns the record; only the executor and its
// sub-pipelines mutate it, and nothing deletes it.
type Run struct {
	ID            string        `json:"id"`
	Category      string        `json:"category"`
	TriggerOrigin TriggerOrigin `json:"trigger_origin"`
	Status        Status        `json:"status"`

	// ScheduleID and ScheduledAt are only set for scheduled runs.
	ScheduleID  string    `json:"schedule_id,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// StartDelay is the gap between the scheduled and the actual start.
	// Only meaningful for scheduled runs; never negative.
	StartDelay time.Duration `json:"start_delay,omitempty"`

	ItemsFound   int    `json:"items_found"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Delivery and Alert are nil until their stage has executed.
	Delivery *DeliveryOutcome `json:"delivery,omitempty"`
	Alert    *AlertOutcome    `json:"alert,omitempty"`
}

func (r *Run) String() string {
	return fmt.Sprintf("run %s [%s/%s] %s", r.ID, r.Category, r.TriggerOrigin, r.Status)
}

// Filter narrows ledger list queries. Zero values mean "any".
type Filter struct {
	Category string
	Status   Status
	Origin   TriggerOrigin
	Limit    int
}

// StatGroup selects the dimension for aggregate run statistics.
type StatGroup string

const (
	GroupByStatus   StatGroup = "status"
	GroupByOrigin   StatGroup = "trigger_origin"
	GroupByCategory StatGroup = "category"
)

// StatBucket is one row of an aggregate query.
type StatBucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}
