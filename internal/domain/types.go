package domain

import (
	"encoding/json"
	"time"
)

type ScheduleStatus string

const (
	StatusPending    ScheduleStatus = "pending"
	StatusInProgress ScheduleStatus = "in_progress"
	StatusCompleted  ScheduleStatus = "completed"
	StatusFailed     ScheduleStatus = "failed"
)

func (s ScheduleStatus) String() string { return string(s) }

// Terminal reports whether no further transition is possible.
func (s ScheduleStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Transition struct {
	From ScheduleStatus
	To   ScheduleStatus
}

var validTransitions = []Transition{
	{From: StatusPending, To: StatusInProgress},
	{From: StatusInProgress, To: StatusCompleted},
	{From: StatusInProgress, To: StatusFailed},
}

func CanTransition(from, to ScheduleStatus) bool {
	for _, t := range validTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Schedule is a time-bound unit of planned listing work.
type Schedule struct {
	ID              string         `json:"id"`
	ScheduledTime   time.Time      `json:"scheduled_time"`
	Status          ScheduleStatus `json:"status"`
	Channel         string         `json:"channel"`
	Account         string         `json:"account"`
	ItemIntervalMin int            `json:"item_interval_min"` // milliseconds
	ItemIntervalMax int            `json:"item_interval_max"` // milliseconds
	ActualTime      *time.Time     `json:"actual_time,omitempty"`
	ActualCount     int            `json:"actual_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MaxItemInterval bounds the pacing delay a schedule may request between
// two items.
const MaxItemInterval = 24 * time.Hour

// ValidItemInterval reports whether ms is an acceptable pacing bound.
func ValidItemInterval(ms int) bool {
	return ms >= 0 && int64(ms) <= MaxItemInterval.Milliseconds()
}

type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

const DefaultMaxRetries = 3

// WorkItem is one listing attempt belonging to a Schedule.
type WorkItem struct {
	ID          string          `json:"id"`
	ScheduleID  string          `json:"schedule_id"`
	Position    int             `json:"position"`
	ItemKey     string          `json:"item_key"`
	Channel     string          `json:"channel"`
	Account     string          `json:"account"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	LastOutcome Outcome         `json:"last_outcome"`
	LastError   string          `json:"last_error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Exhausted   bool            `json:"exhausted"`
}

// Retryable reports whether the retry ceiling still allows another attempt.
func (w WorkItem) Retryable() bool {
	return !w.Exhausted && w.RetryCount < w.MaxRetries
}

// ItemOutcome is the immutable audit record of a single attempt.
type ItemOutcome struct {
	ID         string    `json:"id"`
	ItemID     string    `json:"item_id"`
	ScheduleID string    `json:"schedule_id"`
	ItemKey    string    `json:"item_key"`
	Channel    string    `json:"channel"`
	Account    string    `json:"account"`
	Attempt    int       `json:"attempt"`
	Status     Outcome   `json:"status"`
	Error      string    `json:"error,omitempty"`
	ListingID  string    `json:"listing_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Lock marks an item key as listed under one channel/account.
type Lock struct {
	ItemKey    string    `json:"item_key"`
	Channel    string    `json:"channel"`
	Account    string    `json:"account"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// HeldBy reports whether the lock belongs to the given holder.
func (l Lock) HeldBy(channel, account string) bool {
	return l.Channel == channel && l.Account == account
}

type ExecutionResult struct {
	ScheduleID        string        `json:"schedule_id"`
	ProductsProcessed int           `json:"products_processed"`
	SuccessCount      int           `json:"success_count"`
	FailedCount       int           `json:"failed_count"`
	Errors            []string      `json:"errors,omitempty"`
	Duration          time.Duration `json:"duration"`
}

type TickSummary struct {
	SchedulesProcessed int      `json:"schedulesProcessed"`
	TotalProducts      int      `json:"totalProducts"`
	TotalSuccess       int      `json:"totalSuccess"`
	TotalFailed        int      `json:"totalFailed"`
	Faults             int      `json:"faults"`
	Errors             []string `json:"errors,omitempty"`
}

// ExecutionLog is one append-only row per dispatcher tick.
type ExecutionLog struct {
	ID                 string    `json:"id"`
	ExecutionTime      time.Time `json:"execution_time"`
	SchedulesProcessed int       `json:"schedules_processed"`
	ItemsListed        int       `json:"items_listed"`
	ErrorsCount        int       `json:"errors_count"`
	ErrorDetails       []string  `json:"error_details,omitempty"`
	DurationMs         int64     `json:"duration_ms"`
}

type RetrySummary struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}
