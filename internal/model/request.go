package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Mode is how a request was submitted.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// ParseMode converts a mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSync:
		return ModeSync, nil
	case ModeAsync, "scheduled":
		return ModeAsync, nil
	default:
		return "", eris.Wrapf(ErrConfiguration, "unknown mode %q", s)
	}
}

// RequestStatus is the observable state of a request.
type RequestStatus string

const (
	RequestScheduled  RequestStatus = "scheduled"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestError      RequestStatus = "error"
	// RequestUnknown answers lookups for identifiers the tracker never issued.
	RequestUnknown RequestStatus = "unknown"
)

// Terminal reports whether no further transition will happen.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestError
}

// Request is one externally triggered invocation of the pipeline.
type Request struct {
	ID        string    `json:"request_id"`
	Company   string    `json:"company"`
	Query     string    `json:"query,omitempty"`
	DateRange DateRange `json:"date_range"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

// Status is the persisted and served status record of a request.
type Status struct {
	RequestID   string            `json:"request_id"`
	Status      RequestStatus     `json:"status"`
	Company     string            `json:"company,omitempty"`
	Timestamp   *time.Time        `json:"timestamp,omitempty"`
	UpdatedAt   *time.Time        `json:"updated_at,omitempty"`
	Mode        Mode              `json:"mode,omitempty"`
	DateRange   *DateRange        `json:"date_range,omitempty"`
	Error       string            `json:"error,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	APIData     map[string]string `json:"api_data,omitempty"`
	RemoteURLs  map[string]string `json:"remote_urls,omitempty"`
	StageErrors map[Stage]string  `json:"stage_errors,omitempty"`
}

// UnknownStatus is the answer for an unrecognized identifier.
func UnknownStatus(id string) *Status {
	return &Status{RequestID: id, Status: RequestUnknown}
}
