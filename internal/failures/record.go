// Package failures stores terminal processing failures for auditing and
// operator-driven reprocessing.
package failures

import (
	"encoding/json"
	"strings"
	"time"
)

// Source tells a first-order handler failure apart from a failure inside the
// error handling path.
type Source string

const (
	SourceConsumer      Source = "Consumer"
	SourceErrorConsumer Source = "ErrorConsumer"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceConsumer || s == SourceErrorConsumer
}

// Status is the operator workflow state of a record.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Record is one terminal failure.
type Record struct {
	ID                string          `json:"id"`
	OriginalMessageID string          `json:"originalMessageId"`
	CorrelationID     string          `json:"correlationId,omitempty"`
	MessageType       string          `json:"messageType"`
	Consumer          string          `json:"consumer,omitempty"`
	Queue             string          `json:"queue,omitempty"`
	OriginalPayload   json.RawMessage `json:"originalPayload"`

	FailedAt     time.Time `json:"failedAt"`
	LastFailedAt time.Time `json:"lastFailedAt"`
	ErrorType    string    `json:"errorType"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	ErrorMessage string    `json:"errorMessage"`
	StackTrace   string    `json:"stackTrace,omitempty"`

	// RetryCount is the number of business attempts made before the failure
	// became terminal. ReprocessCount counts operator resubmissions; the two
	// are independent.
	RetryCount        int        `json:"retryCount"`
	ReprocessCount    int        `json:"reprocessCount"`
	LastReprocessedAt *time.Time `json:"lastReprocessedAt,omitempty"`
	CanReprocess      bool       `json:"canReprocess"`

	// Occurrences counts how often the failure was recorded under simple
	// tracking, where one record is updated in place.
	Occurrences int `json:"occurrences"`

	FailureSource        Source `json:"failureSource"`
	OriginalConsumerType string `json:"originalConsumerType,omitempty"`
	Status               Status `json:"status"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.OriginalPayload != nil {
		out.OriginalPayload = append(json.RawMessage(nil), r.OriginalPayload...)
	}
	if r.LastReprocessedAt != nil {
		ts := *r.LastReprocessedAt
		out.LastReprocessedAt = &ts
	}
	return out
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	MessageType  string
	CanReprocess *bool
	// SearchText matches errorType, errorMessage and stackTrace, ignoring case.
	SearchText    string
	From          *time.Time
	To            *time.Time
	FailureSource Source
	Status        Status
	Queue         string
}

// Matches reports whether rec passes every filter criterion. From and To
// bound lastFailedAt inclusively.
func (f Filter) Matches(rec Record) bool {
	if f.MessageType != "" && rec.MessageType != f.MessageType {
		return false
	}
	if f.CanReprocess != nil && rec.CanReprocess != *f.CanReprocess {
		return false
	}
	if f.FailureSource != "" && rec.FailureSource != f.FailureSource {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Queue != "" && rec.Queue != f.Queue {
		return false
	}
	if f.From != nil && rec.LastFailedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && rec.LastFailedAt.After(*f.To) {
		return false
	}
	if needle := strings.ToLower(strings.TrimSpace(f.SearchText)); needle != "" {
		haystacks := []string{rec.ErrorType, rec.ErrorMessage, rec.StackTrace}
		found := false
		for _, h := range haystacks {
			if strings.Contains(strings.ToLower(h), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Pagination bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageRequest is a 1-based page selection.
type PageRequest struct {
	Page     int
	PageSize int
}

// Normalize clamps the request to valid bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p PageRequest) offset() int {
	return (p.Page - 1) * p.PageSize
}

// Page is one page of records, most recent failure first.
type Page struct {
	Items       []Record `json:"items"`
	TotalCount  int      `json:"totalCount"`
	Page        int      `json:"page"`
	PageSize    int      `json:"pageSize"`
	HasNextPage bool     `json:"hasNextPage"`
}

func newPage(items []Record, total int, req PageRequest) Page {
	if items == nil {
		items = []Record{}
	}
	return Page{
		Items:       items,
		TotalCount:  total,
		Page:        req.Page,
		PageSize:    req.PageSize,
		HasNextPage: req.offset()+len(items) < total,
	}
}

// Statistics summarises the stored failures.
type Statistics struct {
	TotalMessages    int            `json:"totalMessages"`
	Reprocessable    int            `json:"reprocessable"`
	NotReprocessable int            `json:"notReprocessable"`
	ByMessageType    map[string]int `json:"byMessageType"`
	ByErrorType      map[string]int `json:"byErrorType"`
	BySource         map[string]int `json:"byFailureSource"`
	ByStatus         map[string]int `json:"byStatus"`
	OldestFailure    *time.Time     `json:"oldestFailure,omitempty"`
	NewestFailure    *time.Time     `json:"newestFailure,omitempty"`
}

func newStatistics() Statistics {
	return Statistics{
		ByMessageType: map[string]int{},
		ByErrorType:   map[string]int{},
		BySource:      map[string]int{},
		ByStatus:      map[string]int{},
	}
}

// newerFirst orders by lastFailedAt descending, then id descending.
func newerFirst(a, b Record) bool {
	if !a.LastFailedAt.Equal(b.LastFailedAt) {
		return a.LastFailedAt.After(b.LastFailedAt)
	}
	return a.ID > b.ID
}
