package events

import (
	"encoding/json"
)

// Payload is the typed form of eventData for event types with a known shape.
type Payload interface {
	EventType() string
}

type SubmissionCreated struct {
	JobID         string `json:"jobId,omitempty"`
	JobTitle      string `json:"jobTitle"`
	CandidateID   string `json:"candidateId,omitempty"`
	CandidateName string `json:"candidateName,omitempty"`
}

func (SubmissionCreated) EventType() string { return "submission.created" }

type SubmissionStatusChanged struct {
	JobTitle  string `json:"jobTitle"`
	OldStatus string `json:"oldStatus,omitempty"`
	NewStatus string `json:"newStatus"`
}

func (SubmissionStatusChanged) EventType() string { return "submission.status_changed" }

type JobCreated struct {
	Title      string `json:"title"`
	ClientName string `json:"clientName"`
}

func (JobCreated) EventType() string { return "job.created" }

type JobSLABreach struct {
	Title    string `json:"title"`
	SLAHours int    `json:"slaHours,omitempty"`
}

func (JobSLABreach) EventType() string { return "job.sla_breach" }

type CandidateCreated struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email,omitempty"`
}

func (CandidateCreated) EventType() string { return "candidate.created" }

type PlacementCreated struct {
	CandidateName string `json:"candidateName"`
	ClientName    string `json:"clientName"`
	StartDate     string `json:"startDate,omitempty"`
}

func (PlacementCreated) EventType() string { return "placement.created" }

type InterviewScheduled struct {
	CandidateName string `json:"candidateName"`
	ScheduledAt   string `json:"scheduledAt"`
}

func (InterviewScheduled) EventType() string { return "interview.scheduled" }

type TimesheetMissing struct {
	WorkerName string `json:"workerName,omitempty"`
	WeekEnding string `json:"weekEnding"`
}

func (TimesheetMissing) EventType() string { return "timesheet.timesheet_missing" }

type TimesheetSubmitted struct {
	WorkerName string  `json:"workerName"`
	WeekEnding string  `json:"weekEnding"`
	Hours      float64 `json:"hours,omitempty"`
}

func (TimesheetSubmitted) EventType() string { return "timesheet.submitted" }

type CourseEnrolled struct {
	StudentName string `json:"studentName"`
	CourseTitle string `json:"courseTitle"`
}

func (CourseEnrolled) EventType() string { return "course.enrolled" }

var payloadTypes = map[string]func() Payload{
	"submission.created":          func() Payload { return &SubmissionCreated{} },
	"submission.status_changed":   func() Payload { return &SubmissionStatusChanged{} },
	"job.created":                 func() Payload { return &JobCreated{} },
	"job.sla_breach":              func() Payload { return &JobSLABreach{} },
	"candidate.created":           func() Payload { return &CandidateCreated{} },
	"placement.created":           func() Payload { return &PlacementCreated{} },
	"interview.scheduled":         func() Payload { return &InterviewScheduled{} },
	"timesheet.timesheet_missing": func() Payload { return &TimesheetMissing{} },
	"timesheet.submitted":         func() Payload { return &TimesheetSubmitted{} },
	"course.enrolled":             func() Payload { return &CourseEnrolled{} },
}

// DecodePayload converts eventData into its typed payload. It returns false
// for unknown event types or data that does not fit the type, in which case
// callers keep using the opaque map.
func DecodePayload(eventType string, data map[string]any) (Payload, bool) {
	factory, ok := payloadTypes[eventType]
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	p := factory()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, false
	}
	return p, true
}
