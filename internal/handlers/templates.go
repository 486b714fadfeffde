package handlers

import (
	"strings"
	"unicode"

	"event-pipeline/internal/events"
	"event-pipeline/internal/models"
)

// Rendered is the user-facing text of a notification.
type Rendered struct {
	Title string
	Body  string
	URL   string
}

// Render builds the notification text for evt. Known event types use their
// typed payload; anything else gets a generic message.
func Render(evt models.Event) Rendered {
	r := Rendered{URL: "/" + evt.EntityType + "/" + evt.EntityID}
	p, ok := events.DecodePayload(evt.Type, evt.Data)
	if !ok {
		r.Title, r.Body = fallback(evt)
		return r
	}
	switch v := p.(type) {
	case *events.SubmissionCreated:
		r.Title, r.Body = "New Submission", "A new candidate has been submitted for "+v.JobTitle
	case *events.SubmissionStatusChanged:
		r.Title, r.Body = "Submission Updated", "Submission for "+v.JobTitle+" moved to "+v.NewStatus
	case *events.JobCreated:
		r.Title, r.Body = "New Job", v.Title+" has been opened for "+v.ClientName
	case *events.JobSLABreach:
		r.Title, r.Body = "SLA Breach", "Job "+v.Title+" has breached its SLA"
	case *events.CandidateCreated:
		r.Title, r.Body = "New Candidate", v.FirstName+" "+v.LastName+" has been added"
	case *events.PlacementCreated:
		r.Title, r.Body = "New Placement", v.CandidateName+" has been placed at "+v.ClientName
	case *events.InterviewScheduled:
		r.Title, r.Body = "Interview Scheduled", "Interview for "+v.CandidateName+" scheduled at "+v.ScheduledAt
	case *events.TimesheetMissing:
		r.Title, r.Body = "Missing Timesheet", "Timesheet for week ending "+v.WeekEnding+" has not been submitted"
	case *events.TimesheetSubmitted:
		r.Title, r.Body = "Timesheet Submitted", v.WorkerName+" submitted a timesheet for "+v.WeekEnding
	case *events.CourseEnrolled:
		r.Title, r.Body = "Course Enrollment", v.StudentName+" enrolled in "+v.CourseTitle
	default:
		r.Title, r.Body = fallback(evt)
	}
	return r
}

func fallback(evt models.Event) (string, string) {
	entity, action := events.Split(evt.Type)
	return titleCase(entity) + " - " + titleCase(action),
		evt.EntityType + " " + evt.EntityID + " was updated"
}

// titleCase turns "status_changed" into "Status Changed".
func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
