package calsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
)

// EventMapper functions translate between local calendar events and the
// provider's event representation. They are pure and deterministic: the same
// input always yields the same output, which the engine relies on for
// idempotent diffing. All timestamps are normalized to UTC instants before
// rendering or comparison; naive local times are never compared against zoned
// times.

const (
	allDayDateLayout = "2006-01-02"

	// Private extended properties stamped on every pushed event so a remote
	// copy can be traced back to its owning entity.
	propLocalEventID = "calsyncLocalEventId"
	propRelatedID    = "calsyncRelatedId"
	propRelatedType  = "calsyncRelatedType"
)

// ToRemotePayload builds the provider-shaped event body for a local event.
func ToRemotePayload(ev CalendarEvent) (*calendar.Event, error) {
	title := strings.TrimSpace(ev.Title)
	if title == "" {
		return nil, &MappingError{LocalEventID: ev.ID, Reason: "event has no title"}
	}
	if ev.Start.IsZero() {
		return nil, &MappingError{LocalEventID: ev.ID, Reason: "event has no start time"}
	}

	out := &calendar.Event{
		Summary:     title,
		Description: ev.Description,
		Location:    ev.Location,
	}

	if ev.AllDay {
		start := ev.Start.UTC()
		end := ev.End.UTC()
		if !end.After(start) {
			end = start.Add(24 * time.Hour)
		}
		out.Start = &calendar.EventDateTime{Date: start.Format(allDayDateLayout)}
		out.End = &calendar.EventDateTime{Date: end.Format(allDayDateLayout)}
	} else {
		end := ev.End
		if end.IsZero() {
			end = ev.Start.Add(time.Hour)
		}
		if !end.After(ev.Start) {
			return nil, &MappingError{LocalEventID: ev.ID, Reason: "event end is not after start"}
		}
		out.Start = &calendar.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"}
		out.End = &calendar.EventDateTime{DateTime: end.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	}

	lines, err := RecurrenceLines(ev.Recurrence, ev.ID)
	if err != nil {
		return nil, err
	}
	out.Recurrence = lines

	private := map[string]string{propLocalEventID: ev.ID}
	if ev.RelatedID != "" {
		private[propRelatedID] = ev.RelatedID
	}
	if ev.RelatedType != "" {
		private[propRelatedType] = ev.RelatedType
	}
	out.ExtendedProperties = &calendar.EventExtendedProperties{Private: private}

	return out, nil
}

// FromRemoteEvent projects a provider event into the canonical local shape.
// The returned note is non-empty when the provider recurrence was flattened
// to a non-recurring approximation; it is informational, not an error.
func FromRemoteEvent(ge *calendar.Event) (CalendarEvent, string, error) {
	if ge == nil {
		return CalendarEvent{}, "", ErrInvalidInput
	}
	start, allDay, err := parseEventDateTime(ge.Start)
	if err != nil {
		return CalendarEvent{}, "", &MappingError{Reason: "remote event start: " + err.Error()}
	}
	end, _, err := parseEventDateTime(ge.End)
	if err != nil {
		return CalendarEvent{}, "", &MappingError{Reason: "remote event end: " + err.Error()}
	}

	recurrence, note, err := ParseRecurrenceLines(ge.Recurrence)
	if err != nil {
		return CalendarEvent{}, "", &MappingError{Reason: err.Error()}
	}

	out := CalendarEvent{
		Title:         ge.Summary,
		Description:   ge.Description,
		Location:      ge.Location,
		Start:         start,
		End:           end,
		AllDay:        allDay,
		Source:        SourceGoogle,
		GoogleEventID: ge.Id,
		Recurrence:    recurrence,
	}
	if ge.ExtendedProperties != nil && ge.ExtendedProperties.Private != nil {
		out.ID = ge.ExtendedProperties.Private[propLocalEventID]
		out.RelatedID = ge.ExtendedProperties.Private[propRelatedID]
		out.RelatedType = ge.ExtendedProperties.Private[propRelatedType]
	}
	return out, note, nil
}

func parseEventDateTime(edt *calendar.EventDateTime) (time.Time, bool, error) {
	if edt == nil {
		return time.Time{}, false, nil
	}
	if edt.Date != "" {
		ts, err := time.ParseInLocation(allDayDateLayout, edt.Date, time.UTC)
		if err != nil {
			return time.Time{}, false, err
		}
		return ts, true, nil
	}
	if edt.DateTime == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339, edt.DateTime)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts.UTC(), false, nil
}

// RemoteFingerprint hashes the provider-visible fields of an event. The
// engine stores it on the relation and compares it on the next pass to notice
// upstream edits without pulling them back.
func RemoteFingerprint(ge *calendar.Event) string {
	if ge == nil {
		return ""
	}
	parts := []string{
		ge.Summary,
		ge.Description,
		ge.Location,
		canonicalEventTime(ge.Start),
		canonicalEventTime(ge.End),
		strings.Join(ge.Recurrence, "\n"),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

func canonicalEventTime(edt *calendar.EventDateTime) string {
	ts, allDay, err := parseEventDateTime(edt)
	if err != nil || ts.IsZero() {
		return ""
	}
	if allDay {
		return ts.Format(allDayDateLayout)
	}
	return ts.UTC().Format(time.RFC3339)
}

// snapshotDiffers reports whether the local event's provider-visible fields
// moved away from the relation's denormalized snapshot.
func snapshotDiffers(ev CalendarEvent, rel *EventRelation) bool {
	if rel == nil {
		return true
	}
	if strings.TrimSpace(ev.Title) != rel.Title || ev.AllDay != rel.AllDay {
		return true
	}
	if !ev.Start.UTC().Equal(rel.Start.UTC()) {
		return true
	}
	end := ev.End
	if end.IsZero() && !ev.AllDay {
		end = ev.Start.Add(time.Hour)
	}
	if !end.UTC().Equal(rel.End.UTC()) {
		return true
	}
	rule := recurrenceRuleString(ev.Recurrence, ev.ID)
	return rule != rel.RecurrenceRule
}

// recurrenceRuleString is the snapshot form of a recurrence; invalid
// recurrences render as an empty rule and are caught by the mapper when the
// payload is built.
func recurrenceRuleString(opts *RecurrenceOptions, localEventID string) string {
	lines, err := RecurrenceLines(opts, localEventID)
	if err != nil {
		return ""
	}
	return strings.Join(lines, "\n")
}
