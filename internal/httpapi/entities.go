package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/momentumhq/calsync/internal/calsync"
)

// entitySchema validates entity change notifications before they touch the
// projection. Timestamps are RFC 3339.
const entitySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["op", "id"],
  "properties": {
    "op": {"enum": ["upsert", "delete"]},
    "id": {"type": "string", "minLength": 1},
    "title": {"type": "string", "maxLength": 1024},
    "description": {"type": "string"},
    "location": {"type": "string"},
    "startTime": {"type": "string", "format": "date-time"},
    "endTime": {"type": "string", "format": "date-time"},
    "allDay": {"type": "boolean"},
    "source": {"enum": ["app", "habit", "task", "goal", "workout"]},
    "relatedId": {"type": "string"},
    "relatedType": {"type": "string"},
    "recurrence": {
      "type": "object",
      "required": ["frequency"],
      "properties": {
        "frequency": {"enum": ["daily", "weekly", "monthly", "yearly"]},
        "interval": {"type": "integer", "minimum": 1},
        "count": {"type": "integer", "minimum": 1},
        "until": {"type": "string", "format": "date-time"},
        "byDay": {"type": "array", "items": {"enum": ["MO", "TU", "WE", "TH", "FR", "SA", "SU"]}},
        "byMonthDay": {"type": "array", "items": {"type": "integer", "minimum": 1, "maximum": 31}},
        "byMonth": {"type": "array", "items": {"type": "integer", "minimum": 1, "maximum": 12}},
        "exDates": {"type": "array", "items": {"type": "string", "format": "date-time"}}
      },
      "additionalProperties": false
    }
  },
  "if": {"properties": {"op": {"const": "upsert"}}},
  "then": {"required": ["op", "id", "title", "startTime"]},
  "additionalProperties": false
}`

// ValidationError reports a notification rejected by the schema.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// ProjectionWriter is the mutable side of the projection cache.
type ProjectionWriter interface {
	UpsertEvent(ctx context.Context, ev calsync.CalendarEvent) error
	DeleteEvent(ctx context.Context, userID, localEventID string) error
	PutSettings(ctx context.Context, settings calsync.UserSettings) error
}

// EntitySink validates entity change notifications and applies them to the
// projection the sync engine reads.
type EntitySink struct {
	writer ProjectionWriter
	schema *jsonschema.Schema
}

func NewEntitySink(writer ProjectionWriter) (*EntitySink, error) {
	if writer == nil {
		return nil, calsync.ErrInvalidInput
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(entitySchema))
	if err != nil {
		return nil, fmt.Errorf("parse entity schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("entity.json", doc); err != nil {
		return nil, fmt.Errorf("register entity schema: %w", err)
	}
	schema, err := compiler.Compile("entity.json")
	if err != nil {
		return nil, fmt.Errorf("compile entity schema: %w", err)
	}
	return &EntitySink{writer: writer, schema: schema}, nil
}

type entityNotification struct {
	Op          string             `json:"op"`
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Location    string             `json:"location"`
	StartTime   string             `json:"startTime"`
	EndTime     string             `json:"endTime"`
	AllDay      bool               `json:"allDay"`
	Source      string             `json:"source"`
	RelatedID   string             `json:"relatedId"`
	RelatedType string             `json:"relatedType"`
	Recurrence  *recurrencePayload `json:"recurrence"`
}

type recurrencePayload struct {
	Frequency  string   `json:"frequency"`
	Interval   int      `json:"interval"`
	Count      int      `json:"count"`
	Until      string   `json:"until"`
	ByDay      []string `json:"byDay"`
	ByMonthDay []int    `json:"byMonthDay"`
	ByMonth    []int    `json:"byMonth"`
	ExDates    []string `json:"exDates"`
}

// Apply validates one notification body and applies it for the user.
func (s *EntitySink) Apply(ctx context.Context, userID string, body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &ValidationError{Err: fmt.Errorf("invalid json: %w", err)}
	}
	if err := s.schema.Validate(instance); err != nil {
		return &ValidationError{Err: err}
	}

	var notif entityNotification
	if err := json.Unmarshal(body, &notif); err != nil {
		return &ValidationError{Err: err}
	}

	if notif.Op == "delete" {
		err := s.writer.DeleteEvent(ctx, userID, notif.ID)
		if errors.Is(err, calsync.ErrNotFound) {
			return nil // deleting an unknown entity is a no-op
		}
		return err
	}

	ev, err := notif.toEvent(userID)
	if err != nil {
		return &ValidationError{Err: err}
	}
	return s.writer.UpsertEvent(ctx, ev)
}

func (s *EntitySink) PutSettings(ctx context.Context, settings calsync.UserSettings) error {
	return s.writer.PutSettings(ctx, settings)
}

func (n entityNotification) toEvent(userID string) (calsync.CalendarEvent, error) {
	start, err := time.Parse(time.RFC3339, n.StartTime)
	if err != nil {
		return calsync.CalendarEvent{}, fmt.Errorf("invalid startTime: %w", err)
	}
	var end time.Time
	if n.EndTime != "" {
		end, err = time.Parse(time.RFC3339, n.EndTime)
		if err != nil {
			return calsync.CalendarEvent{}, fmt.Errorf("invalid endTime: %w", err)
		}
		if !end.After(start) {
			return calsync.CalendarEvent{}, fmt.Errorf("endTime must be after startTime")
		}
	}
	source := calsync.EventSource(n.Source)
	if n.Source == "" {
		source = calsync.SourceApp
	}
	ev := calsync.CalendarEvent{
		ID:          n.ID,
		UserID:      userID,
		Title:       n.Title,
		Description: n.Description,
		Location:    n.Location,
		Start:       start,
		End:         end,
		AllDay:      n.AllDay,
		Source:      source,
		RelatedID:   n.RelatedID,
		RelatedType: n.RelatedType,
	}
	if n.Recurrence != nil {
		rec, err := n.Recurrence.toOptions()
		if err != nil {
			return calsync.CalendarEvent{}, err
		}
		ev.Recurrence = rec
	}
	return ev, nil
}

func (p recurrencePayload) toOptions() (*calsync.RecurrenceOptions, error) {
	opts := &calsync.RecurrenceOptions{
		Frequency:  calsync.Frequency(p.Frequency),
		Interval:   p.Interval,
		Count:      p.Count,
		ByDay:      p.ByDay,
		ByMonthDay: p.ByMonthDay,
		ByMonth:    p.ByMonth,
	}
	if p.Until != "" {
		until, err := time.Parse(time.RFC3339, p.Until)
		if err != nil {
			return nil, fmt.Errorf("invalid recurrence until: %w", err)
		}
		if p.Count > 0 {
			return nil, fmt.Errorf("recurrence count and until are mutually exclusive")
		}
		opts.Until = &until
	}
	for _, raw := range p.ExDates {
		exDate, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid recurrence exDate: %w", err)
		}
		opts.ExDates = append(opts.ExDates, exDate)
	}
	return opts, nil
}
