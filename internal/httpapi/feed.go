package httpapi

import (
	"context"
	"net/http"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/momentumhq/calsync/internal/calsync"
)

// FeedSource renders a user's projected events as an iCalendar feed so any
// external calendar client can subscribe without going through the provider.
type FeedSource struct {
	projection calsync.ProjectionSource
	now        func() time.Time
}

func NewFeedSource(projection calsync.ProjectionSource) *FeedSource {
	return &FeedSource{projection: projection, now: time.Now}
}

func (f *FeedSource) Render(ctx context.Context, userID string) (string, error) {
	events, err := f.projection.ListProjectedEvents(ctx, userID)
	if err != nil {
		return "", err
	}
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//momentumhq//calsync//EN")
	now := f.now().UTC()
	for _, ev := range events {
		if ev.Start.IsZero() || ev.SyncStatus == calsync.StatusDeleted {
			continue
		}
		item := cal.AddEvent(ev.ID + "@calsync")
		item.SetDtStampTime(now)
		item.SetSummary(ev.Title)
		if ev.Description != "" {
			item.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			item.SetLocation(ev.Location)
		}
		if ev.AllDay {
			item.SetAllDayStartAt(ev.Start)
			end := ev.End
			if end.IsZero() {
				end = ev.Start
			}
			item.SetAllDayEndAt(end.AddDate(0, 0, 1))
		} else {
			item.SetStartAt(ev.Start.UTC())
			end := ev.End
			if end.IsZero() {
				end = ev.Start.Add(time.Hour)
			}
			item.SetEndAt(end.UTC())
		}
		if ev.Recurrence != nil {
			lines, err := calsync.RecurrenceLines(ev.Recurrence, ev.ID)
			if err == nil {
				for _, line := range lines {
					name, value, found := cutICalLine(line)
					if found {
						item.AddProperty(ics.ComponentProperty(name), value)
					}
				}
			}
		}
	}
	return cal.Serialize(), nil
}

func cutICalLine(line string) (name, value string, found bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == ':' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}

func (s *Server) handleCalendarFeed(w http.ResponseWriter, r *http.Request, userID string) {
	feed, err := s.feed.Render(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calendar.ics"`)
	_, _ = w.Write([]byte(feed))
}
