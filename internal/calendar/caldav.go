package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/conciergelabs/concierge/internal/httpkit"
)

// CalDAVClient is a Provider backed by any CalDAV server (Radicale,
// Baikal, Nextcloud). Self-hosted deployments use this instead of the
// Google API, so no OAuth round trip is needed.
type CalDAVClient struct {
	client *caldav.Client
	path   string
	logger *slog.Logger
}

// NewCalDAVClient connects to a CalDAV endpoint with basic auth.
// calendarPath is the collection the busy queries and event writes
// target, e.g. "/calendars/alice/personal/".
func NewCalDAVClient(endpoint, calendarPath, username, password string, logger *slog.Logger) (*CalDAVClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var hc webdav.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
	if username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, username, password)
	}

	client, err := caldav.NewClient(hc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}

	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}

	return &CalDAVClient{
		client: client,
		path:   calendarPath,
		logger: logger.With("provider", "caldav"),
	}, nil
}

// GetBusySlots reports the VEVENT intervals overlapping [timeMin, timeMax).
// CalDAV has no freebusy REPORT everywhere, so this runs a time-range
// calendar-query and reads DTSTART/DTEND off each event.
func (c *CalDAVClient) GetBusySlots(ctx context.Context, timeMin, timeMax time.Time) ([]Interval, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{{
				Name:     "VEVENT",
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: timeMin,
				End:   timeMax,
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, c.path, query)
	if err != nil {
		return nil, fmt.Errorf("calendar query: %w", err)
	}

	var intervals []Interval
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, event := range obj.Data.Events() {
			start, err := event.DateTimeStart(time.UTC)
			if err != nil {
				c.logger.Warn("event without parseable DTSTART, skipping", "path", obj.Path, "error", err)
				continue
			}
			end, err := event.DateTimeEnd(time.UTC)
			if err != nil {
				c.logger.Warn("event without parseable DTEND, skipping", "path", obj.Path, "error", err)
				continue
			}
			intervals = append(intervals, Interval{Start: start.UTC(), End: end.UTC()})
		}
	}

	c.logger.Debug("calendar query complete",
		"path", c.path,
		"time_min", timeMin.Format(time.RFC3339),
		"time_max", timeMax.Format(time.RFC3339),
		"busy", len(intervals),
	)
	return intervals, nil
}

// CreateEvent PUTs a new VEVENT object into the collection.
func (c *CalDAVClient) CreateEvent(ctx context.Context, req EventRequest) (*EventConfirmation, error) {
	start, err := time.Parse(time.RFC3339, req.Start.DateTime)
	if err != nil {
		return nil, fmt.Errorf("parse start time %q: %w", req.Start.DateTime, err)
	}
	end, err := time.Parse(time.RFC3339, req.End.DateTime)
	if err != nil {
		return nil, fmt.Errorf("parse end time %q: %w", req.End.DateTime, err)
	}

	uid := uuid.NewString()

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	event.Props.SetText(ical.PropSummary, req.Summary)
	if req.Description != "" {
		event.Props.SetText(ical.PropDescription, req.Description)
	}
	event.Props.SetDateTime(ical.PropDateTimeStart, start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, end)
	event.Props.SetText(ical.PropStatus, "CONFIRMED")

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//conciergelabs//concierge//EN")
	cal.Children = append(cal.Children, event.Component)

	objPath := c.path + uid + ".ics"
	if _, err := c.client.PutCalendarObject(ctx, objPath, cal); err != nil {
		return nil, fmt.Errorf("put calendar object: %w", err)
	}

	c.logger.Info("event created",
		"path", objPath,
		"summary", req.Summary,
		"start", req.Start.DateTime,
	)
	return &EventConfirmation{ID: uid, Status: "confirmed"}, nil
}
